package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/bus"
	"github.com/sentinel-sec/orchestrator/internal/hub"
	"github.com/sentinel-sec/orchestrator/internal/incident"
	"github.com/sentinel-sec/orchestrator/internal/remediation"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/internal/workflow"
	v1 "github.com/sentinel-sec/orchestrator/pkg/api/v1"
	"github.com/sentinel-sec/orchestrator/pkg/config"
	"github.com/sentinel-sec/orchestrator/pkg/middleware"
	"github.com/sentinel-sec/orchestrator/pkg/playbook"
)

var (
	// Version is set during build with -ldflags
	Version = "dev"
	// startTime records when the application started
	startTime time.Time
)

func main() {
	startTime = time.Now()

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log := logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
		log.WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize logger with configured log level
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Invalid log level '%s', defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"version": Version,
		"port":    cfg.Port,
	}).Info("Starting incident response orchestrator")

	// Initialize the state store
	st, err := initStore(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize state store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("Store close error")
		}
	}()

	// Load the playbook file
	book, err := playbook.Load(cfg.PlaybookPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load playbooks")
	}
	log.WithField("triggers", book.Triggers()).Info("Playbooks loaded")

	// Initialize the agent message bus
	msgBus := bus.NewMemoryBus(log)
	defer func() {
		if err := msgBus.Close(); err != nil {
			log.WithError(err).Error("Bus close error")
		}
	}()

	// Initialize the event distribution hub
	eventHub := hub.New(hub.Config{
		QueueSize:           cfg.HubQueueSize,
		MaxSubscriptions:    cfg.HubMaxSubscriptions,
		MaxConnsPerIdentity: cfg.HubMaxConnsPerIdentity,
		MessageRateLimit:    cfg.HubMessageRateLimit,
		IdleTimeout:         cfg.HubIdleTimeout,
		TokenSecret:         []byte(cfg.TokenSecret),
	}, log)
	log.Info("Event hub initialized")

	// Incident state machine
	incidents := incident.NewMachine(st, eventHub, log)
	log.Info("Incident machine initialized")

	// Remediation lifecycle with a noop executor placeholder for every
	// action type the playbooks can propose.
	registry := remediation.NewRegistry(log)
	registry.Register("block_ip", &remediation.NoopExecutor{ExecName: "firewall"})
	registry.Register("isolate_host", &remediation.NoopExecutor{ExecName: "edr"})
	registry.Register("disable_account", &remediation.NoopExecutor{ExecName: "directory"})
	registry.Register("quarantine_file", &remediation.NoopExecutor{ExecName: "edr"})
	lifecycle := remediation.NewLifecycle(st, registry, eventHub, log)
	log.WithField("action_types", registry.Registered()).Info("Remediation lifecycle initialized")

	// Workflow engine
	engine := workflow.NewEngine(st, msgBus, incidents, eventHub, workflow.Policy{
		DefaultStepTimeout: cfg.StepTimeout,
		DefaultMaxAttempts: cfg.StepMaxAttempts,
		RetryBackoff:       cfg.StepRetryBackoff,
	}, log)
	engine.SetActionProposer(lifecycle)
	unsubscribe := msgBus.SubscribeResults(engine.OnStepResult)
	defer unsubscribe()
	log.Info("Workflow engine initialized")

	// Recovery: reconcile workflows interrupted by the previous process,
	// then keep sweeping for timed-out steps.
	recoverCtx, cancelRecovery := context.WithCancel(context.Background())
	defer cancelRecovery()

	if n, err := engine.RecoverActiveWorkflows(recoverCtx); err != nil {
		log.WithError(err).Error("Startup recovery pass failed")
	} else if n > 0 {
		log.WithField("workflows", n).Info("Recovered active workflows")
	}
	go engine.RunRecoveryLoop(recoverCtx, cfg.RecoveryInterval)

	// Setup HTTP router with middleware
	router := mux.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log))

	// Create API handlers
	healthHandler := v1.NewHealthHandler(log, st, eventHub, Version, startTime)
	incidentHandler := v1.NewIncidentHandler(incidents, log)
	workflowHandler := v1.NewWorkflowHandler(engine, book, log)
	remediationHandler := v1.NewRemediationHandler(lifecycle, log)

	router.Handle("/api/v1/health", healthHandler).Methods("GET")
	incidentHandler.RegisterRoutes(router)
	workflowHandler.RegisterRoutes(router)
	remediationHandler.RegisterRoutes(router)
	router.Handle("/api/v1/events/stream", eventHub)
	log.Info("API endpoints registered")

	// Metrics server (separate port)
	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsRouter,
	}

	go func() {
		log.WithField("port", cfg.MetricsPort).Info("Starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Metrics server failed")
		}
	}()

	// Start main API server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down servers...")
	cancelRecovery()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("API server shutdown error")
	}
	eventHub.Shutdown(ctx)

	if err := metricsServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Metrics server shutdown error")
	}

	log.Info("Servers stopped")
}

// initStore opens the configured state store. An empty POSTGRES_DSN selects
// the in-memory store, which loses state on restart.
func initStore(cfg *config.Config, log *logrus.Logger) (store.Store, error) {
	if cfg.PostgresDSN == "" {
		log.Warn("POSTGRES_DSN not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	if err := pg.Migrate(ctx, cfg.SchemaPath); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info("Postgres store ready")
	return pg, nil
}
