// Package incident owns the incident status lifecycle. All incident
// mutations flow through the Machine's transition operation; nothing else
// writes incident fields.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// legalTransitions is the directed graph of allowed status edges. The
// resolved -> investigating edge is the explicit reopen path.
var legalTransitions = map[models.IncidentStatus][]models.IncidentStatus{
	models.IncidentStatusOpen:          {models.IncidentStatusInvestigating},
	models.IncidentStatusInvestigating: {models.IncidentStatusRemediating},
	models.IncidentStatusRemediating:   {models.IncidentStatusResolved, models.IncidentStatusFalsePositive},
	models.IncidentStatusResolved:      {models.IncidentStatusInvestigating},
	models.IncidentStatusFalsePositive: {},
}

// TransitionAllowed reports whether from -> to is a legal edge
func TransitionAllowed(from, to models.IncidentStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EventSink receives state-transition events for fan-out to observers
type EventSink interface {
	Publish(ev models.Event)
}

// CreateSpec describes a new incident
type CreateSpec struct {
	Type              string
	Severity          models.Severity
	Title             string
	Description       string
	AffectedResources []string
	Tags              []string
	Metadata          map[string]any
}

// FieldUpdates are the mutations a transition may carry alongside the
// status change. Metadata entries merge into the existing map.
type FieldUpdates struct {
	Assignee          *string
	Metadata          map[string]any
	AffectedResources []string
	Tags              []string
}

// Machine drives incident state transitions against the state store
type Machine struct {
	store  store.Store
	events EventSink
	retry  store.RetryPolicy
	log    *logrus.Logger
}

// NewMachine creates an incident state machine
func NewMachine(st store.Store, events EventSink, log *logrus.Logger) *Machine {
	return &Machine{
		store:  st,
		events: events,
		retry:  store.DefaultRetryPolicy,
		log:    log,
	}
}

// Create allocates a new incident in status open and emits incident.created
func (m *Machine) Create(ctx context.Context, spec CreateSpec) (*models.Incident, error) {
	seq, err := m.store.NextIncidentSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate incident sequence: %w", err)
	}

	inc := &models.Incident{
		ID:                "inc-" + uuid.New().String(),
		SequenceID:        models.FormatSequenceID(seq),
		Type:              spec.Type,
		Severity:          spec.Severity,
		Status:            models.IncidentStatusOpen,
		Title:             spec.Title,
		Description:       spec.Description,
		AffectedResources: spec.AffectedResources,
		Tags:              spec.Tags,
		Metadata:          spec.Metadata,
	}
	if err := inc.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"incident_id": inc.ID,
		"sequence_id": inc.SequenceID,
		"type":        inc.Type,
		"severity":    inc.Severity,
	}).Info("Incident created")

	m.events.Publish(models.NewEvent(models.EventIncidentCreated, attrs(inc), map[string]any{
		"incident": inc,
	}))
	return inc, nil
}

// Get returns the incident with the given id
func (m *Machine) Get(ctx context.Context, id string) (*models.Incident, error) {
	return m.store.GetIncident(ctx, id)
}

// List returns incidents matching the filter
func (m *Machine) List(ctx context.Context, f store.IncidentFilter) ([]*models.Incident, error) {
	return m.store.ListIncidents(ctx, f)
}

// Transition moves the incident to target if the edge is legal, applying
// field updates in the same atomic write. Conflicting writers are retried
// with jittered backoff; the losing caller of an approve-style race sees
// the authoritative state in the returned error.
func (m *Machine) Transition(ctx context.Context, id string, target models.IncidentStatus, actor string, fields *FieldUpdates) (*models.Incident, error) {
	var result *models.Incident
	err := store.WithRetry(ctx, m.retry, func(ctx context.Context) error {
		inc, err := m.store.GetIncident(ctx, id)
		if err != nil {
			return err
		}
		if !TransitionAllowed(inc.Status, target) {
			return &models.InvalidTransitionError{
				Kind: "incident", ID: id,
				From: string(inc.Status), To: string(target),
			}
		}

		from := inc.Status
		inc.Status = target
		changed := applyFields(inc, fields)
		if target == models.IncidentStatusInvestigating && inc.Resolution != nil {
			// Reopen clears the resolution record: it must be present iff
			// the incident is terminal.
			inc.Resolution = nil
		}

		if err := m.store.UpdateIncident(ctx, inc, inc.Version); err != nil {
			return err
		}
		result = inc

		m.log.WithFields(logrus.Fields{
			"incident_id": id,
			"from":        from,
			"to":          target,
			"actor":       actor,
		}).Info("Incident transitioned")
		RecordTransition(string(from), string(target))

		m.events.Publish(models.NewEvent(models.EventIncidentUpdated, attrs(inc), map[string]any{
			"from":    from,
			"to":      target,
			"actor":   actor,
			"changed": changed,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve transitions to resolved or false_positive and writes the
// resolution record in the same atomic update.
func (m *Machine) Resolve(ctx context.Context, id string, res models.Resolution, falsePositive bool) (*models.Incident, error) {
	target := models.IncidentStatusResolved
	if falsePositive {
		target = models.IncidentStatusFalsePositive
	}

	var result *models.Incident
	err := store.WithRetry(ctx, m.retry, func(ctx context.Context) error {
		inc, err := m.store.GetIncident(ctx, id)
		if err != nil {
			return err
		}
		if !TransitionAllowed(inc.Status, target) {
			return &models.InvalidTransitionError{
				Kind: "incident", ID: id,
				From: string(inc.Status), To: string(target),
			}
		}

		from := inc.Status
		inc.Status = target
		r := res
		r.FalsePositive = falsePositive
		if r.ResolvedAt.IsZero() {
			r.ResolvedAt = time.Now().UTC()
		}
		inc.Resolution = &r

		if err := m.store.UpdateIncident(ctx, inc, inc.Version); err != nil {
			return err
		}
		result = inc

		m.log.WithFields(logrus.Fields{
			"incident_id":    id,
			"from":           from,
			"to":             target,
			"resolved_by":    r.ResolvedBy,
			"false_positive": falsePositive,
		}).Info("Incident resolved")
		RecordTransition(string(from), string(target))

		m.events.Publish(models.NewEvent(models.EventIncidentResolved, attrs(inc), map[string]any{
			"from":       from,
			"to":         target,
			"resolution": r,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reopen moves a resolved incident back to investigating
func (m *Machine) Reopen(ctx context.Context, id, actor string) (*models.Incident, error) {
	return m.Transition(ctx, id, models.IncidentStatusInvestigating, actor, nil)
}

func applyFields(inc *models.Incident, fields *FieldUpdates) []string {
	if fields == nil {
		return nil
	}
	var changed []string
	if fields.Assignee != nil {
		inc.Assignee = *fields.Assignee
		changed = append(changed, "assignee")
	}
	if len(fields.Metadata) > 0 {
		if inc.Metadata == nil {
			inc.Metadata = make(map[string]any, len(fields.Metadata))
		}
		for k, v := range fields.Metadata {
			inc.Metadata[k] = v
		}
		changed = append(changed, "metadata")
	}
	if len(fields.AffectedResources) > 0 {
		inc.AffectedResources = appendUnique(inc.AffectedResources, fields.AffectedResources)
		changed = append(changed, "affected_resources")
	}
	if len(fields.Tags) > 0 {
		inc.Tags = appendUnique(inc.Tags, fields.Tags)
		changed = append(changed, "tags")
	}
	return changed
}

func appendUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range add {
		if !seen[v] {
			existing = append(existing, v)
			seen[v] = true
		}
	}
	return existing
}

func attrs(inc *models.Incident) models.EventAttributes {
	return models.EventAttributes{
		Severity:     inc.Severity,
		IncidentType: inc.Type,
		IncidentID:   inc.ID,
		Tags:         inc.Tags,
	}
}
