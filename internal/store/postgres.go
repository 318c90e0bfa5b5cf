package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// PostgresStore implements Store on top of Postgres. Optimistic concurrency
// is a version column checked in every UPDATE's WHERE clause.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres and verifies the connection
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the schema file at path
func (s *PostgresStore) Migrate(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (s *PostgresStore) CreateIncident(ctx context.Context, inc *models.Incident) error {
	meta, err := marshalJSON(inc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := marshalJSON(inc.Resolution)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	const q = `
		INSERT INTO incidents
		(id, sequence_id, type, severity, status, title, description,
		 affected_resources, tags, metadata, assignee, resolution,
		 created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13,1)
		RETURNING created_at, updated_at, version
	`
	row := s.db.QueryRowContext(ctx, q,
		inc.ID, inc.SequenceID, inc.Type, string(inc.Severity), string(inc.Status),
		inc.Title, inc.Description,
		pq.Array(inc.AffectedResources), pq.Array(inc.Tags),
		meta, inc.Assignee, nullableJSON(res),
		time.Now().UTC(),
	)
	return row.Scan(&inc.CreatedAt, &inc.UpdatedAt, &inc.Version)
}

func (s *PostgresStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	const q = `
		SELECT id, sequence_id, type, severity, status, title, description,
		       affected_resources, tags, metadata, assignee, resolution,
		       created_at, updated_at, version
		FROM incidents WHERE id = $1
	`
	inc, err := scanIncident(s.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "incident", ID: id}
	}
	return inc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var inc models.Incident
	var resources, tags pq.StringArray
	var meta, resolution []byte
	if err := row.Scan(&inc.ID, &inc.SequenceID, &inc.Type, &inc.Severity, &inc.Status,
		&inc.Title, &inc.Description, &resources, &tags, &meta, &inc.Assignee,
		&resolution, &inc.CreatedAt, &inc.UpdatedAt, &inc.Version); err != nil {
		return nil, err
	}
	inc.AffectedResources = []string(resources)
	inc.Tags = []string(tags)
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &inc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(resolution) > 0 && string(resolution) != "null" {
		inc.Resolution = &models.Resolution{}
		if err := json.Unmarshal(resolution, inc.Resolution); err != nil {
			return nil, fmt.Errorf("unmarshal resolution: %w", err)
		}
	}
	return &inc, nil
}

func (s *PostgresStore) UpdateIncident(ctx context.Context, inc *models.Incident, expectedVersion int64) error {
	meta, err := marshalJSON(inc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := marshalJSON(inc.Resolution)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	const q = `
		UPDATE incidents SET
		  status = $1, severity = $2, title = $3, description = $4,
		  affected_resources = $5, tags = $6, metadata = $7, assignee = $8,
		  resolution = $9,
		  updated_at = GREATEST(now(), updated_at + interval '1 microsecond'),
		  version = version + 1
		WHERE id = $10 AND version = $11
		RETURNING updated_at, version
	`
	row := s.db.QueryRowContext(ctx, q,
		string(inc.Status), string(inc.Severity), inc.Title, inc.Description,
		pq.Array(inc.AffectedResources), pq.Array(inc.Tags), meta, inc.Assignee,
		nullableJSON(res), inc.ID, expectedVersion,
	)
	if err := row.Scan(&inc.UpdatedAt, &inc.Version); err != nil {
		if err == sql.ErrNoRows {
			return s.conflictOrMissing(ctx, "incidents", "incident", inc.ID, expectedVersion)
		}
		return err
	}
	return nil
}

// conflictOrMissing distinguishes a version conflict from a missing row
// after an UPDATE matched nothing.
func (s *PostgresStore) conflictOrMissing(ctx context.Context, table, kind, id string, expectedVersion int64) error {
	var one int
	row := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = $1", id)
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return &models.NotFoundError{Kind: kind, ID: id}
		}
		return err
	}
	return &models.ConcurrentModificationError{Kind: kind, ID: id, ExpectedVersion: expectedVersion}
}

func (s *PostgresStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]*models.Incident, error) {
	clauses := []string{"1=1"}
	args := []any{}
	idx := 1
	if f.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.Severity != "" {
		clauses = append(clauses, fmt.Sprintf("severity = $%d", idx))
		args = append(args, string(f.Severity))
		idx++
	}
	if f.Type != "" {
		clauses = append(clauses, fmt.Sprintf("type = $%d", idx))
		args = append(args, f.Type)
		idx++
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, f.Since)
		idx++
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, sequence_id, type, severity, status, title, description,
		 affected_resources, tags, metadata, assignee, resolution,
		 created_at, updated_at, version FROM incidents WHERE ` +
		strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	steps, err := marshalJSON(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	wfErr, err := marshalJSON(wf.Error)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	const q = `
		INSERT INTO workflows
		(id, incident_id, plan_name, status, steps, current_step, on_complete,
		 error, created_at, updated_at, completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9,$10,1)
		RETURNING created_at, updated_at, version
	`
	row := s.db.QueryRowContext(ctx, q,
		wf.ID, wf.IncidentID, wf.PlanName, string(wf.Status), steps,
		wf.CurrentStep, string(wf.OnComplete), nullableJSON(wfErr),
		time.Now().UTC(), wf.CompletedAt,
	)
	if err := row.Scan(&wf.CreatedAt, &wf.UpdatedAt, &wf.Version); err != nil {
		// idx_workflows_active_incident: one active workflow per incident
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return &models.ActiveWorkflowError{IncidentID: wf.IncidentID}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	const q = `
		SELECT id, incident_id, plan_name, status, steps, current_step,
		       on_complete, error, created_at, updated_at, completed_at, version
		FROM workflows WHERE id = $1
	`
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "workflow", ID: id}
	}
	return wf, err
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var wf models.Workflow
	var steps, wfErr []byte
	var completedAt sql.NullTime
	if err := row.Scan(&wf.ID, &wf.IncidentID, &wf.PlanName, &wf.Status, &steps,
		&wf.CurrentStep, &wf.OnComplete, &wfErr, &wf.CreatedAt, &wf.UpdatedAt,
		&completedAt, &wf.Version); err != nil {
		return nil, err
	}
	if len(steps) > 0 && string(steps) != "null" {
		if err := json.Unmarshal(steps, &wf.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(wfErr) > 0 && string(wfErr) != "null" {
		wf.Error = &models.WorkflowError{}
		if err := json.Unmarshal(wfErr, wf.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error record: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		wf.CompletedAt = &t
	}
	return &wf, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *models.Workflow, expectedVersion int64) error {
	steps, err := marshalJSON(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	wfErr, err := marshalJSON(wf.Error)
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}
	const q = `
		UPDATE workflows SET
		  status = $1, steps = $2, current_step = $3, error = $4,
		  completed_at = $5,
		  updated_at = GREATEST(now(), updated_at + interval '1 microsecond'),
		  version = version + 1
		WHERE id = $6 AND version = $7
		RETURNING updated_at, version
	`
	row := s.db.QueryRowContext(ctx, q,
		string(wf.Status), steps, wf.CurrentStep, nullableJSON(wfErr),
		wf.CompletedAt, wf.ID, expectedVersion,
	)
	if err := row.Scan(&wf.UpdatedAt, &wf.Version); err != nil {
		if err == sql.ErrNoRows {
			return s.conflictOrMissing(ctx, "workflows", "workflow", wf.ID, expectedVersion)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ActiveWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	const q = `
		SELECT w.id, w.incident_id, w.plan_name, w.status, w.steps, w.current_step,
		       w.on_complete, w.error, w.created_at, w.updated_at, w.completed_at, w.version
		FROM workflows w
		JOIN incidents i ON i.id = w.incident_id
		WHERE w.status IN ('initiated', 'in_progress')
		  AND i.status NOT IN ('resolved', 'false_positive')
		ORDER BY w.created_at
	`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

func (s *PostgresStore) CreateAction(ctx context.Context, a *models.RemediationAction) error {
	target, err := marshalJSON(a.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	approval, err := marshalJSON(a.Approval)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	result, err := marshalJSON(a.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	const q = `
		INSERT INTO remediation_actions
		(id, incident_id, workflow_id, step_id, action_type, target, dry_run,
		 status, approval, result, executed_at, completed_at,
		 created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13,1)
		RETURNING created_at, updated_at, version
	`
	row := s.db.QueryRowContext(ctx, q,
		a.ID, a.IncidentID, a.WorkflowID, a.StepID, a.ActionType, target,
		a.DryRun, string(a.Status), approval, nullableJSON(result),
		a.ExecutedAt, a.CompletedAt, time.Now().UTC(),
	)
	return row.Scan(&a.CreatedAt, &a.UpdatedAt, &a.Version)
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*models.RemediationAction, error) {
	const q = `
		SELECT id, incident_id, workflow_id, step_id, action_type, target,
		       dry_run, status, approval, result, executed_at, completed_at,
		       created_at, updated_at, version
		FROM remediation_actions WHERE id = $1
	`
	a, err := scanAction(s.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, &models.NotFoundError{Kind: "action", ID: id}
	}
	return a, err
}

func scanAction(row rowScanner) (*models.RemediationAction, error) {
	var a models.RemediationAction
	var target, approval, result []byte
	var executedAt, completedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.IncidentID, &a.WorkflowID, &a.StepID, &a.ActionType,
		&target, &a.DryRun, &a.Status, &approval, &result, &executedAt, &completedAt,
		&a.CreatedAt, &a.UpdatedAt, &a.Version); err != nil {
		return nil, err
	}
	if len(target) > 0 && string(target) != "null" {
		if err := json.Unmarshal(target, &a.Target); err != nil {
			return nil, fmt.Errorf("unmarshal target: %w", err)
		}
	}
	if len(approval) > 0 && string(approval) != "null" {
		if err := json.Unmarshal(approval, &a.Approval); err != nil {
			return nil, fmt.Errorf("unmarshal approval: %w", err)
		}
	}
	if len(result) > 0 && string(result) != "null" {
		a.Result = &models.ActionResult{}
		if err := json.Unmarshal(result, a.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if executedAt.Valid {
		t := executedAt.Time
		a.ExecutedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAction(ctx context.Context, a *models.RemediationAction, expectedVersion int64) error {
	approval, err := marshalJSON(a.Approval)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	result, err := marshalJSON(a.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	const q = `
		UPDATE remediation_actions SET
		  status = $1, approval = $2, result = $3, executed_at = $4,
		  completed_at = $5,
		  updated_at = GREATEST(now(), updated_at + interval '1 microsecond'),
		  version = version + 1
		WHERE id = $6 AND version = $7
		RETURNING updated_at, version
	`
	row := s.db.QueryRowContext(ctx, q,
		string(a.Status), approval, nullableJSON(result), a.ExecutedAt,
		a.CompletedAt, a.ID, expectedVersion,
	)
	if err := row.Scan(&a.UpdatedAt, &a.Version); err != nil {
		if err == sql.ErrNoRows {
			return s.conflictOrMissing(ctx, "remediation_actions", "action", a.ID, expectedVersion)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ListActions(ctx context.Context, incidentID string) ([]*models.RemediationAction, error) {
	const q = `
		SELECT id, incident_id, workflow_id, step_id, action_type, target,
		       dry_run, status, approval, result, executed_at, completed_at,
		       created_at, updated_at, version
		FROM remediation_actions WHERE incident_id = $1 ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, q, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*models.RemediationAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *PostgresStore) NextIncidentSequence(ctx context.Context) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, "SELECT nextval('incident_seq')")
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// nullableJSON maps a marshalled "null" to a SQL NULL
func nullableJSON(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}
