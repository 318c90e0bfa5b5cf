package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// MemoryStore is an in-process Store used by tests and single-node runs.
// Records are deep-copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
	workflows map[string]*models.Workflow
	actions   map[string]*models.RemediationAction
	seq       int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]*models.Incident),
		workflows: make(map[string]*models.Workflow),
		actions:   make(map[string]*models.RemediationAction),
	}
}

// touch returns a timestamp strictly after prev so UpdatedAt always advances
func touch(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func (s *MemoryStore) CreateIncident(_ context.Context, inc *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	inc.Version = 1
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

func (s *MemoryStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "incident", ID: id}
	}
	return inc.Clone(), nil
}

func (s *MemoryStore) UpdateIncident(_ context.Context, inc *models.Incident, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[inc.ID]
	if !ok {
		return &models.NotFoundError{Kind: "incident", ID: inc.ID}
	}
	if cur.Version != expectedVersion {
		return &models.ConcurrentModificationError{Kind: "incident", ID: inc.ID, ExpectedVersion: expectedVersion}
	}
	inc.Version = expectedVersion + 1
	inc.UpdatedAt = touch(cur.UpdatedAt)
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

func (s *MemoryStore) ListIncidents(_ context.Context, f IncidentFilter) ([]*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*models.Incident
	for _, inc := range s.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Severity != "" && inc.Severity != f.Severity {
			continue
		}
		if f.Type != "" && inc.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && inc.CreatedAt.Before(f.Since) {
			continue
		}
		res = append(res, inc.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// An incident carries at most one workflow in flight
	if wf.IsActive() {
		for _, existing := range s.workflows {
			if existing.IncidentID == wf.IncidentID && existing.IsActive() {
				return &models.ActiveWorkflowError{IncidentID: wf.IncidentID, WorkflowID: existing.ID}
			}
		}
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	wf.Version = 1
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "workflow", ID: id}
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *models.Workflow, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[wf.ID]
	if !ok {
		return &models.NotFoundError{Kind: "workflow", ID: wf.ID}
	}
	if cur.Version != expectedVersion {
		return &models.ConcurrentModificationError{Kind: "workflow", ID: wf.ID, ExpectedVersion: expectedVersion}
	}
	wf.Version = expectedVersion + 1
	wf.UpdatedAt = touch(cur.UpdatedAt)
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *MemoryStore) ActiveWorkflows(_ context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*models.Workflow
	for _, wf := range s.workflows {
		if !wf.IsActive() {
			continue
		}
		if inc, ok := s.incidents[wf.IncidentID]; ok && inc.Status.Terminal() {
			continue
		}
		res = append(res, wf.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) CreateAction(_ context.Context, a *models.RemediationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAction(_ context.Context, id string) (*models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "action", ID: id}
	}
	return a.Clone(), nil
}

func (s *MemoryStore) UpdateAction(_ context.Context, a *models.RemediationAction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.actions[a.ID]
	if !ok {
		return &models.NotFoundError{Kind: "action", ID: a.ID}
	}
	if cur.Version != expectedVersion {
		return &models.ConcurrentModificationError{Kind: "action", ID: a.ID, ExpectedVersion: expectedVersion}
	}
	a.Version = expectedVersion + 1
	a.UpdatedAt = touch(cur.UpdatedAt)
	s.actions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) ListActions(_ context.Context, incidentID string) ([]*models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*models.RemediationAction
	for _, a := range s.actions {
		if a.IncidentID != incidentID {
			continue
		}
		res = append(res, a.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *MemoryStore) NextIncidentSequence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
