package models

import (
	"fmt"
	"time"
)

// Severity classifies how urgent an incident is
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ValidSeverity returns true for a known severity level
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// IncidentStatus represents the current state of an incident
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusRemediating   IncidentStatus = "remediating"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusFalsePositive IncidentStatus = "false_positive"
)

// Terminal returns true if the status ends the incident lifecycle.
// A resolved incident may still be reopened explicitly.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentStatusResolved || s == IncidentStatusFalsePositive
}

// Incident is a tracked security event under investigation
type Incident struct {
	ID                string         `json:"id"`
	SequenceID        string         `json:"sequence_id"`
	Type              string         `json:"type"`
	Severity          Severity       `json:"severity"`
	Status            IncidentStatus `json:"status"`
	Title             string         `json:"title,omitempty"`
	Description       string         `json:"description,omitempty"`
	AffectedResources []string       `json:"affected_resources,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Assignee          string         `json:"assignee,omitempty"`
	Resolution        *Resolution    `json:"resolution,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`

	// Version is the optimistic concurrency token; the state store rejects
	// updates whose expected version no longer matches.
	Version int64 `json:"version"`
}

// Resolution records how an incident was closed out
type Resolution struct {
	ResolvedBy    string    `json:"resolved_by"`
	Notes         string    `json:"notes,omitempty"`
	ActionsTaken  []string  `json:"actions_taken,omitempty"`
	FalsePositive bool      `json:"false_positive"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// FormatSequenceID renders the human-readable incident identifier
func FormatSequenceID(n int64) string {
	return fmt.Sprintf("INC-%05d", n)
}

// Validate checks required incident fields
func (i *Incident) Validate() error {
	if i.Type == "" {
		return fmt.Errorf("incident type is required")
	}
	if !ValidSeverity(i.Severity) {
		return fmt.Errorf("invalid severity: %s", i.Severity)
	}
	return nil
}

// Clone returns a deep copy of the incident
func (i *Incident) Clone() *Incident {
	c := *i
	c.AffectedResources = append([]string(nil), i.AffectedResources...)
	c.Tags = append([]string(nil), i.Tags...)
	c.Metadata = cloneMap(i.Metadata)
	if i.Resolution != nil {
		r := *i.Resolution
		r.ActionsTaken = append([]string(nil), i.Resolution.ActionsTaken...)
		c.Resolution = &r
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
