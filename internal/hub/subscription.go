package hub

import (
	"strings"
	"time"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// Filters are the attribute predicates of one subscription. All present
// filters must be satisfied for an event to match.
type Filters struct {
	Severity []string   `json:"severity,omitempty"`
	Types    []string   `json:"types,omitempty"`
	Tag      string     `json:"tag,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

// Subscription is a connection-scoped description of which events an
// observer wants. Not persisted: rebuilt by the client on reconnect.
type Subscription struct {
	Patterns  []string
	Filters   Filters
	CreatedAt time.Time
}

// Matches reports whether an event satisfies this subscription: its name
// matches at least one pattern AND every attribute filter present holds.
func (s *Subscription) Matches(ev *models.Event) bool {
	if !s.matchesName(ev.Name) {
		return false
	}
	if len(s.Filters.Severity) > 0 && !containsString(s.Filters.Severity, string(ev.Attributes.Severity)) {
		return false
	}
	if len(s.Filters.Types) > 0 && !containsString(s.Filters.Types, ev.Attributes.IncidentType) {
		return false
	}
	if s.Filters.Tag != "" && !matchesTag(ev.Attributes.Tags, s.Filters.Tag) {
		return false
	}
	if s.Filters.From != nil && ev.Timestamp.Before(*s.Filters.From) {
		return false
	}
	if s.Filters.To != nil && ev.Timestamp.After(*s.Filters.To) {
		return false
	}
	return true
}

func (s *Subscription) matchesName(name string) bool {
	for _, p := range s.Patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

// matchPattern supports exact names and a wildcard suffix: "incident.*"
// matches every name under the incident prefix, and "*" matches all.
func matchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return pattern == name
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func matchesTag(tags []string, query string) bool {
	for _, t := range tags {
		if strings.Contains(t, query) {
			return true
		}
	}
	return false
}
