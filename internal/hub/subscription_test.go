package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"incident.created", "incident.created", true},
		{"incident.created", "incident.updated", false},
		{"incident.*", "incident.created", true},
		{"incident.*", "incident.resolved", true},
		{"incident.*", "workflow.started", false},
		{"workflow.step.*", "workflow.step.completed", true},
		{"workflow.step.*", "workflow.started", false},
		{"*", "anything.at.all", true},
		{"remediation.*", "remediation.approved", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.name))
		})
	}
}

func TestSubscription_Matches(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	event := models.Event{
		Name: models.EventIncidentCreated,
		Attributes: models.EventAttributes{
			Severity:     models.SeverityHigh,
			IncidentType: "malware",
			IncidentID:   "inc-1",
			Tags:         []string{"lateral-movement", "web-tier"},
		},
		Timestamp: base,
	}

	earlier := base.Add(-time.Hour)
	later := base.Add(time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{
			"name pattern only",
			Subscription{Patterns: []string{"incident.*"}},
			true,
		},
		{
			"no pattern matches",
			Subscription{Patterns: []string{"workflow.*", "remediation.*"}},
			false,
		},
		{
			"severity filter passes",
			Subscription{Patterns: []string{"*"}, Filters: Filters{Severity: []string{"high", "critical"}}},
			true,
		},
		{
			"severity filter blocks",
			Subscription{Patterns: []string{"*"}, Filters: Filters{Severity: []string{"critical"}}},
			false,
		},
		{
			"type filter passes",
			Subscription{Patterns: []string{"*"}, Filters: Filters{Types: []string{"malware"}}},
			true,
		},
		{
			"type filter blocks",
			Subscription{Patterns: []string{"*"}, Filters: Filters{Types: []string{"phishing"}}},
			false,
		},
		{
			"tag substring passes",
			Subscription{Patterns: []string{"*"}, Filters: Filters{Tag: "lateral"}},
			true,
		},
		{
			"tag substring blocks",
			Subscription{Patterns: []string{"*"}, Filters: Filters{Tag: "database"}},
			false,
		},
		{
			"time window contains event",
			Subscription{Patterns: []string{"*"}, Filters: Filters{From: &earlier, To: &later}},
			true,
		},
		{
			"event before window",
			Subscription{Patterns: []string{"*"}, Filters: Filters{From: &later}},
			false,
		},
		{
			"event after window",
			Subscription{Patterns: []string{"*"}, Filters: Filters{To: &earlier}},
			false,
		},
		{
			"all filters conjunctive",
			Subscription{Patterns: []string{"incident.*"}, Filters: Filters{
				Severity: []string{"high"},
				Types:    []string{"malware"},
				Tag:      "web",
			}},
			true,
		},
		{
			"one failing filter rejects",
			Subscription{Patterns: []string{"incident.*"}, Filters: Filters{
				Severity: []string{"high"},
				Types:    []string{"malware"},
				Tag:      "database",
			}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(&event))
		})
	}
}

func TestConnection_Enqueue_DropsOldestWhenFull(t *testing.T) {
	c := &Connection{
		send: make(chan Message, 2),
		done: make(chan struct{}),
	}

	c.enqueue(Message{ID: "1", Type: TypeEvent})
	c.enqueue(Message{ID: "2", Type: TypeEvent})
	c.enqueue(Message{ID: "3", Type: TypeEvent})

	assert.Equal(t, uint64(1), c.droppedCount())

	first := <-c.send
	second := <-c.send
	assert.Equal(t, "2", first.ID, "oldest queued message is dropped first")
	assert.Equal(t, "3", second.ID)
	assert.Empty(t, c.send)
}

func TestConnection_Deliver_OnlyMatchingSubscriptions(t *testing.T) {
	c := &Connection{
		send:          make(chan Message, 8),
		done:          make(chan struct{}),
		authenticated: true,
		subs: []*Subscription{
			{Patterns: []string{"incident.*"}, Filters: Filters{Severity: []string{"high"}}},
		},
	}

	match := models.Event{
		Name:       models.EventIncidentCreated,
		Attributes: models.EventAttributes{Severity: models.SeverityHigh},
	}
	miss := models.Event{
		Name:       models.EventIncidentCreated,
		Attributes: models.EventAttributes{Severity: models.SeverityLow},
	}

	c.deliver(&match, Message{ID: "m", Type: TypeEvent})
	c.deliver(&miss, Message{ID: "x", Type: TypeEvent})

	assert.Equal(t, 1, len(c.send))
	got := <-c.send
	assert.Equal(t, "m", got.ID)
}

func TestConnection_Deliver_UnauthenticatedGetsNothing(t *testing.T) {
	c := &Connection{
		send: make(chan Message, 8),
		done: make(chan struct{}),
		subs: []*Subscription{{Patterns: []string{"*"}}},
	}

	ev := models.Event{Name: models.EventIncidentCreated}
	c.deliver(&ev, Message{Type: TypeEvent})

	assert.Empty(t, c.send)
}

func TestHasScope(t *testing.T) {
	assert.True(t, hasScope("events:read", "events:read"))
	assert.True(t, hasScope("admin events:read metrics:read", "events:read"))
	assert.False(t, hasScope("events:write", "events:read"))
	assert.False(t, hasScope("", "events:read"))
}
