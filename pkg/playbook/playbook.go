// Package playbook loads the step plans the workflow engine executes.
// Plans are data, not code: an ordered list of {agent, action} pairs with
// per-step timeout and retry policy, keyed by the incident type that
// triggers them.
package playbook

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// PlanStep declares one agent work item within a plan
type PlanStep struct {
	Agent          string         `yaml:"agent"`
	Action         string         `yaml:"action"`
	Input          map[string]any `yaml:"input,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty"`
	MaxAttempts    int            `yaml:"max_attempts,omitempty"`
}

// Plan is an ordered sequence of agent steps for one incident type
type Plan struct {
	Name    string     `yaml:"name"`
	Trigger string     `yaml:"trigger"`
	Steps   []PlanStep `yaml:"steps"`

	// OnComplete is the incident status applied when every step completes.
	// Defaults to resolved.
	OnComplete models.IncidentStatus `yaml:"on_complete,omitempty"`
}

// Book is a set of plans indexed by trigger incident type
type Book struct {
	plans map[string]Plan
}

type fileFormat struct {
	Plans []Plan `yaml:"plans"`
}

// Load reads and validates a playbook file
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	return Parse(data)
}

// Parse validates raw playbook YAML
func Parse(data []byte) (*Book, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("playbook contains no plans")
	}

	book := &Book{plans: make(map[string]Plan, len(f.Plans))}
	for i, p := range f.Plans {
		if err := validatePlan(&p); err != nil {
			return nil, fmt.Errorf("plan %d (%s): %w", i, p.Name, err)
		}
		if _, dup := book.plans[p.Trigger]; dup {
			return nil, fmt.Errorf("duplicate plan for trigger %q", p.Trigger)
		}
		book.plans[p.Trigger] = p
	}
	return book, nil
}

func validatePlan(p *Plan) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Trigger == "" {
		return fmt.Errorf("trigger is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, s := range p.Steps {
		if s.Agent == "" {
			return fmt.Errorf("step %d: agent is required", i)
		}
		if s.Action == "" {
			return fmt.Errorf("step %d: action is required", i)
		}
		if s.TimeoutSeconds < 0 {
			return fmt.Errorf("step %d: timeout_seconds cannot be negative", i)
		}
		if s.MaxAttempts < 0 {
			return fmt.Errorf("step %d: max_attempts cannot be negative", i)
		}
	}
	if p.OnComplete == "" {
		p.OnComplete = models.IncidentStatusResolved
	}
	if p.OnComplete != models.IncidentStatusResolved && p.OnComplete != models.IncidentStatusFalsePositive {
		return fmt.Errorf("on_complete must be resolved or false_positive, got %q", p.OnComplete)
	}
	return nil
}

// Get returns the plan registered for an incident type
func (b *Book) Get(trigger string) (Plan, bool) {
	p, ok := b.plans[trigger]
	return p, ok
}

// Triggers lists the incident types with a registered plan
func (b *Book) Triggers() []string {
	out := make([]string, 0, len(b.plans))
	for t := range b.plans {
		out = append(out, t)
	}
	return out
}
