package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionStatus_Terminal(t *testing.T) {
	assert.True(t, ActionStatusCompleted.Terminal())
	assert.True(t, ActionStatusFailed.Terminal())
	assert.True(t, ActionStatusRolledBack.Terminal())
	assert.False(t, ActionStatusPending.Terminal())
	assert.False(t, ActionStatusPendingApproval.Terminal())
	assert.False(t, ActionStatusApproved.Terminal())
	assert.False(t, ActionStatusExecuting.Terminal())
}

func TestRemediationAction_Approved(t *testing.T) {
	now := time.Now()

	noGate := &RemediationAction{Approval: Approval{Required: false}}
	assert.True(t, noGate.Approved())

	waiting := &RemediationAction{Approval: Approval{Required: true}}
	assert.False(t, waiting.Approved())

	granted := &RemediationAction{Approval: Approval{Required: true, Approver: "soc-lead", Time: &now}}
	assert.True(t, granted.Approved())
}

func TestRemediationAction_Clone_Isolation(t *testing.T) {
	now := time.Now()
	orig := &RemediationAction{
		ID:     "act-1",
		Target: map[string]any{"ip": "203.0.113.7"},
		Status: ActionStatusCompleted,
		Approval: Approval{
			Required: true,
			Approver: "soc-lead",
			Time:     &now,
		},
		Result: &ActionResult{
			Success:      true,
			RollbackData: map[string]any{"rule_id": "fw-42"},
		},
	}

	c := orig.Clone()
	c.Target["ip"] = "198.51.100.1"
	c.Result.RollbackData["rule_id"] = "fw-99"
	*c.Approval.Time = c.Approval.Time.Add(time.Hour)

	assert.Equal(t, "203.0.113.7", orig.Target["ip"])
	assert.Equal(t, "fw-42", orig.Result.RollbackData["rule_id"])
	assert.Equal(t, now, *orig.Approval.Time)
}
