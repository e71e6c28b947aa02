package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the routing result for an action.
type Outcome string

const (
	OutcomeAutoExecute   Outcome = "auto_execute"
	OutcomeQueueApproval Outcome = "queue_approval"
	OutcomeEscalate      Outcome = "escalate"
	OutcomeReject        Outcome = "reject"
)

// AutonomyLevel controls how aggressively actions auto-execute (1-4).
type AutonomyLevel int

const (
	AutonomyManual     AutonomyLevel = 1
	AutonomyBounded    AutonomyLevel = 2
	AutonomySupervised AutonomyLevel = 3
	AutonomyAutonomous AutonomyLevel = 4
)

// Valid reports whether l is within the defined 1-4 range.
func (l AutonomyLevel) Valid() bool {
	return l >= AutonomyManual && l <= AutonomyAutonomous
}

// Decision is the routing outcome for an action, with snapshots of the
// action and its assessment. ApprovedBy/ApprovedAt/ExecutedAt are the only
// fields mutated after creation, by the approval and execution paths.
type Decision struct {
	ID                uuid.UUID      `json:"id"`
	ActionID          uuid.UUID      `json:"action_id"`
	Action            Action         `json:"action"`
	Assessment        RiskAssessment `json:"assessment"`
	Outcome           Outcome        `json:"outcome"`
	Reason            string         `json:"reason"`
	PolicyID          string         `json:"policy_id,omitempty"`
	ApprovedBy        string         `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time     `json:"approved_at,omitempty"`
	ExecutedAt        *time.Time     `json:"executed_at,omitempty"`
	RollbackAvailable bool           `json:"rollback_available"`
	Timestamp         time.Time      `json:"timestamp"`
}
