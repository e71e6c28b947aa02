package veto

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies the kind of work an action performs.
type Category string

const (
	CategoryTrading       Category = "trading"
	CategoryContent       Category = "content"
	CategoryBuild         Category = "build"
	CategoryDeployment    Category = "deployment"
	CategoryConfiguration Category = "configuration"
)

// Urgency is the producer-declared time pressure on an action.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Action is the public representation of a submitted action.
// It is a curated view of the internal action type for use in extension
// interfaces. No internal package imports — safe to use from outside the
// module.
type Action struct {
	ID          uuid.UUID
	Engine      string
	Category    Category
	Type        string
	Description string
	Params      map[string]string

	EstimatedValue float64
	Reversible     bool
	Urgency        Urgency
	Dependencies   []string
	LinesChanged   int
	FilesChanged   int
	Timestamp      time.Time
}

// Checkpoint is the pre-execution snapshot handed to rollback handlers.
type Checkpoint struct {
	ID         uuid.UUID
	ActionID   uuid.UUID
	DecisionID uuid.UUID
	ActionType string
	Category   Category
	Params     map[string]string
	CreatedAt  time.Time
}

// Event is one governance lifecycle notification.
// Kind is one of: action_received, decision_made, approval_queued,
// approval_resolved, executed, execution_failed, rolled_back,
// boundary_violation, escalated.
type Event struct {
	Kind       string
	Time       time.Time
	ActionID   uuid.UUID
	DecisionID uuid.UUID
	Data       map[string]string
}
