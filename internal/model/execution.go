package model

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionResult records one execution attempt. Created once per attempt,
// success or failure.
type ExecutionResult struct {
	ActionID   uuid.UUID     `json:"action_id"`
	DecisionID uuid.UUID     `json:"decision_id"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration"`
	RolledBack bool          `json:"rolled_back"`
}

// CheckpointState is the snapshot captured before executing a reversible
// action. Rollback handlers receive it unchanged.
type CheckpointState struct {
	ActionType string            `json:"action_type"`
	Category   Category          `json:"category"`
	Params     map[string]string `json:"params,omitempty"`
}

// Checkpoint is a pre-execution snapshot enabling compensating rollback.
// Created only for reversible actions; deleted on successful rollback or
// evicted by TTL/capacity.
type Checkpoint struct {
	ID         uuid.UUID       `json:"id"`
	ActionID   uuid.UUID       `json:"action_id"`
	DecisionID uuid.UUID       `json:"decision_id"`
	State      CheckpointState `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
}
