package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType enumerates the lifecycle events recorded in the audit chain.
type AuditEventType string

const (
	AuditActionReceived    AuditEventType = "action_received"
	AuditRiskAssessed      AuditEventType = "risk_assessed"
	AuditDecisionMade      AuditEventType = "decision_made"
	AuditQueuedApproval    AuditEventType = "queued_approval"
	AuditApproved          AuditEventType = "approved"
	AuditRejected          AuditEventType = "rejected"
	AuditExecuted          AuditEventType = "executed"
	AuditExecutionFailed   AuditEventType = "execution_failed"
	AuditRolledBack        AuditEventType = "rolled_back"
	AuditBoundaryViolation AuditEventType = "boundary_violation"
	AuditEscalated         AuditEventType = "escalated"
)

// AuditEntry is one hash-chained record of a lifecycle event.
// PreviousHash is the hash of the immediately preceding entry, or the
// genesis constant for the first entry. Append-only.
type AuditEntry struct {
	ID           uuid.UUID         `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Type         AuditEventType    `json:"type"`
	ActionID     uuid.UUID         `json:"action_id"`
	DecisionID   *uuid.UUID        `json:"decision_id,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Hash         string            `json:"hash"`
	PreviousHash string            `json:"previous_hash"`
}
