package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an approval request.
// Transitions out of pending are one-way and terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether s is a final state.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalRequest wraps a queued or escalated Decision awaiting human review.
// ExpiresAt is fixed at creation and never changes.
type ApprovalRequest struct {
	ID                uuid.UUID      `json:"id"`
	Decision          Decision       `json:"decision"`
	Priority          float64        `json:"priority"`
	Urgency           Urgency        `json:"urgency"`
	Escalated         bool           `json:"escalated"`
	ExpiresAt         time.Time      `json:"expires_at"`
	NotificationsSent []string       `json:"notifications_sent,omitempty"`
	Status            ApprovalStatus `json:"status"`
	ReviewedBy        string         `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time     `json:"reviewed_at,omitempty"`
	Feedback          string         `json:"feedback,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// BatchItemResult is the per-request outcome of a batch approve/reject.
type BatchItemResult string

const (
	BatchSucceeded       BatchItemResult = "succeeded"
	BatchSkipped         BatchItemResult = "skipped"
	BatchAlreadyTerminal BatchItemResult = "already_terminal"
)

// BatchFilter selects approval requests for a batch operation.
// Nil fields match everything.
type BatchFilter struct {
	Category     *Category `json:"category,omitempty"`
	MinRiskScore *float64  `json:"min_risk_score,omitempty"`
	MaxRiskScore *float64  `json:"max_risk_score,omitempty"`
	Urgency      *Urgency  `json:"urgency,omitempty"`
}

// Matches reports whether the request satisfies every set filter field.
func (f BatchFilter) Matches(r ApprovalRequest) bool {
	if f.Category != nil && r.Decision.Action.Category != *f.Category {
		return false
	}
	if f.MinRiskScore != nil && r.Decision.Assessment.Score < *f.MinRiskScore {
		return false
	}
	if f.MaxRiskScore != nil && r.Decision.Assessment.Score > *f.MaxRiskScore {
		return false
	}
	if f.Urgency != nil && r.Urgency != *f.Urgency {
		return false
	}
	return true
}

// BatchSummary reports the outcome of a batch operation per request id.
type BatchSummary struct {
	Results map[uuid.UUID]BatchItemResult `json:"results"`
	Matched int                           `json:"matched"`
}
