package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Limit int          `json:"limit"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeRejected      = "REJECTED"
)

// SubmitActionRequest is the request body for POST /v1/actions.
// The ID is optional; one is assigned when the producer omits it.
type SubmitActionRequest struct {
	ID          uuid.UUID         `json:"id,omitzero"`
	Engine      string            `json:"engine"`
	Category    Category          `json:"category"`
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Metadata    ActionMetadata    `json:"metadata"`
}

// ReviewRequest is the request body for approving or rejecting a single
// queued action. Feedback is optional commentary on an approval; Reason is
// the mandatory explanation for a rejection.
type ReviewRequest struct {
	ReviewedBy string `json:"reviewed_by"`
	Feedback   string `json:"feedback,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BatchReviewRequest is the request body for POST /v1/approvals/batch.
type BatchReviewRequest struct {
	Approve    bool        `json:"approve"`
	Filter     BatchFilter `json:"filter"`
	ReviewedBy string      `json:"reviewed_by"`
	Feedback   string      `json:"feedback,omitempty"`
}

// SetAutonomyRequest is the request body for PUT /v1/autonomy.
type SetAutonomyRequest struct {
	Level int `json:"level"`
}

// RollbackRequest is the request body for POST /v1/actions/{id}/rollback.
type RollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Subject string `json:"subject"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyResponse is the response for GET /v1/audit/verify.
type VerifyResponse struct {
	Valid   bool      `json:"valid"`
	Entries int       `json:"entries"`
	Head    string    `json:"head"`
	Checked time.Time `json:"checked_at"`
	Error   string    `json:"error,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Archive   string `json:"archive,omitempty"` // "postgres", "sqlite", or empty
	Pending   int    `json:"pending_approvals"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}

// Action converts the request body into an Action, assigning an ID when the
// producer did not supply one.
func (r SubmitActionRequest) Action(now time.Time) Action {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return Action{
		ID:          id,
		Engine:      r.Engine,
		Category:    r.Category,
		Type:        r.Type,
		Description: r.Description,
		Params:      r.Params,
		Metadata:    r.Metadata,
		Timestamp:   now,
	}
}
