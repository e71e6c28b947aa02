package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vetohq/veto/internal/auth"
	"github.com/vetohq/veto/internal/engine"
	"github.com/vetohq/veto/internal/executor"
	"github.com/vetohq/veto/internal/model"
	"github.com/vetohq/veto/internal/queue"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	archive             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker.
type HandlersDeps struct {
	Engine              *engine.Engine
	JWTMgr              *auth.JWTManager
	Keyring             *auth.Keyring
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	Archive             string // "postgres", "sqlite", or empty
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		jwtMgr:              d.JWTMgr,
		keyring:             d.Keyring,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		archive:             d.Archive,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	role, ok := h.keyring.Resolve(req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.Subject, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubmitAction handles POST /v1/actions. The action runs through the
// full pipeline synchronously; the response carries the decision, the risk
// assessment, and the execution result or queued approval request.
func (h *Handlers) HandleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	sub, err := h.engine.Submit(r.Context(), req.Action(time.Now().UTC()))
	if err != nil {
		if sub == nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		// The decision stands; only the immediate execution was refused.
		switch {
		case errors.Is(err, executor.ErrRateLimited), errors.Is(err, executor.ErrInCooldown):
			w.Header().Set("Retry-After", "60")
			writeErrorDetails(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, err.Error(), sub)
		case errors.Is(err, executor.ErrConcurrencyLimited), errors.Is(err, executor.ErrAlreadyExecuting):
			writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error(), sub)
		case errors.Is(err, queue.ErrQueueFull):
			writeErrorDetails(w, r, http.StatusServiceUnavailable, model.ErrCodeConflict, err.Error(), sub)
		default:
			h.writeInternalError(w, r, "submission failed", err)
		}
		return
	}

	status := http.StatusOK
	if sub.Request != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, sub)
}

// HandleGetDecision handles GET /v1/actions/{action_id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDPath(w, r, "action_id")
	if !ok {
		return
	}
	d := h.engine.Decision(id)
	if d == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no decision for action")
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleRollback handles POST /v1/actions/{action_id}/rollback.
func (h *Handlers) HandleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDPath(w, r, "action_id")
	if !ok {
		return
	}
	// Body is optional; the reason is informational only.
	var req model.RollbackRequest
	_ = decodeJSON(w, r, &req, h.maxRequestBodyBytes)

	if err := h.engine.RollbackAction(r.Context(), id); err != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "rolled_back"})
}

// HandlePendingApprovals handles GET /v1/approvals.
func (h *Handlers) HandlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending := h.engine.Pending()
	writeJSON(w, r, http.StatusOK, model.ListResponse{
		Data:  pending,
		Total: len(pending),
		Limit: len(pending),
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// HandleGetApproval handles GET /v1/approvals/{request_id}.
func (h *Handlers) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDPath(w, r, "request_id")
	if !ok {
		return
	}
	req := h.engine.Request(id)
	if req == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval request not found")
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// approvalOutcome is the response body for approve/reject endpoints.
type approvalOutcome struct {
	Request *model.ApprovalRequest `json:"request"`
	Result  *model.ExecutionResult `json:"result,omitempty"`
}

// HandleApprove handles POST /v1/approvals/{request_id}/approve.
// Approval triggers execution immediately; an execution failure is still a
// successful approval, reported in the result. When the executor refuses
// admission outright the approval stands with no result, and the execute
// endpoint retries it later.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDPath(w, r, "request_id")
	if !ok {
		return
	}
	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ReviewedBy == "" {
		req.ReviewedBy = reviewerFromClaims(r)
	}

	approved, result, err := h.engine.Approve(r.Context(), id, req.ReviewedBy, req.Feedback)
	if approved == nil && err == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval request not found or already resolved")
		return
	}
	if err != nil {
		h.logger.Warn("approved action did not execute", "request_id", id, "error", err)
	}
	writeJSON(w, r, http.StatusOK, approvalOutcome{Request: approved, Result: result})
}

// HandleExecuteApproved handles POST /v1/approvals/{request_id}/execute,
// retrying execution for an approved request the executor refused earlier.
func (h *Handlers) HandleExecuteApproved(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDPath(w, r, "request_id")
	if !ok {
		return
	}

	result, err := h.engine.ExecuteApproved(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyExecuted):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		case errors.Is(err, executor.ErrRateLimited), errors.Is(err, executor.ErrInCooldown):
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, err.Error())
		case errors.Is(err, executor.ErrConcurrencyLimited), errors.Is(err, executor.ErrAlreadyExecuting):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.writeInternalError(w, r, "execution retry failed", err)
		}
		return
	}
	if result == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no approved unexecuted request")
		return
	}
	writeJSON(w, r, http.StatusOK, approvalOutcome{Request: h.engine.Request(id), Result: result})
}

// HandleRejectApproval handles POST /v1/approvals/{request_id}/reject.
func (h *Handlers) HandleRejectApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDPath(w, r, "request_id")
	if !ok {
		return
	}
	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ReviewedBy == "" {
		req.ReviewedBy = reviewerFromClaims(r)
	}
	if req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required")
		return
	}

	rejected := h.engine.Reject(r.Context(), id, req.ReviewedBy, req.Reason)
	if rejected == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "approval request not found or already resolved")
		return
	}
	writeJSON(w, r, http.StatusOK, approvalOutcome{Request: rejected})
}

// HandleBatchReview handles POST /v1/approvals/batch.
func (h *Handlers) HandleBatchReview(w http.ResponseWriter, r *http.Request) {
	var req model.BatchReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ReviewedBy == "" {
		req.ReviewedBy = reviewerFromClaims(r)
	}

	if req.Approve {
		outcome := h.engine.ApproveBatch(r.Context(), req.Filter, req.ReviewedBy, req.Feedback)
		writeJSON(w, r, http.StatusOK, outcome)
		return
	}
	summary := h.engine.RejectBatch(r.Context(), req.Filter, req.ReviewedBy, req.Feedback)
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleGetBoundaries handles GET /v1/boundaries.
func (h *Handlers) HandleGetBoundaries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.Boundaries())
}

// HandlePatchBoundaries handles PATCH /v1/boundaries.
func (h *Handlers) HandlePatchBoundaries(w http.ResponseWriter, r *http.Request) {
	var patch model.BoundariesPatch
	if err := decodeJSON(w, r, &patch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	updated, err := h.engine.UpdateBoundaries(patch)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleUsage handles GET /v1/usage.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.UsageToday())
}

// HandleQueueStats handles GET /v1/queue/stats.
func (h *Handlers) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.QueueStats())
}

// HandleExecutorStats handles GET /v1/executor/stats.
func (h *Handlers) HandleExecutorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.ExecutorStats())
}

// HandleGetAutonomy handles GET /v1/autonomy.
func (h *Handlers) HandleGetAutonomy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]int{"level": int(h.engine.Autonomy())})
}

// HandleSetAutonomy handles PUT /v1/autonomy.
func (h *Handlers) HandleSetAutonomy(w http.ResponseWriter, r *http.Request) {
	var req model.SetAutonomyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.engine.SetAutonomy(model.AutonomyLevel(req.Level)); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"level": req.Level})
}

// HandleAuditRecent handles GET /v1/audit. The optional "limit" query
// parameter caps the number of entries (default 100).
func (h *Handlers) HandleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries := h.engine.AuditRecent(limit)
	writeJSON(w, r, http.StatusOK, model.ListResponse{
		Data:  entries,
		Total: len(entries),
		Limit: limit,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// HandleAuditVerify handles GET /v1/audit/verify.
func (h *Handlers) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Status()
	n, err := h.engine.VerifyAudit(r.Context())
	resp := model.VerifyResponse{
		Valid:   err == nil,
		Entries: n,
		Head:    status.AuditHead,
		Checked: time.Now().UTC(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.engine.Status())
}

// HandleSubscribe handles GET /v1/events as a Server-Sent Events stream.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Status()
	sse := ""
	if h.broker != nil {
		sse = "ok"
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Archive:   h.archive,
		Pending:   status.Queue.Pending,
		SSEBroker: sse,
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeInternalError logs the error with its request ID and returns a
// sanitized 500 to the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// parseUUIDPath extracts and parses a UUID path value, writing a 400 on
// failure.
func parseUUIDPath(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// reviewerFromClaims falls back to the token subject when the body omits a
// reviewer name.
func reviewerFromClaims(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return "operator"
}
