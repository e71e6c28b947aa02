// Package engine wires the governance pipeline: every submitted action is
// classified, boundary-checked, and routed, and the outcome fans out to the
// executor, the approval queue, or an immediate rejection. Every transition
// is appended to the audit chain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetohq/veto/internal/audit"
	"github.com/vetohq/veto/internal/boundary"
	"github.com/vetohq/veto/internal/executor"
	"github.com/vetohq/veto/internal/model"
	"github.com/vetohq/veto/internal/notify"
	"github.com/vetohq/veto/internal/queue"
	"github.com/vetohq/veto/internal/risk"
	"github.com/vetohq/veto/internal/rollback"
	"github.com/vetohq/veto/internal/route"
	"github.com/vetohq/veto/internal/telemetry"
)

// DefaultDecisionWindow bounds the in-memory decision index.
const DefaultDecisionWindow = 1000

// ErrAlreadyExecuted is returned by ExecuteApproved when the approved
// decision already has a recorded execution attempt.
var ErrAlreadyExecuted = errors.New("engine: decision already executed")

// Engine is the single mediation authority for one deployment. Safe for
// concurrent use; audit writes serialize inside the audit logger.
type Engine struct {
	logger     *slog.Logger
	classifier *risk.Classifier
	checker    *boundary.Checker
	router     *route.Router
	queue      *queue.Queue
	exec       *executor.Executor
	rollback   *rollback.Manager
	auditLog   *audit.Logger
	bus        *notify.Bus
	clock      func() time.Time

	mu        sync.RWMutex
	autonomy  model.AutonomyLevel
	highValue float64
	decisions map[uuid.UUID]*model.Decision
	order     []uuid.UUID
	window    int
}

// Config bundles Engine construction. Classifier, Checker, Router, Queue,
// Executor, Rollback, and Audit are required; Bus may be nil.
type Config struct {
	Classifier         *risk.Classifier
	Checker            *boundary.Checker
	Router             *route.Router
	Queue              *queue.Queue
	Executor           *executor.Executor
	Rollback           *rollback.Manager
	Audit              *audit.Logger
	Bus                *notify.Bus
	Autonomy           model.AutonomyLevel
	HighValueThreshold float64
	DecisionWindow     int
	Clock              func() time.Time
	Logger             *slog.Logger
}

// New assembles an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Classifier == nil:
		return nil, fmt.Errorf("engine: classifier is required")
	case cfg.Checker == nil:
		return nil, fmt.Errorf("engine: boundary checker is required")
	case cfg.Router == nil:
		return nil, fmt.Errorf("engine: router is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("engine: approval queue is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("engine: executor is required")
	case cfg.Rollback == nil:
		return nil, fmt.Errorf("engine: rollback manager is required")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("engine: audit logger is required")
	}
	if cfg.Autonomy == 0 {
		cfg.Autonomy = 2
	}
	if !cfg.Autonomy.Valid() {
		return nil, fmt.Errorf("engine: invalid autonomy level %d", cfg.Autonomy)
	}
	if cfg.HighValueThreshold <= 0 {
		cfg.HighValueThreshold = route.DefaultHighValueThreshold
	}
	if cfg.DecisionWindow <= 0 {
		cfg.DecisionWindow = DefaultDecisionWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		logger:     cfg.Logger,
		classifier: cfg.Classifier,
		checker:    cfg.Checker,
		router:     cfg.Router,
		queue:      cfg.Queue,
		exec:       cfg.Executor,
		rollback:   cfg.Rollback,
		auditLog:   cfg.Audit,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
		autonomy:   cfg.Autonomy,
		highValue:  cfg.HighValueThreshold,
		decisions:  make(map[uuid.UUID]*model.Decision),
		window:     cfg.DecisionWindow,
	}, nil
}

// Submission is the outcome of a Submit call. Request is set for queued and
// escalated outcomes; Result for completed auto-execute attempts.
type Submission struct {
	Decision   model.Decision         `json:"decision"`
	Assessment model.RiskAssessment   `json:"assessment"`
	Boundary   boundary.Result        `json:"boundary"`
	Request    *model.ApprovalRequest `json:"request,omitempty"`
	Result     *model.ExecutionResult `json:"result,omitempty"`
}

var tracer = telemetry.Tracer("veto/engine")

// Submit runs one action through the full pipeline. For auto-execute
// outcomes the executor is invoked immediately; a typed executor rejection
// (rate limit, concurrency, cooldown) is returned alongside the decision so
// the producer can retry later.
func (e *Engine) Submit(ctx context.Context, a model.Action) (*Submission, error) {
	var sub *Submission
	err := telemetry.WithSpan(ctx, tracer, "engine.submit", func(ctx context.Context) error {
		var err error
		sub, err = e.submit(ctx, a)
		return err
	})
	return sub, err
}

func (e *Engine) submit(ctx context.Context, a model.Action) (*Submission, error) {
	if err := model.ValidateAction(a); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.audit(ctx, model.AuditActionReceived, a.ID, nil, map[string]string{
		"engine":   a.Engine,
		"category": string(a.Category),
		"type":     a.Type,
	})
	e.publish(notify.Event{Kind: notify.KindActionReceived, ActionID: a.ID,
		Data: map[string]string{"type": a.Type}})

	assessment := e.classifier.Classify(a)
	e.audit(ctx, model.AuditRiskAssessed, a.ID, nil, map[string]string{
		"score":          formatScore(assessment.Score),
		"level":          string(assessment.Level),
		"recommendation": string(assessment.Recommendation),
	})

	bres := e.checker.Check(a)
	if bres.Violated {
		e.audit(ctx, model.AuditBoundaryViolation, a.ID, nil, map[string]string{
			"violations": strings.Join(bres.Violations, "; "),
		})
		e.publish(notify.Event{Kind: notify.KindBoundaryViolation, ActionID: a.ID,
			Data: map[string]string{"violations": strings.Join(bres.Violations, "; ")}})
	}

	e.mu.RLock()
	autonomy, highValue := e.autonomy, e.highValue
	e.mu.RUnlock()

	decision, err := e.router.Route(route.Input{
		Action:             a,
		Assessment:         assessment,
		Autonomy:           autonomy,
		ForceApproval:      e.classifier.AlwaysRequiresApproval(a.Category),
		Dangerous:          risk.IsDangerous(a.Type),
		BoundaryViolated:   bres.Violated,
		HighValueThreshold: highValue,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.remember(&decision)
	e.audit(ctx, model.AuditDecisionMade, a.ID, &decision.ID, map[string]string{
		"outcome": string(decision.Outcome),
		"reason":  decision.Reason,
		"score":   formatScore(assessment.Score),
	})
	e.publish(notify.Event{Kind: notify.KindDecisionMade, ActionID: a.ID,
		DecisionID: decision.ID,
		Data:       map[string]string{"outcome": string(decision.Outcome), "reason": decision.Reason}})

	sub := &Submission{Decision: decision, Assessment: assessment, Boundary: bres}

	switch decision.Outcome {
	case model.OutcomeAutoExecute:
		result, execErr := e.executeDecision(ctx, &decision)
		if execErr != nil {
			e.logger.Warn("engine: auto-execution rejected",
				"action_id", a.ID, "error", execErr)
			sub.Decision = decision
			return sub, fmt.Errorf("engine: %w", execErr)
		}
		sub.Decision = decision
		sub.Result = &result

	case model.OutcomeQueueApproval, model.OutcomeEscalate:
		req, qerr := e.queue.Enqueue(decision)
		if qerr != nil {
			e.logger.Error("engine: enqueue failed", "action_id", a.ID, "error", qerr)
			return sub, fmt.Errorf("engine: %w", qerr)
		}
		e.audit(ctx, model.AuditQueuedApproval, a.ID, &decision.ID, map[string]string{
			"request_id": req.ID.String(),
			"urgency":    string(req.Urgency),
		})
		if decision.Outcome == model.OutcomeEscalate {
			e.audit(ctx, model.AuditEscalated, a.ID, &decision.ID, map[string]string{
				"reason": decision.Reason,
			})
		}
		sub.Request = req

	case model.OutcomeReject:
		e.audit(ctx, model.AuditRejected, a.ID, &decision.ID, map[string]string{
			"reason": decision.Reason,
		})
	}

	return sub, nil
}

// Preview runs the classification, boundary, and routing stages without
// executing, queueing, auditing, or counting anything. Producers use it to
// ask "what would happen" before committing an action.
func (e *Engine) Preview(a model.Action) (*Submission, error) {
	if err := model.ValidateAction(a); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	assessment := e.classifier.Classify(a)
	bres := e.checker.Check(a)

	e.mu.RLock()
	autonomy, highValue := e.autonomy, e.highValue
	e.mu.RUnlock()

	decision, err := e.router.Route(route.Input{
		Action:             a,
		Assessment:         assessment,
		Autonomy:           autonomy,
		ForceApproval:      e.classifier.AlwaysRequiresApproval(a.Category),
		Dangerous:          risk.IsDangerous(a.Type),
		BoundaryViolated:   bres.Violated,
		HighValueThreshold: highValue,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &Submission{Decision: decision, Assessment: assessment, Boundary: bres}, nil
}

// Approve resolves a pending approval request and immediately executes the
// approved decision. A fast-fail executor rejection (rate limit,
// concurrency cap, cooldown) leaves the request approved with no recorded
// attempt; ExecuteApproved retries the execution once the pressure clears.
// Returns (nil, nil, nil) for a missing or already terminal request id.
func (e *Engine) Approve(ctx context.Context, requestID uuid.UUID, approvedBy, feedback string) (*model.ApprovalRequest, *model.ExecutionResult, error) {
	req := e.queue.Approve(requestID, approvedBy, feedback)
	if req == nil {
		return nil, nil, nil
	}

	e.audit(ctx, model.AuditApproved, req.Decision.ActionID, &req.Decision.ID, map[string]string{
		"request_id":  req.ID.String(),
		"approved_by": approvedBy,
	})

	d := req.Decision
	d.Outcome = model.OutcomeAutoExecute
	result, err := e.executeDecision(ctx, &d)
	e.remember(&d)
	if err != nil {
		return req, nil, fmt.Errorf("engine: %w", err)
	}
	return req, &result, nil
}

// ExecuteApproved retries execution for an approved request whose decision
// has no recorded attempt, the recovery path for approvals granted while
// the executor was refusing admission. Returns (nil, nil) for a missing or
// non-approved request and ErrAlreadyExecuted once an attempt exists.
func (e *Engine) ExecuteApproved(ctx context.Context, requestID uuid.UUID) (*model.ExecutionResult, error) {
	req := e.queue.Get(requestID)
	if req == nil || req.Status != model.ApprovalApproved {
		return nil, nil
	}
	if prev := e.Decision(req.Decision.ActionID); prev != nil && prev.ExecutedAt != nil {
		return nil, ErrAlreadyExecuted
	}

	d := req.Decision
	d.Outcome = model.OutcomeAutoExecute
	result, err := e.executeDecision(ctx, &d)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.remember(&d)
	return &result, nil
}

// Reject resolves a pending approval request with a rejection. Returns nil
// for a missing or already terminal request id.
func (e *Engine) Reject(ctx context.Context, requestID uuid.UUID, rejectedBy, reason string) *model.ApprovalRequest {
	req := e.queue.Reject(requestID, rejectedBy, reason)
	if req == nil {
		return nil
	}
	e.audit(ctx, model.AuditRejected, req.Decision.ActionID, &req.Decision.ID, map[string]string{
		"request_id":  req.ID.String(),
		"rejected_by": rejectedBy,
		"reason":      reason,
	})
	return req
}

// BatchOutcome pairs the queue-side summary of a batch approval with the
// execution results of the decisions it released.
type BatchOutcome struct {
	Summary model.BatchSummary     `json:"summary"`
	Results []model.ExecutionResult `json:"results,omitempty"`
}

// ApproveBatch approves every pending request matching the filter and
// executes the released decisions sequentially. Executor rejections for
// individual decisions are logged, not fatal; ExecuteApproved picks those
// requests up later.
func (e *Engine) ApproveBatch(ctx context.Context, f model.BatchFilter, approvedBy, feedback string) BatchOutcome {
	summary := e.queue.ApproveBatch(f, approvedBy, feedback)

	out := BatchOutcome{Summary: summary}
	for id, itemResult := range summary.Results {
		if itemResult != model.BatchSucceeded {
			continue
		}
		req := e.queue.Get(id)
		if req == nil {
			continue
		}
		e.audit(ctx, model.AuditApproved, req.Decision.ActionID, &req.Decision.ID, map[string]string{
			"request_id":  req.ID.String(),
			"approved_by": approvedBy,
			"batch":       "true",
		})

		d := req.Decision
		d.Outcome = model.OutcomeAutoExecute
		result, err := e.executeDecision(ctx, &d)
		e.remember(&d)
		if err != nil {
			e.logger.Warn("engine: batch execution rejected",
				"request_id", id, "error", err)
			continue
		}
		out.Results = append(out.Results, result)
	}
	return out
}

// RejectBatch rejects every pending request matching the filter.
func (e *Engine) RejectBatch(ctx context.Context, f model.BatchFilter, rejectedBy, reason string) model.BatchSummary {
	summary := e.queue.RejectBatch(f, rejectedBy, reason)
	for id, itemResult := range summary.Results {
		if itemResult != model.BatchSucceeded {
			continue
		}
		req := e.queue.Get(id)
		if req == nil {
			continue
		}
		e.audit(ctx, model.AuditRejected, req.Decision.ActionID, &req.Decision.ID, map[string]string{
			"request_id":  id.String(),
			"rejected_by": rejectedBy,
			"reason":      reason,
			"batch":       "true",
		})
	}
	return summary
}

// executeDecision runs the executor and records the attempt in the audit
// chain, the usage ledger, and the event bus. Typed executor rejections
// pass through unchanged; attempts always return a result and nil error.
func (e *Engine) executeDecision(ctx context.Context, d *model.Decision) (model.ExecutionResult, error) {
	result, err := e.exec.Execute(ctx, d)
	if err != nil {
		return model.ExecutionResult{}, err
	}

	if result.Success {
		e.checker.RecordExecution(d.Action)
		e.audit(ctx, model.AuditExecuted, d.ActionID, &d.ID, map[string]string{
			"duration": result.Duration.String(),
			"output":   result.Output,
		})
		e.publish(notify.Event{Kind: notify.KindExecuted, ActionID: d.ActionID,
			DecisionID: d.ID, Result: &result})
		return result, nil
	}

	e.audit(ctx, model.AuditExecutionFailed, d.ActionID, &d.ID, map[string]string{
		"error": result.Error,
	})
	e.publish(notify.Event{Kind: notify.KindExecutionFailed, ActionID: d.ActionID,
		DecisionID: d.ID, Result: &result})

	if result.RolledBack {
		e.audit(ctx, model.AuditRolledBack, d.ActionID, &d.ID, nil)
		e.publish(notify.Event{Kind: notify.KindRolledBack, ActionID: d.ActionID,
			DecisionID: d.ID, Result: &result})
	}
	return result, nil
}

// RollbackAction rolls back the most recent checkpoint for an executed
// action and records the compensation in the audit chain.
func (e *Engine) RollbackAction(ctx context.Context, actionID uuid.UUID) error {
	if err := e.rollback.RollbackByActionID(ctx, actionID); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	var decisionID *uuid.UUID
	if d := e.Decision(actionID); d != nil {
		decisionID = &d.ID
	}
	e.audit(ctx, model.AuditRolledBack, actionID, decisionID, map[string]string{
		"trigger": "manual",
	})
	e.publish(notify.Event{Kind: notify.KindRolledBack, ActionID: actionID})
	return nil
}

// Decision returns the stored decision for an action id, or nil. Only the
// most recent window of decisions is indexed.
func (e *Engine) Decision(actionID uuid.UUID) *model.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.decisions[actionID]
	if !ok {
		return nil
	}
	out := *d
	return &out
}

// Request returns a queued approval request by id, or nil.
func (e *Engine) Request(id uuid.UUID) *model.ApprovalRequest { return e.queue.Get(id) }

// Pending returns pending approval requests ordered by priority.
func (e *Engine) Pending() []model.ApprovalRequest { return e.queue.Pending() }

// Autonomy returns the current autonomy level.
func (e *Engine) Autonomy() model.AutonomyLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autonomy
}

// SetAutonomy changes the autonomy level for all future routing.
func (e *Engine) SetAutonomy(level model.AutonomyLevel) error {
	if !level.Valid() {
		return fmt.Errorf("engine: invalid autonomy level %d", level)
	}
	e.mu.Lock()
	prev := e.autonomy
	e.autonomy = level
	e.mu.Unlock()
	e.logger.Info("engine: autonomy level changed", "from", prev, "to", level)
	return nil
}

// Boundaries returns the active boundary configuration.
func (e *Engine) Boundaries() model.Boundaries { return e.checker.Boundaries() }

// UpdateBoundaries applies a validated partial update to the boundaries.
func (e *Engine) UpdateBoundaries(p model.BoundariesPatch) (model.Boundaries, error) {
	b, err := e.checker.Update(p)
	if err != nil {
		return b, fmt.Errorf("engine: %w", err)
	}
	e.logger.Info("engine: boundaries updated")
	return b, nil
}

// UsageToday returns the day-scoped usage counters.
func (e *Engine) UsageToday() boundary.Usage { return e.checker.UsageToday() }

// QueueStats returns approval queue aggregates.
func (e *Engine) QueueStats() queue.Stats { return e.queue.Stats() }

// ExecutorStats returns executor aggregates.
func (e *Engine) ExecutorStats() executor.Stats { return e.exec.Stats() }

// AuditRecent returns the newest audit entries, oldest first.
func (e *Engine) AuditRecent(limit int) []model.AuditEntry { return e.auditLog.Recent(limit) }

// VerifyAudit recomputes the audit hash chain and returns the number of
// entries verified.
func (e *Engine) VerifyAudit(ctx context.Context) (int, error) {
	return e.auditLog.Verify(ctx)
}

// Status is the aggregate health snapshot for dashboards.
type Status struct {
	Autonomy    model.AutonomyLevel `json:"autonomy"`
	Queue       queue.Stats         `json:"queue"`
	Executor    executor.Stats      `json:"executor"`
	Usage       boundary.Usage      `json:"usage"`
	AuditLen    int                 `json:"audit_len"`
	AuditHead   string              `json:"audit_head"`
	Checkpoints int                 `json:"checkpoints"`
}

// Status returns the aggregate snapshot.
func (e *Engine) Status() Status {
	return Status{
		Autonomy:    e.Autonomy(),
		Queue:       e.queue.Stats(),
		Executor:    e.exec.Stats(),
		Usage:       e.checker.UsageToday(),
		AuditLen:    e.auditLog.Len(),
		AuditHead:   e.auditLog.Head(),
		Checkpoints: e.rollback.Len(),
	}
}

// remember indexes a decision by action id, evicting the oldest past the
// window.
func (e *Engine) remember(d *model.Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.decisions[d.ActionID]; !ok {
		e.order = append(e.order, d.ActionID)
	}
	cp := *d
	e.decisions[d.ActionID] = &cp

	for len(e.order) > e.window {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.decisions, oldest)
	}
}

// audit appends an entry, logging instead of failing the pipeline when the
// archive write errors.
func (e *Engine) audit(ctx context.Context, t model.AuditEventType, actionID uuid.UUID, decisionID *uuid.UUID, data map[string]string) {
	if _, err := e.auditLog.Append(ctx, t, actionID, decisionID, data); err != nil {
		e.logger.Error("engine: audit append failed", "type", t, "action_id", actionID, "error", err)
	}
}

func (e *Engine) publish(ev notify.Event) {
	if e.bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.clock().UTC()
	}
	e.bus.Publish(ev)
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', 2, 64)
}
