// Package executor runs approved actions through registered handlers,
// enforcing the global rate limit, the concurrency cap, and per-type
// failure cooldowns.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/vetohq/veto/internal/model"
	"github.com/vetohq/veto/internal/rollback"
	"github.com/vetohq/veto/internal/telemetry"
)

// Defaults for execution limits.
const (
	DefaultMaxConcurrent = 5
	DefaultHourlyCap     = 100
	DefaultCooldown      = 60 * time.Second
)

// Typed fast-fail rejections. None of these makes an execution attempt:
// no checkpoint is created and no ExecutionResult is produced.
var (
	ErrNotApproved        = errors.New("executor: decision outcome is not auto_execute")
	ErrRateLimited        = errors.New("executor: global rate limit exceeded")
	ErrConcurrencyLimited = errors.New("executor: concurrency cap reached")
	ErrInCooldown         = errors.New("executor: action type is in post-failure cooldown")
	ErrAlreadyExecuting   = errors.New("executor: action is already executing")
)

// Handler performs one action and returns its output. Registered per
// action type; an error marks the attempt failed.
type Handler func(ctx context.Context, a model.Action) (string, error)

// Hooks receive attempt outcomes. The engine wires audit, usage counters,
// and event publication through them; each is optional.
type Hooks struct {
	OnSuccess func(ctx context.Context, d *model.Decision, r model.ExecutionResult)
	OnFailure func(ctx context.Context, d *model.Decision, r model.ExecutionResult)
	OnRollback func(ctx context.Context, d *model.Decision, err error)
}

// Executor dispatches decisions to handlers. Safe for concurrent use;
// a second Execute call for an action id already in flight is rejected,
// never queued.
type Executor struct {
	logger       *slog.Logger
	rollback     *rollback.Manager
	hooks        Hooks
	clock        func() time.Time
	maxInFlight  int
	minInterval  time.Duration
	cooldown     time.Duration
	autoRollback bool

	mu            sync.Mutex
	handlers      map[string]Handler
	inFlight      map[uuid.UUID]struct{}
	lastExecution time.Time
	lastFailure   map[string]time.Time // action type -> failure time
	executions    int64
	failures      int64

	execCounter metric.Int64Counter
	failCounter metric.Int64Counter
}

// Config bundles Executor construction parameters. Zero values use the
// package defaults. AutoRollback defaults to enabled; set DisableAutoRollback
// to opt out.
type Config struct {
	Rollback            *rollback.Manager
	Hooks               Hooks
	MaxConcurrent       int
	HourlyCap           int
	Cooldown            time.Duration
	DisableAutoRollback bool
	Clock               func() time.Time
	Logger              *slog.Logger
}

// New creates an Executor with no registered handlers.
func New(cfg Config) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.HourlyCap <= 0 {
		cfg.HourlyCap = DefaultHourlyCap
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	meter := telemetry.Meter("veto/executor")
	execCounter, _ := meter.Int64Counter("veto.executions",
		metric.WithDescription("Completed execution attempts"))
	failCounter, _ := meter.Int64Counter("veto.execution_failures",
		metric.WithDescription("Failed execution attempts"))

	return &Executor{
		logger:       cfg.Logger,
		rollback:     cfg.Rollback,
		hooks:        cfg.Hooks,
		clock:        cfg.Clock,
		maxInFlight:  cfg.MaxConcurrent,
		minInterval:  time.Hour / time.Duration(cfg.HourlyCap),
		cooldown:     cfg.Cooldown,
		autoRollback: !cfg.DisableAutoRollback,
		handlers:     make(map[string]Handler),
		inFlight:     make(map[uuid.UUID]struct{}),
		lastFailure:  make(map[string]time.Time),
		execCounter:  execCounter,
		failCounter:  failCounter,
	}
}

// RegisterHandler installs the execution handler for an action type.
func (e *Executor) RegisterHandler(actionType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[actionType] = h
}

// Execute runs one approved decision. It either begins immediately or
// fails fast with a typed rejection — it never queues internally. Once an
// attempt begins, exactly one ExecutionResult is returned and the error is
// nil, whatever the handler does: handler failures are converted into a
// failed result, with best-effort automatic rollback for reversible
// actions. A rollback failure is logged and never masks the original
// handler error carried in the result.
func (e *Executor) Execute(ctx context.Context, d *model.Decision) (model.ExecutionResult, error) {
	if d == nil {
		return model.ExecutionResult{}, fmt.Errorf("executor: nil decision")
	}
	if err := e.admit(d); err != nil {
		return model.ExecutionResult{}, err
	}
	defer e.release(d.ActionID)

	return e.attempt(ctx, d), nil
}

// admit performs every fast-fail check and claims the in-flight slot
// atomically, so two concurrent calls for the same action cannot both pass.
func (e *Executor) admit(d *model.Decision) error {
	if d.Outcome != model.OutcomeAutoExecute {
		return ErrNotApproved
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	if !e.lastExecution.IsZero() && now.Sub(e.lastExecution) < e.minInterval {
		return ErrRateLimited
	}
	if len(e.inFlight) >= e.maxInFlight {
		return ErrConcurrencyLimited
	}
	if last, ok := e.lastFailure[d.Action.Type]; ok && now.Sub(last) < e.cooldown {
		return ErrInCooldown
	}
	if _, ok := e.inFlight[d.ActionID]; ok {
		return ErrAlreadyExecuting
	}

	e.inFlight[d.ActionID] = struct{}{}
	return nil
}

func (e *Executor) release(actionID uuid.UUID) {
	e.mu.Lock()
	delete(e.inFlight, actionID)
	e.mu.Unlock()
}

// attempt runs the handler and builds the single ExecutionResult for this
// attempt. Callers hold the in-flight slot.
func (e *Executor) attempt(ctx context.Context, d *model.Decision) model.ExecutionResult {
	start := e.clock()
	result := model.ExecutionResult{
		ActionID:   d.ActionID,
		DecisionID: d.ID,
		ExecutedAt: start.UTC(),
	}

	var checkpoint *model.Checkpoint
	if d.Action.Metadata.Reversible && e.rollback != nil {
		cp, err := e.rollback.CreateCheckpoint(*d)
		if err != nil {
			e.logger.Warn("executor: checkpoint creation failed, proceeding without rollback",
				"action_id", d.ActionID, "error", err)
		} else {
			checkpoint = &cp
		}
	}

	handler := e.lookupHandler(d.Action.Type)
	if handler == nil {
		result.Error = fmt.Sprintf("no handler registered for action type %q", d.Action.Type)
		result.Duration = e.clock().Sub(start)
		e.recordFailure(ctx, d, &result, nil)
		return result
	}

	output, err := handler(ctx, d.Action)
	result.Duration = e.clock().Sub(start)

	if err != nil {
		result.Error = err.Error()
		e.recordFailure(ctx, d, &result, checkpoint)
		return result
	}

	result.Success = true
	result.Output = output

	e.mu.Lock()
	e.lastExecution = e.clock()
	e.executions++
	e.mu.Unlock()
	e.execCounter.Add(ctx, 1)

	now := e.clock().UTC()
	d.ExecutedAt = &now

	if e.hooks.OnSuccess != nil {
		e.hooks.OnSuccess(ctx, d, result)
	}
	return result
}

// recordFailure drives the per-type cooldown, best-effort auto-rollback,
// and failure hooks. The original handler error stays in the result.
func (e *Executor) recordFailure(ctx context.Context, d *model.Decision, result *model.ExecutionResult, checkpoint *model.Checkpoint) {
	e.mu.Lock()
	e.lastFailure[d.Action.Type] = e.clock()
	e.failures++
	e.mu.Unlock()
	e.failCounter.Add(ctx, 1)

	e.logger.Warn("executor: attempt failed",
		"action_id", d.ActionID, "action_type", d.Action.Type, "error", result.Error)

	if checkpoint != nil && e.autoRollback {
		if err := e.rollback.Rollback(ctx, checkpoint.ID); err != nil {
			e.logger.Error("executor: automatic rollback failed",
				"action_id", d.ActionID, "checkpoint_id", checkpoint.ID, "error", err)
			if e.hooks.OnRollback != nil {
				e.hooks.OnRollback(ctx, d, err)
			}
		} else {
			result.RolledBack = true
			if e.hooks.OnRollback != nil {
				e.hooks.OnRollback(ctx, d, nil)
			}
		}
	}

	if e.hooks.OnFailure != nil {
		e.hooks.OnFailure(ctx, d, *result)
	}
}

// BatchResult partitions a batch execution by outcome. Rejected collects
// decisions refused before any attempt, keyed by decision id.
type BatchResult struct {
	Succeeded []model.ExecutionResult
	Failed    []model.ExecutionResult
	Rejected  map[uuid.UUID]error
}

// ExecuteBatch runs decisions sequentially, partitioning the outcomes.
func (e *Executor) ExecuteBatch(ctx context.Context, decisions []*model.Decision) BatchResult {
	out := BatchResult{Rejected: make(map[uuid.UUID]error)}
	for _, d := range decisions {
		result, err := e.Execute(ctx, d)
		switch {
		case err != nil:
			out.Rejected[d.ID] = err
		case result.Success:
			out.Succeeded = append(out.Succeeded, result)
		default:
			out.Failed = append(out.Failed, result)
		}
	}
	return out
}

// Stats is a read-only aggregate of executor state.
type Stats struct {
	Executions      int64     `json:"executions"`
	Failures        int64     `json:"failures"`
	InFlight        int       `json:"in_flight"`
	LastExecution   time.Time `json:"last_execution,omitzero"`
	ActiveCooldowns []string  `json:"active_cooldowns,omitempty"`
}

// Stats returns a snapshot of counters, in-flight work, and cooldowns.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	var cooldowns []string
	for typ, at := range e.lastFailure {
		if now.Sub(at) < e.cooldown {
			cooldowns = append(cooldowns, typ)
		}
	}
	sort.Strings(cooldowns)

	return Stats{
		Executions:      e.executions,
		Failures:        e.failures,
		InFlight:        len(e.inFlight),
		LastExecution:   e.lastExecution,
		ActiveCooldowns: cooldowns,
	}
}

// lookupHandler resolves exact type first, then the first substring match
// in sorted key order for determinism.
func (e *Executor) lookupHandler(actionType string) Handler {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.handlers[actionType]; ok {
		return h
	}
	keys := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(actionType, k) {
			return e.handlers[k]
		}
	}
	return nil
}
