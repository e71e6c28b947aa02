// Package rollback creates pre-execution checkpoints for reversible actions
// and restores them through registered per-type handlers.
package rollback

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

	"github.com/vetohq/veto/internal/model"
)

// Defaults for checkpoint retention.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultCapacity = 100
)

// Sentinel errors for the checkpoint lifecycle.
var (
	ErrNotReversible      = errors.New("rollback: action is not reversible")
	ErrCheckpointNotFound = errors.New("rollback: checkpoint not found")
)

// Handler compensates an executed action using its checkpoint. Registered
// per action type; may return an error, which the caller logs but never
// propagates past the execution boundary.
type Handler func(ctx context.Context, cp model.Checkpoint) error

// Manager stores checkpoints and dispatches rollback handlers. Eviction
// (TTL expiry, oldest-first at capacity) happens lazily on creation and
// lookup; there is no background timer.
type Manager struct {
	logger   *slog.Logger
	ttl      time.Duration
	capacity int
	clock    func() time.Time

	mu          sync.Mutex
	checkpoints map[uuid.UUID]model.Checkpoint
	handlers    map[string]Handler
}

// Config bundles Manager construction parameters. Zero values use the
// package defaults; a nil clock uses time.Now.
type Config struct {
	TTL      time.Duration
	Capacity int
	Clock    func() time.Time
	Logger   *slog.Logger
}

// NewManager creates an empty checkpoint store.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		logger:      cfg.Logger,
		ttl:         cfg.TTL,
		capacity:    cfg.Capacity,
		clock:       cfg.Clock,
		checkpoints: make(map[uuid.UUID]model.Checkpoint),
		handlers:    make(map[string]Handler),
	}
}

// RegisterHandler installs the rollback handler for an action type.
func (m *Manager) RegisterHandler(actionType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[actionType] = h
}

// CreateCheckpoint snapshots a reversible action's state before execution.
// Fails for non-reversible actions. Expired checkpoints are evicted first;
// at capacity, the oldest checkpoint is evicted to make room.
func (m *Manager) CreateCheckpoint(d model.Decision) (model.Checkpoint, error) {
	if !d.Action.Metadata.Reversible {
		return model.Checkpoint{}, ErrNotReversible
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired()

	if len(m.checkpoints) >= m.capacity {
		m.evictOldest()
	}

	params := make(map[string]string, len(d.Action.Params))
	for k, v := range d.Action.Params {
		params[k] = v
	}
	cp := model.Checkpoint{
		ID:         uuid.New(),
		ActionID:   d.ActionID,
		DecisionID: d.ID,
		State: model.CheckpointState{
			ActionType: d.Action.Type,
			Category:   d.Action.Category,
			Params:     params,
		},
		CreatedAt: m.clock().UTC(),
	}
	m.checkpoints[cp.ID] = cp
	return cp, nil
}

// Rollback compensates via the registered handler for the checkpoint's
// action type (exact match first, then substring). The checkpoint is
// consumed only when compensation succeeds; a handler failure leaves it
// in place so the rollback can be retried before TTL expiry. With no
// handler the captured state is logged and the checkpoint is consumed,
// since there is nothing a retry could do differently.
func (m *Manager) Rollback(ctx context.Context, checkpointID uuid.UUID) error {
	m.mu.Lock()
	m.evictExpired()
	cp, ok := m.checkpoints[checkpointID]
	var handler Handler
	if ok {
		handler = m.lookupHandler(cp.State.ActionType)
	}
	m.mu.Unlock()

	if !ok {
		return ErrCheckpointNotFound
	}

	if handler == nil {
		m.logger.Warn("rollback: no handler registered, logging captured state only",
			"checkpoint_id", cp.ID,
			"action_id", cp.ActionID,
			"action_type", cp.State.ActionType,
			"params", cp.State.Params,
		)
		m.consume(checkpointID)
		return nil
	}

	if err := handler(ctx, cp); err != nil {
		return fmt.Errorf("rollback: handler for %q: %w", cp.State.ActionType, err)
	}
	m.consume(checkpointID)
	m.logger.Info("rollback: compensated", "checkpoint_id", cp.ID, "action_id", cp.ActionID)
	return nil
}

func (m *Manager) consume(id uuid.UUID) {
	m.mu.Lock()
	delete(m.checkpoints, id)
	m.mu.Unlock()
}

// RollbackByActionID finds the most recent checkpoint for an action and
// delegates to Rollback.
func (m *Manager) RollbackByActionID(ctx context.Context, actionID uuid.UUID) error {
	m.mu.Lock()
	var latest *model.Checkpoint
	for _, cp := range m.checkpoints {
		cp := cp
		if cp.ActionID != actionID {
			continue
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = &cp
		}
	}
	m.mu.Unlock()

	if latest == nil {
		return ErrCheckpointNotFound
	}
	return m.Rollback(ctx, latest.ID)
}

// CanRollback reports whether a live (unexpired) checkpoint exists for the
// action.
func (m *Manager) CanRollback(actionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired()
	for _, cp := range m.checkpoints {
		if cp.ActionID == actionID {
			return true
		}
	}
	return false
}

// Len returns the number of live checkpoints.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired()
	return len(m.checkpoints)
}

// lookupHandler resolves exact type first, then the first substring match
// in sorted key order so resolution is deterministic. Callers hold m.mu.
func (m *Manager) lookupHandler(actionType string) Handler {
	if h, ok := m.handlers[actionType]; ok {
		return h
	}
	keys := make([]string, 0, len(m.handlers))
	for k := range m.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(actionType, k) {
			return m.handlers[k]
		}
	}
	return nil
}

// evictExpired removes checkpoints past TTL. Callers hold m.mu.
func (m *Manager) evictExpired() {
	cutoff := m.clock().UTC().Add(-m.ttl)
	for id, cp := range m.checkpoints {
		if cp.CreatedAt.Before(cutoff) {
			delete(m.checkpoints, id)
		}
	}
}

// evictOldest removes the single oldest checkpoint. Callers hold m.mu.
func (m *Manager) evictOldest() {
	var oldestID uuid.UUID
	var oldestAt time.Time
	first := true
	for id, cp := range m.checkpoints {
		if first || cp.CreatedAt.Before(oldestAt) {
			oldestID, oldestAt, first = id, cp.CreatedAt, false
		}
	}
	if !first {
		delete(m.checkpoints, oldestID)
	}
}
