// Package queue holds decisions awaiting human review. Requests age in
// place: past the escalation threshold they are re-flagged and re-notified,
// past the expiry threshold they transition to expired. Both sweeps run
// lazily on access, so no background timer is required.
package queue

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetohq/veto/internal/model"
	"github.com/vetohq/veto/internal/notify"
)

// Defaults for queue limits and aging thresholds.
const (
	DefaultMaxPending    = 100
	DefaultEscalateAfter = 12 * time.Hour
	DefaultExpireAfter   = 48 * time.Hour
)

// ErrQueueFull is returned by Enqueue when the pending count is at the
// configured maximum.
var ErrQueueFull = errors.New("queue: pending approval limit reached")

// agePriorityPerHour is the priority added per hour a request waits.
const agePriorityPerHour = 1.0

// urgencyMultiplier scales risk score into priority. Ordering only; it
// never changes processing semantics.
var urgencyMultiplier = map[model.Urgency]float64{
	model.UrgencyLow:      0.8,
	model.UrgencyNormal:   1.0,
	model.UrgencyHigh:     1.5,
	model.UrgencyCritical: 2.0,
}

// Queue is the approval queue. Safe for concurrent use.
type Queue struct {
	logger        *slog.Logger
	bus           *notify.Bus
	clock         func() time.Time
	maxPending    int
	escalateAfter time.Duration
	expireAfter   time.Duration

	mu       sync.Mutex
	requests map[uuid.UUID]*model.ApprovalRequest
}

// Config bundles Queue construction parameters. Zero values use the
// package defaults; Bus may be nil to disable notifications.
type Config struct {
	MaxPending    int
	EscalateAfter time.Duration
	ExpireAfter   time.Duration
	Bus           *notify.Bus
	Clock         func() time.Time
	Logger        *slog.Logger
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = DefaultEscalateAfter
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = DefaultExpireAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		logger:        cfg.Logger,
		bus:           cfg.Bus,
		clock:         cfg.Clock,
		maxPending:    cfg.MaxPending,
		escalateAfter: cfg.EscalateAfter,
		expireAfter:   cfg.ExpireAfter,
		requests:      make(map[uuid.UUID]*model.ApprovalRequest),
	}
}

// Enqueue creates an ApprovalRequest for a queued or escalated decision.
// ExpiresAt is fixed here and never changes afterwards.
func (q *Queue) Enqueue(d model.Decision) (*model.ApprovalRequest, error) {
	q.mu.Lock()

	now := q.clock().UTC()
	q.sweep(now)

	if q.pendingCount() >= q.maxPending {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	urgency := d.Action.Metadata.Urgency
	if urgency == "" {
		urgency = model.UrgencyNormal
	}
	req := &model.ApprovalRequest{
		ID:        uuid.New(),
		Decision:  d,
		Urgency:   urgency,
		Escalated: d.Outcome == model.OutcomeEscalate,
		ExpiresAt: now.Add(q.expireAfter),
		Status:    model.ApprovalPending,
		CreatedAt: now,
	}
	req.Priority = q.priority(req, now)

	q.requests[req.ID] = req
	out := *req
	q.mu.Unlock()

	q.logger.Info("queue: approval request created",
		"request_id", out.ID, "action_id", d.ActionID,
		"urgency", out.Urgency, "escalated", out.Escalated)
	q.publish(notify.KindApprovalQueued, &out, nil)
	if out.Escalated {
		q.publish(notify.KindEscalated, &out, map[string]string{"reason": d.Reason})
	}
	return &out, nil
}

// Approve resolves a pending request. Returns nil for a missing or already
// terminal id; resolution is one-way.
func (q *Queue) Approve(id uuid.UUID, approvedBy, feedback string) *model.ApprovalRequest {
	return q.resolve(id, model.ApprovalApproved, approvedBy, feedback)
}

// Reject resolves a pending request with a rejection. Returns nil for a
// missing or already terminal id.
func (q *Queue) Reject(id uuid.UUID, rejectedBy, reason string) *model.ApprovalRequest {
	return q.resolve(id, model.ApprovalRejected, rejectedBy, reason)
}

func (q *Queue) resolve(id uuid.UUID, status model.ApprovalStatus, reviewer, feedback string) *model.ApprovalRequest {
	q.mu.Lock()

	now := q.clock().UTC()
	q.sweep(now)

	req, ok := q.requests[id]
	if !ok || req.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}

	req.Status = status
	req.ReviewedBy = reviewer
	req.ReviewedAt = &now
	req.Feedback = feedback
	if status == model.ApprovalApproved {
		req.Decision.ApprovedBy = reviewer
		req.Decision.ApprovedAt = &now
	}
	out := *req
	q.mu.Unlock()

	q.logger.Info("queue: approval request resolved",
		"request_id", id, "status", status, "reviewed_by", reviewer)
	q.publish(notify.KindApprovalResolved, &out, map[string]string{"status": string(status)})
	return &out
}

// ApproveBatch approves every pending request matching the filter. The
// summary carries one line per request in the queue: skipped for requests
// the filter does not select, already_terminal for matches resolved before
// the batch ran.
func (q *Queue) ApproveBatch(f model.BatchFilter, approvedBy, feedback string) model.BatchSummary {
	return q.resolveBatch(f, model.ApprovalApproved, approvedBy, feedback)
}

// RejectBatch rejects every pending request matching the filter.
func (q *Queue) RejectBatch(f model.BatchFilter, rejectedBy, reason string) model.BatchSummary {
	return q.resolveBatch(f, model.ApprovalRejected, rejectedBy, reason)
}

func (q *Queue) resolveBatch(f model.BatchFilter, status model.ApprovalStatus, reviewer, feedback string) model.BatchSummary {
	q.mu.Lock()

	now := q.clock().UTC()
	q.sweep(now)

	summary := model.BatchSummary{Results: make(map[uuid.UUID]model.BatchItemResult)}
	var resolved []model.ApprovalRequest
	for id, req := range q.requests {
		if !f.Matches(*req) {
			summary.Results[id] = model.BatchSkipped
			continue
		}
		summary.Matched++
		if req.Status.Terminal() {
			summary.Results[id] = model.BatchAlreadyTerminal
			continue
		}
		req.Status = status
		req.ReviewedBy = reviewer
		req.ReviewedAt = &now
		req.Feedback = feedback
		if status == model.ApprovalApproved {
			req.Decision.ApprovedBy = reviewer
			req.Decision.ApprovedAt = &now
		}
		summary.Results[id] = model.BatchSucceeded
		resolved = append(resolved, *req)
	}
	q.mu.Unlock()

	q.logger.Info("queue: batch resolution",
		"status", status, "matched", summary.Matched, "resolved", len(resolved))
	for i := range resolved {
		q.publish(notify.KindApprovalResolved, &resolved[i], map[string]string{"status": string(status)})
	}
	return summary
}

// Get returns a copy of the request, or nil if unknown.
func (q *Queue) Get(id uuid.UUID) *model.ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweep(q.clock().UTC())
	req, ok := q.requests[id]
	if !ok {
		return nil
	}
	out := *req
	return &out
}

// Pending returns pending requests ordered by descending priority.
func (q *Queue) Pending() []model.ApprovalRequest {
	q.mu.Lock()

	now := q.clock().UTC()
	q.sweep(now)

	out := make([]model.ApprovalRequest, 0, len(q.requests))
	for _, req := range q.requests {
		if req.Status != model.ApprovalPending {
			continue
		}
		req.Priority = q.priority(req, now)
		out = append(out, *req)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep applies age-based escalation and expiry immediately. The same
// pass also runs lazily inside every other queue operation.
func (q *Queue) Sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweep(q.clock().UTC())
}

// Stats is a read-only aggregate of queue state.
type Stats struct {
	Pending    int            `json:"pending"`
	Escalated  int            `json:"escalated"`
	Expired    int            `json:"expired"`
	Resolved   int            `json:"resolved"`
	ByUrgency  map[string]int `json:"by_urgency"`
	OldestWait time.Duration  `json:"oldest_wait"`
}

// Stats returns a snapshot of pending, escalated, and resolved counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock().UTC()
	q.sweep(now)

	stats := Stats{ByUrgency: make(map[string]int)}
	for _, req := range q.requests {
		switch req.Status {
		case model.ApprovalPending:
			stats.Pending++
			stats.ByUrgency[string(req.Urgency)]++
			if req.Escalated {
				stats.Escalated++
			}
			if wait := now.Sub(req.CreatedAt); wait > stats.OldestWait {
				stats.OldestWait = wait
			}
		case model.ApprovalExpired:
			stats.Expired++
		default:
			stats.Resolved++
		}
	}
	return stats
}

// sweep escalates and expires pending requests by age. Callers hold q.mu.
func (q *Queue) sweep(now time.Time) {
	var escalated, expired []model.ApprovalRequest
	for _, req := range q.requests {
		if req.Status != model.ApprovalPending {
			continue
		}
		age := now.Sub(req.CreatedAt)
		if age >= q.expireAfter {
			req.Status = model.ApprovalExpired
			expired = append(expired, *req)
			continue
		}
		if age >= q.escalateAfter && !req.Escalated {
			req.Escalated = true
			req.Priority = q.priority(req, now)
			escalated = append(escalated, *req)
		}
	}

	if len(escalated) == 0 && len(expired) == 0 {
		return
	}
	// Publish outside the lock path of callers would be nicer, but the bus
	// never blocks, so firing here keeps sweep ordering simple.
	for i := range escalated {
		q.logger.Warn("queue: approval request escalated by age",
			"request_id", escalated[i].ID, "action_id", escalated[i].Decision.ActionID)
		q.publish(notify.KindEscalated, &escalated[i], map[string]string{"reason": "age"})
	}
	for i := range expired {
		q.logger.Warn("queue: approval request expired",
			"request_id", expired[i].ID, "action_id", expired[i].Decision.ActionID)
		q.publish(notify.KindApprovalResolved, &expired[i],
			map[string]string{"status": string(model.ApprovalExpired)})
	}
}

// pendingCount counts pending requests. Callers hold q.mu.
func (q *Queue) pendingCount() int {
	n := 0
	for _, req := range q.requests {
		if req.Status == model.ApprovalPending {
			n++
		}
	}
	return n
}

// priority combines risk score, urgency multiplier, and age.
func (q *Queue) priority(req *model.ApprovalRequest, now time.Time) float64 {
	mult, ok := urgencyMultiplier[req.Urgency]
	if !ok {
		mult = 1.0
	}
	score := req.Decision.Assessment.Score * mult
	score += now.Sub(req.CreatedAt).Hours() * agePriorityPerHour
	if req.Escalated {
		score *= 1.25
	}
	return score
}

func (q *Queue) publish(kind notify.Kind, req *model.ApprovalRequest, data map[string]string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(notify.Event{
		Kind:       kind,
		Time:       q.clock().UTC(),
		ActionID:   req.Decision.ActionID,
		DecisionID: req.Decision.ID,
		Request:    req,
		Data:       data,
	})
}
