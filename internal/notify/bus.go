// Package notify is the in-process event bus for governance lifecycle
// events. Subscribers register on enumerated event kinds; publishing never
// blocks the pipeline.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetohq/veto/internal/model"
)

// Kind enumerates the lifecycle events the bus carries.
type Kind string

const (
	KindActionReceived    Kind = "action_received"
	KindDecisionMade      Kind = "decision_made"
	KindApprovalQueued    Kind = "approval_queued"
	KindApprovalResolved  Kind = "approval_resolved"
	KindExecuted          Kind = "executed"
	KindExecutionFailed   Kind = "execution_failed"
	KindRolledBack        Kind = "rolled_back"
	KindBoundaryViolation Kind = "boundary_violation"
	KindEscalated         Kind = "escalated"
)

// AllKinds returns every event kind, for subscribers that want the firehose.
func AllKinds() []Kind {
	return []Kind{
		KindActionReceived, KindDecisionMade, KindApprovalQueued,
		KindApprovalResolved, KindExecuted, KindExecutionFailed,
		KindRolledBack, KindBoundaryViolation, KindEscalated,
	}
}

// Event is one lifecycle notification. Request and Result are set only for
// the kinds that carry them.
type Event struct {
	Kind       Kind                   `json:"kind"`
	Time       time.Time              `json:"time"`
	ActionID   uuid.UUID              `json:"action_id"`
	DecisionID uuid.UUID              `json:"decision_id,omitempty"`
	Request    *model.ApprovalRequest `json:"request,omitempty"`
	Result     *model.ExecutionResult `json:"result,omitempty"`
	Data       map[string]string      `json:"data,omitempty"`
}

// Subscription is one registered listener. Receive from C; call the bus's
// Unsubscribe when done.
type Subscription struct {
	kinds map[Kind]struct{}
	ch    chan Event
}

// C returns the subscription's event channel. Closed on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) wants(k Kind) bool {
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers. Slow subscribers with full buffers
// have events dropped rather than blocking the publisher.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener for the given kinds (all kinds if none are
// given). buffer bounds the subscriber's channel; 0 uses a default of 64.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	if len(kinds) == 0 {
		kinds = AllKinds()
	}
	s := &Subscription{
		kinds: make(map[Kind]struct{}, len(kinds)),
		ch:    make(chan Event, buffer),
	}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Publish delivers an event to every interested subscriber. Never blocks:
// events to subscribers with full buffers are dropped and counted in logs.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("notify: dropped event for slow subscriber",
				"kind", e.Kind, "action_id", e.ActionID)
		}
	}
}

// Close unsubscribes every listener.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
}
