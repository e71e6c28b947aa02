package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/vetohq/veto/internal/notify"
)

// Broker fans governance lifecycle events out to SSE subscribers.
// It runs a background goroutine that drains a bus subscription and sends
// each event, SSE-formatted, to all active subscriber channels.
type Broker struct {
	bus    *notify.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(bus *notify.Bus, logger *slog.Logger) *Broker {
	return &Broker{
		bus:         bus,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start drains lifecycle events until ctx is cancelled. It blocks, so call
// it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	sub := b.bus.Subscribe(256)
	defer b.bus.Unsubscribe(sub)

	b.logger.Info("broker: listening for lifecycle events")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				b.logger.Warn("broker: marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			b.broadcast(formatSSE(string(ev.Kind), string(payload)))
		}
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers that have
// a full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
