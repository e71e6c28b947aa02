package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetohq/veto/internal/model"
)

// Defaults for the in-memory window and archive retention.
const (
	DefaultMemoryWindow = 1000
	DefaultRetention    = 90 * 24 * time.Hour
)

// Archive is the external store for entries beyond the in-memory window.
// Entries are written through on append, so the archive always holds the
// full chain; implementations live in internal/storage.
type Archive interface {
	// Append persists one entry. Called in chain order, never concurrently.
	Append(ctx context.Context, e model.AuditEntry) error
	// List returns up to limit entries in append order, oldest first.
	// limit <= 0 means all.
	List(ctx context.Context, limit int) ([]model.AuditEntry, error)
	// Prune deletes entries older than cutoff, returning the count removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Logger is the append-only, hash-chained audit log. All writes serialize
// through one mutex: each entry's hash depends on its predecessor, so
// concurrent unserialized appends would corrupt the chain.
type Logger struct {
	logger    *slog.Logger
	archive   Archive // nil means memory-only
	window    int
	retention time.Duration
	clock     func() time.Time

	mu      sync.Mutex
	entries []model.AuditEntry // most recent window entries, oldest first
	head    string             // hash of the newest entry, or GenesisHash
	total   int
}

// Config bundles Logger construction parameters. Zero values fall back to
// the package defaults; a nil Archive keeps the chain memory-only.
type Config struct {
	Archive   Archive
	Window    int
	Retention time.Duration
	Clock     func() time.Time
	Logger    *slog.Logger
}

// NewLogger creates an empty audit chain.
func NewLogger(cfg Config) *Logger {
	if cfg.Window <= 0 {
		cfg.Window = DefaultMemoryWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Logger{
		logger:    cfg.Logger,
		archive:   cfg.Archive,
		window:    cfg.Window,
		retention: cfg.Retention,
		clock:     cfg.Clock,
		head:      GenesisHash,
	}
}

// Append records one lifecycle event and returns the stored entry.
func (l *Logger) Append(ctx context.Context, eventType model.AuditEventType,
	actionID uuid.UUID, decisionID *uuid.UUID, data map[string]string) (model.AuditEntry, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	// Microsecond precision: timestamptz archives cannot store nanoseconds,
	// and a lossy round-trip would change the recomputed hash.
	ts := l.clock().UTC().Truncate(time.Microsecond)
	e := model.AuditEntry{
		ID:           uuid.New(),
		Timestamp:    ts,
		Type:         eventType,
		ActionID:     actionID,
		DecisionID:   decisionID,
		Data:         data,
		PreviousHash: l.head,
	}
	e.Hash = Recompute(e)

	if l.archive != nil {
		if err := l.archive.Append(ctx, e); err != nil {
			return model.AuditEntry{}, fmt.Errorf("audit: archive append: %w", err)
		}
	}

	l.entries = append(l.entries, e)
	if len(l.entries) > l.window {
		l.entries = l.entries[len(l.entries)-l.window:]
	}
	l.head = e.Hash
	l.total++
	return e, nil
}

// Restore reloads chain state from the archive after a restart, so the
// next Append links to the persisted head instead of genesis. Call once
// before the first Append; a no-op without an archive or on an empty one.
func (l *Logger) Restore(ctx context.Context) error {
	if l.archive == nil {
		return nil
	}
	entries, err := l.archive.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("audit: restore: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	if err := VerifyEntries(entries); err != nil {
		return fmt.Errorf("audit: restore: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	window := entries
	if len(window) > l.window {
		window = window[len(window)-l.window:]
	}
	l.entries = append([]model.AuditEntry(nil), window...)
	l.head = entries[len(entries)-1].Hash
	l.total = len(entries)
	l.logger.Info("audit: chain restored from archive", "entries", l.total, "head", l.head)
	return nil
}

// Head returns the hash of the newest entry (GenesisHash when empty).
func (l *Logger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Len returns the total number of entries ever appended.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Recent returns up to limit entries from the in-memory window, oldest
// first. limit <= 0 returns the whole window.
func (l *Logger) Recent(limit int) []model.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.AuditEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Verify recomputes the hash chain and reports the number of entries
// checked. It reads the full chain from the archive when one is configured,
// otherwise the in-memory window. The first entry's PreviousHash is the
// trust anchor: GenesisHash for an unpruned chain, or the hash of the last
// pruned entry after retention trimming.
func (l *Logger) Verify(ctx context.Context) (int, error) {
	entries, err := l.chain(ctx)
	if err != nil {
		return 0, err
	}
	prev := ""
	for i, e := range entries {
		if i > 0 && e.PreviousHash != prev {
			return i, fmt.Errorf("audit: entry %s previous hash mismatch at position %d", e.ID, i)
		}
		if Recompute(e) != e.Hash {
			return i, fmt.Errorf("audit: entry %s hash mismatch at position %d", e.ID, i)
		}
		prev = e.Hash
	}
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()
	if len(entries) > 0 && entries[len(entries)-1].Hash != head {
		return len(entries), fmt.Errorf("audit: chain head does not match logger head")
	}
	return len(entries), nil
}

// VerifyEntries recomputes a chain slice without consulting the logger's
// stores. Exposed so audit consumers can independently check exported logs.
func VerifyEntries(entries []model.AuditEntry) error {
	prev := ""
	for i, e := range entries {
		if i > 0 && e.PreviousHash != prev {
			return fmt.Errorf("audit: entry %s previous hash mismatch at position %d", e.ID, i)
		}
		if Recompute(e) != e.Hash {
			return fmt.Errorf("audit: entry %s hash mismatch at position %d", e.ID, i)
		}
		prev = e.Hash
	}
	return nil
}

// Prune removes archived entries older than the retention period. The
// chain head is unaffected; verification re-anchors on the oldest
// surviving entry.
func (l *Logger) Prune(ctx context.Context) (int, error) {
	if l.archive == nil {
		return 0, nil
	}
	cutoff := l.clock().UTC().Add(-l.retention)
	n, err := l.archive.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	if n > 0 {
		l.logger.Info("audit: pruned archived entries", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (l *Logger) chain(ctx context.Context) ([]model.AuditEntry, error) {
	if l.archive != nil {
		entries, err := l.archive.List(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("audit: archive list: %w", err)
		}
		return entries, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}
