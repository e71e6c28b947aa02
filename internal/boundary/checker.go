// Package boundary validates actions against configured numeric and policy
// limits: spend caps, daily quotas, and time-of-day windows.
package boundary

import (
	"fmt"
	"sync"
	"time"

	"github.com/vetohq/veto/internal/model"
)

// Result is the outcome of a boundary check. Violated is true when any
// configured limit was exceeded; Violations names each one.
type Result struct {
	Violated   bool     `json:"violated"`
	Violations []string `json:"violations,omitempty"`
}

// Usage is the day-scoped activity ledger consulted by quota checks.
// Counters reset when the UTC day rolls over.
type Usage struct {
	Day      string  `json:"day"` // YYYY-MM-DD, UTC
	Spend    float64 `json:"spend"`
	Trades   int     `json:"trades"`
	Posts    int     `json:"posts"`
	Deploys  int     `json:"deploys"`
	Executed int     `json:"executed"`
}

// Checker validates actions against the current Boundaries and tracks daily
// usage. Safe for concurrent use. The clock is injected so day rollover and
// time-window checks are deterministic under test.
type Checker struct {
	mu         sync.Mutex
	boundaries model.Boundaries
	usage      Usage
	now        func() time.Time
}

// New creates a Checker with the given limits. A nil clock uses time.Now.
func New(b model.Boundaries, clock func() time.Time) *Checker {
	if clock == nil {
		clock = time.Now
	}
	c := &Checker{boundaries: b, now: clock}
	c.usage.Day = dayKey(clock())
	return c
}

// Boundaries returns a copy of the current limit configuration.
func (c *Checker) Boundaries() model.Boundaries {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundaries
}

// Update applies a partial boundary update. Action processing never calls
// this; it is the explicit configuration path.
func (c *Checker) Update(p model.BoundariesPatch) (model.Boundaries, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := p.Apply(c.boundaries)
	if err := next.Validate(); err != nil {
		return model.Boundaries{}, err
	}
	c.boundaries = next
	return next, nil
}

// Check validates an action against every configured limit. It reads usage
// but never mutates it; call RecordExecution after a successful execution.
func (c *Checker) Check(a model.Action) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	b := c.boundaries
	var violations []string

	if max := b.Financial.MaxActionValue; max > 0 && a.Metadata.EstimatedValue > max {
		violations = append(violations,
			fmt.Sprintf("estimated value $%.2f exceeds per-action cap $%.2f", a.Metadata.EstimatedValue, max))
	}
	if max := b.Financial.MaxDailySpend; max > 0 && c.usage.Spend+a.Metadata.EstimatedValue > max {
		violations = append(violations,
			fmt.Sprintf("daily spend $%.2f + $%.2f exceeds cap $%.2f", c.usage.Spend, a.Metadata.EstimatedValue, max))
	}

	switch a.Category {
	case model.CategoryTrading:
		if max := b.Trading.MaxPositionValue; max > 0 && a.Metadata.EstimatedValue > max {
			violations = append(violations,
				fmt.Sprintf("position value $%.2f exceeds cap $%.2f", a.Metadata.EstimatedValue, max))
		}
		if max := b.Trading.MaxTradesPerDay; max > 0 && c.usage.Trades >= max {
			violations = append(violations,
				fmt.Sprintf("daily trade quota reached (%d)", max))
		}
	case model.CategoryContent:
		if max := b.Content.MaxPostsPerDay; max > 0 && c.usage.Posts >= max {
			violations = append(violations,
				fmt.Sprintf("daily post quota reached (%d)", max))
		}
	case model.CategoryDeployment:
		if max := b.Development.MaxDeploysPerDay; max > 0 && c.usage.Deploys >= max {
			violations = append(violations,
				fmt.Sprintf("daily deploy quota reached (%d)", max))
		}
	}

	if max := b.Development.MaxLinesChanged; max > 0 && a.Metadata.LinesChanged > max {
		violations = append(violations,
			fmt.Sprintf("%d lines changed exceeds cap %d", a.Metadata.LinesChanged, max))
	}
	if max := b.Development.MaxFilesChanged; max > 0 && a.Metadata.FilesChanged > max {
		violations = append(violations,
			fmt.Sprintf("%d files changed exceeds cap %d", a.Metadata.FilesChanged, max))
	}

	if !c.withinActiveWindow() {
		violations = append(violations,
			fmt.Sprintf("outside active hours [%02d:00, %02d:00) UTC",
				b.Time.ActiveStartHour, b.Time.ActiveEndHour))
	}

	return Result{Violated: len(violations) > 0, Violations: violations}
}

// RecordExecution updates the daily usage counters after a successful
// execution. The executor path calls this exactly once per success.
func (c *Checker) RecordExecution(a model.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	c.usage.Executed++
	c.usage.Spend += a.Metadata.EstimatedValue
	switch a.Category {
	case model.CategoryTrading:
		c.usage.Trades++
	case model.CategoryContent:
		c.usage.Posts++
	case model.CategoryDeployment:
		c.usage.Deploys++
	}
}

// UsageToday returns a copy of the current day's usage counters.
func (c *Checker) UsageToday() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.usage
}

// rollover resets counters when the UTC day has changed. Callers hold c.mu.
func (c *Checker) rollover() {
	day := dayKey(c.now())
	if day != c.usage.Day {
		c.usage = Usage{Day: day}
	}
}

// withinActiveWindow reports whether the current UTC hour falls inside the
// configured activity window. Equal start and end disables the check; a
// window may wrap midnight. Callers hold c.mu.
func (c *Checker) withinActiveWindow() bool {
	w := c.boundaries.Time
	if w.ActiveStartHour == w.ActiveEndHour {
		return true
	}
	h := c.now().UTC().Hour()
	if w.ActiveStartHour < w.ActiveEndHour {
		return h >= w.ActiveStartHour && h < w.ActiveEndHour
	}
	return h >= w.ActiveStartHour || h < w.ActiveEndHour
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
