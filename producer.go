package veto

import (
	"time"

	"github.com/google/uuid"
)

// Producer builds well-formed Actions for one upstream engine. Each
// upstream (a trading engine, a content scheduler, a deploy pipeline)
// constructs one Producer and stamps every submission through it, so the
// engine identifier and category stay consistent across actions.
type Producer struct {
	engineID string
	category Category
}

// NewProducer creates a producer for one upstream engine and category.
func NewProducer(engineID string, category Category) Producer {
	return Producer{engineID: engineID, category: category}
}

// ActionOption refines a produced action beyond the required fields.
type ActionOption func(*Action)

// WithValue sets the estimated dollar value.
func WithValue(v float64) ActionOption {
	return func(a *Action) { a.EstimatedValue = v }
}

// WithReversible marks the action reversible.
func WithReversible() ActionOption {
	return func(a *Action) { a.Reversible = true }
}

// WithUrgency sets the declared urgency. Unset defaults to normal.
func WithUrgency(u Urgency) ActionOption {
	return func(a *Action) { a.Urgency = u }
}

// WithParams attaches domain-specific parameters.
func WithParams(params map[string]string) ActionOption {
	return func(a *Action) { a.Params = params }
}

// WithDependencies lists other actions or artifacts this action depends on.
func WithDependencies(deps ...string) ActionOption {
	return func(a *Action) { a.Dependencies = deps }
}

// WithLinesChanged records the line-count footprint of a code change,
// checked against the development boundary caps.
func WithLinesChanged(n int) ActionOption {
	return func(a *Action) { a.LinesChanged = n }
}

// WithFilesChanged records the file-count footprint of a code change,
// checked against the development boundary caps.
func WithFilesChanged(n int) ActionOption {
	return func(a *Action) { a.FilesChanged = n }
}

// NewAction builds an immutable, fully identified action ready for
// submission.
func (p Producer) NewAction(actionType, description string, opts ...ActionOption) Action {
	a := Action{
		ID:          uuid.New(),
		Engine:      p.engineID,
		Category:    p.category,
		Type:        actionType,
		Description: description,
		Urgency:     UrgencyNormal,
		Timestamp:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}
