// Package route maps a risk assessment and the configured autonomy level to
// a routing outcome. Routing is a pure function: no state, no I/O.
package route

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vetohq/veto/internal/model"
)

// DefaultHighValueThreshold is the estimated value above which any action is
// forced to escalate, regardless of score.
const DefaultHighValueThreshold = 200.0

// band holds the inclusive upper score bounds for one autonomy level.
// Scores above Escalate reject; a negative bound means the tier is closed.
type band struct {
	AutoExecute float64
	Queue       float64
	Escalate    float64
}

// bands is the per-autonomy-level outcome table.
var bands = map[model.AutonomyLevel]band{
	model.AutonomyManual:     {AutoExecute: 0, Queue: 20, Escalate: 50},
	model.AutonomyBounded:    {AutoExecute: 20, Queue: 60, Escalate: 80},
	model.AutonomySupervised: {AutoExecute: 40, Queue: 80, Escalate: 95},
	model.AutonomyAutonomous: {AutoExecute: 60, Queue: 90, Escalate: 100},
}

// Input carries everything the router consults. The flags are computed by
// the caller (classifier overrides and boundary results).
type Input struct {
	Action     model.Action
	Assessment model.RiskAssessment
	Autonomy   model.AutonomyLevel

	// ForceApproval is set when the action's category is on the
	// always-require-approval list.
	ForceApproval bool
	// Dangerous is set for action types on the fixed dangerous list.
	Dangerous bool
	// BoundaryViolated is set when the boundary checker flagged the action.
	BoundaryViolated bool

	// HighValueThreshold overrides DefaultHighValueThreshold when positive.
	HighValueThreshold float64
}

// Router produces Decisions. Stateless; safe for concurrent use.
type Router struct {
	clock func() time.Time
}

// New creates a Router. A nil clock uses time.Now.
func New(clock func() time.Time) *Router {
	if clock == nil {
		clock = time.Now
	}
	return &Router{clock: clock}
}

// Route computes the outcome for an assessed action and emits a Decision.
func (r *Router) Route(in Input) (model.Decision, error) {
	if !in.Autonomy.Valid() {
		return model.Decision{}, fmt.Errorf("route: invalid autonomy level %d", in.Autonomy)
	}

	outcome, reason := bandOutcome(in.Autonomy, in.Assessment.Score)

	// Overrides, applied after band lookup. Later rules win.
	if in.Dangerous && outcome == model.OutcomeAutoExecute {
		outcome = model.OutcomeQueueApproval
		reason = fmt.Sprintf("action type %q is on the dangerous list", in.Action.Type)
	}
	if in.ForceApproval && outcome == model.OutcomeAutoExecute {
		outcome = model.OutcomeQueueApproval
		reason = fmt.Sprintf("category %s always requires approval", in.Action.Category)
	}
	if in.Assessment.Level == model.RiskCritical {
		outcome = model.OutcomeEscalate
		reason = "risk level critical forces escalation"
	}
	threshold := in.HighValueThreshold
	if threshold <= 0 {
		threshold = DefaultHighValueThreshold
	}
	if in.Action.Metadata.EstimatedValue > threshold {
		outcome = model.OutcomeEscalate
		reason = fmt.Sprintf("estimated value $%.2f exceeds high-value threshold $%.2f",
			in.Action.Metadata.EstimatedValue, threshold)
	}
	if in.BoundaryViolated {
		outcome = model.OutcomeReject
		reason = "boundary violation"
	}

	now := r.clock().UTC()
	return model.Decision{
		ID:                uuid.New(),
		ActionID:          in.Action.ID,
		Action:            in.Action,
		Assessment:        in.Assessment,
		Outcome:           outcome,
		Reason:            reason,
		RollbackAvailable: in.Action.Metadata.Reversible,
		Timestamp:         now,
	}, nil
}

// bandOutcome resolves the score against the level's band table.
func bandOutcome(level model.AutonomyLevel, score float64) (model.Outcome, string) {
	b := bands[level]
	switch {
	case score <= b.AutoExecute:
		return model.OutcomeAutoExecute,
			fmt.Sprintf("score %.1f within auto-execute band for autonomy level %d", score, level)
	case score <= b.Queue:
		return model.OutcomeQueueApproval,
			fmt.Sprintf("score %.1f requires approval at autonomy level %d", score, level)
	case score <= b.Escalate:
		return model.OutcomeEscalate,
			fmt.Sprintf("score %.1f requires escalation at autonomy level %d", score, level)
	default:
		return model.OutcomeReject,
			fmt.Sprintf("score %.1f exceeds every band at autonomy level %d", score, level)
	}
}
