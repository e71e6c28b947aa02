// Package risk scores submitted actions. Classification is pure and
// deterministic: the same action always produces the same assessment.
package risk

import (
	"fmt"
	"sort"

	"github.com/vetohq/veto/internal/model"
)

// Factor weights. Must sum to exactly 1.0.
const (
	WeightFinancialValue = 0.35
	WeightReversibility  = 0.20
	WeightCategoryBase   = 0.15
	WeightUrgency        = 0.15
	WeightVisibility     = 0.15
)

// SafeThreshold is the maximum score at which a safe-listed action type may
// still be recommended for auto-execution.
const SafeThreshold = 40.0

// Financial value bands. An action's estimated dollar value maps to the
// first band it falls under.
var valueBands = []struct {
	limit float64
	value float64
	name  string
}{
	{10, 5, "negligible"},
	{50, 10, "low"},
	{100, 30, "medium"},
	{500, 60, "high"},
	{1000, 80, "very_high"},
}

const valueBandCritical = 100.0

// categoryBase is the fixed per-category base risk table.
var categoryBase = map[model.Category]float64{
	model.CategoryTrading:       25,
	model.CategoryContent:       30,
	model.CategoryBuild:         15,
	model.CategoryDeployment:    70,
	model.CategoryConfiguration: 45,
}

// categoryVisibility approximates how externally visible a category's
// effects are once executed.
var categoryVisibility = map[model.Category]float64{
	model.CategoryTrading:       10,
	model.CategoryContent:       90,
	model.CategoryBuild:         5,
	model.CategoryDeployment:    70,
	model.CategoryConfiguration: 15,
}

var urgencyRisk = map[model.Urgency]float64{
	model.UrgencyLow:      10,
	model.UrgencyNormal:   20,
	model.UrgencyHigh:     50,
	model.UrgencyCritical: 85,
}

// safeTypes are action types eligible for auto-execution whenever their
// score stays at or under SafeThreshold.
var safeTypes = map[string]struct{}{
	"dca_buy":                {},
	"rebalance_small":        {},
	"post_scheduled_content": {},
	"run_tests":              {},
	"format_code":            {},
	"update_docs":            {},
}

// dangerousTypes can never be recommended for auto-execution, at any score.
var dangerousTypes = map[string]struct{}{
	"deploy_production":  {},
	"delete_data":        {},
	"drop_table":         {},
	"transfer_funds":     {},
	"modify_credentials": {},
	"disable_monitoring": {},
	"liquidate_position": {},
}

// Classifier computes risk assessments. The zero-value configuration uses
// the fixed tables above; AlwaysRequireApproval lists categories whose
// actions may never be recommended for auto-execution.
type Classifier struct {
	alwaysApprove map[model.Category]struct{}
}

// New creates a Classifier. alwaysRequireApproval categories are forced off
// the auto-execute recommendation path regardless of score.
func New(alwaysRequireApproval []model.Category) *Classifier {
	m := make(map[model.Category]struct{}, len(alwaysRequireApproval))
	for _, c := range alwaysRequireApproval {
		m[c] = struct{}{}
	}
	return &Classifier{alwaysApprove: m}
}

// AlwaysRequiresApproval reports whether the category is on the
// always-require-approval list.
func (c *Classifier) AlwaysRequiresApproval(cat model.Category) bool {
	_, ok := c.alwaysApprove[cat]
	return ok
}

// IsDangerous reports whether the action type is on the fixed dangerous list.
func IsDangerous(actionType string) bool {
	_, ok := dangerousTypes[actionType]
	return ok
}

// IsSafe reports whether the action type is on the fixed safe list.
func IsSafe(actionType string) bool {
	_, ok := safeTypes[actionType]
	return ok
}

// SafeTypes returns the fixed safe action types, sorted.
func SafeTypes() []string {
	out := make([]string, 0, len(safeTypes))
	for t := range safeTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Classify computes the weighted risk score and level for an action.
// Pure: no I/O, no clock reads for scoring, deterministic for equal input.
// The returned assessment's Timestamp is copied from the action.
func (c *Classifier) Classify(a model.Action) model.RiskAssessment {
	factors := []model.RiskFactor{
		financialFactor(a.Metadata.EstimatedValue),
		reversibilityFactor(a.Metadata.Reversible),
		categoryFactor(a.Category),
		urgencyFactor(a.Metadata.Urgency),
		visibilityFactor(a.Category),
	}

	var score float64
	for _, f := range factors {
		score += f.Weight * f.Value
	}
	score = clamp(score, 0, 100)

	level := model.LevelForScore(score)

	return model.RiskAssessment{
		ActionID:       a.ID,
		Level:          level,
		Score:          score,
		Factors:        factors,
		Recommendation: c.recommend(a, score, level),
		Constraints:    constraints(a),
		Timestamp:      a.Timestamp,
	}
}

// recommend maps score and level to a recommended outcome, applying the
// safe/dangerous type overrides. The router has the final word; this is the
// classifier's advisory.
func (c *Classifier) recommend(a model.Action, score float64, level model.RiskLevel) model.Outcome {
	if IsDangerous(a.Type) {
		if level == model.RiskCritical {
			return model.OutcomeReject
		}
		return model.OutcomeEscalate
	}
	if IsSafe(a.Type) && score <= SafeThreshold && !c.AlwaysRequiresApproval(a.Category) {
		return model.OutcomeAutoExecute
	}
	switch level {
	case model.RiskSafe:
		if c.AlwaysRequiresApproval(a.Category) {
			return model.OutcomeQueueApproval
		}
		return model.OutcomeAutoExecute
	case model.RiskLow, model.RiskMedium:
		return model.OutcomeQueueApproval
	case model.RiskHigh:
		return model.OutcomeEscalate
	default:
		return model.OutcomeReject
	}
}

func constraints(a model.Action) []string {
	var out []string
	if a.Metadata.Reversible {
		out = append(out, "checkpoint_before_execute")
	}
	if len(a.Metadata.Dependencies) > 0 {
		out = append(out, fmt.Sprintf("dependencies:%d", len(a.Metadata.Dependencies)))
	}
	return out
}

func financialFactor(value float64) model.RiskFactor {
	bandValue := valueBandCritical
	bandName := "critical"
	for _, b := range valueBands {
		if value < b.limit {
			bandValue = b.value
			bandName = b.name
			break
		}
	}
	return model.RiskFactor{
		Name:      "financial_value",
		Weight:    WeightFinancialValue,
		Value:     bandValue,
		Threshold: valueBands[len(valueBands)-1].limit,
		Exceeded:  value >= valueBands[len(valueBands)-1].limit,
		Reason:    fmt.Sprintf("estimated value $%.2f is %s", value, bandName),
	}
}

func reversibilityFactor(reversible bool) model.RiskFactor {
	f := model.RiskFactor{
		Name:      "reversibility",
		Weight:    WeightReversibility,
		Threshold: 50,
	}
	if reversible {
		f.Value = 5
		f.Reason = "action is reversible"
	} else {
		f.Value = 40
		f.Reason = "action cannot be rolled back"
	}
	f.Exceeded = f.Value > f.Threshold
	return f
}

func categoryFactor(cat model.Category) model.RiskFactor {
	v := categoryBase[cat]
	return model.RiskFactor{
		Name:      "category_base",
		Weight:    WeightCategoryBase,
		Value:     v,
		Threshold: 60,
		Exceeded:  v > 60,
		Reason:    fmt.Sprintf("base risk for category %s", cat),
	}
}

func urgencyFactor(u model.Urgency) model.RiskFactor {
	if u == "" {
		u = model.UrgencyNormal
	}
	v := urgencyRisk[u]
	return model.RiskFactor{
		Name:      "urgency",
		Weight:    WeightUrgency,
		Value:     v,
		Threshold: 70,
		Exceeded:  v > 70,
		Reason:    fmt.Sprintf("urgency %s", u),
	}
}

func visibilityFactor(cat model.Category) model.RiskFactor {
	v := categoryVisibility[cat]
	return model.RiskFactor{
		Name:      "external_visibility",
		Weight:    WeightVisibility,
		Value:     v,
		Threshold: 80,
		Exceeded:  v > 80,
		Reason:    fmt.Sprintf("visibility for category %s", cat),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
