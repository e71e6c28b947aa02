package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the categorical danger level of an action.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Level score cut points. A score s maps to the first level whose cut point
// it does not exceed; anything above 80 is critical.
const (
	LevelCutSafe   = 20.0
	LevelCutLow    = 40.0
	LevelCutMedium = 60.0
	LevelCutHigh   = 80.0
)

// LevelForScore maps a 0-100 risk score to its categorical level.
// Monotonic in score.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score <= LevelCutSafe:
		return RiskSafe
	case score <= LevelCutLow:
		return RiskLow
	case score <= LevelCutMedium:
		return RiskMedium
	case score <= LevelCutHigh:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RiskFactor is one weighted contribution to a risk score.
type RiskFactor struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Exceeded  bool    `json:"exceeded"`
	Reason    string  `json:"reason,omitempty"`
}

// RiskAssessment is the scored, leveled evaluation of an action.
// Created once per action; immutable.
type RiskAssessment struct {
	ActionID       uuid.UUID    `json:"action_id"`
	Level          RiskLevel    `json:"level"`
	Score          float64      `json:"score"`
	Factors        []RiskFactor `json:"factors"`
	Recommendation Outcome      `json:"recommendation"`
	Constraints    []string     `json:"constraints,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}
