// Package model defines the core domain types for the veto governance
// pipeline: actions, risk assessments, decisions, approval requests,
// execution results, checkpoints, audit entries, and boundary config.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category classifies the kind of work an action performs.
type Category string

const (
	CategoryTrading       Category = "trading"
	CategoryContent       Category = "content"
	CategoryBuild         Category = "build"
	CategoryDeployment    Category = "deployment"
	CategoryConfiguration Category = "configuration"
)

// KnownCategory reports whether c is one of the defined categories.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryTrading, CategoryContent, CategoryBuild, CategoryDeployment, CategoryConfiguration:
		return true
	}
	return false
}

// Urgency is the producer-declared time pressure on an action.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ActionMetadata carries the producer-supplied facts the classifier and
// boundary checker score against. All fields are optional except Reversible.
type ActionMetadata struct {
	EstimatedValue float64  `json:"estimated_value,omitempty"`
	Reversible     bool     `json:"reversible"`
	Urgency        Urgency  `json:"urgency,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	LinesChanged   int      `json:"lines_changed,omitempty"`
	FilesChanged   int      `json:"files_changed,omitempty"`
}

// Action is a proposed operation submitted for governance.
// Created once by a producer and immutable thereafter.
type Action struct {
	ID          uuid.UUID         `json:"id"`
	Engine      string            `json:"engine"`
	Category    Category          `json:"category"`
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Metadata    ActionMetadata    `json:"metadata"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ValidateAction checks the shape of a submitted action. Malformed actions
// are rejected before any pipeline state is created.
func ValidateAction(a Action) error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("model: action id is required")
	}
	if a.Type == "" {
		return fmt.Errorf("model: action type is required")
	}
	if a.Engine == "" {
		return fmt.Errorf("model: action engine is required")
	}
	if !KnownCategory(a.Category) {
		return fmt.Errorf("model: unknown action category %q", a.Category)
	}
	if a.Metadata.EstimatedValue < 0 {
		return fmt.Errorf("model: estimated value must be non-negative")
	}
	switch a.Metadata.Urgency {
	case "", UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
	default:
		return fmt.Errorf("model: unknown urgency %q", a.Metadata.Urgency)
	}
	return nil
}
