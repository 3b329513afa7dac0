// Package riskscore derives dynamic risk multipliers from detection history.
//
// Every signal the dispatcher accepts is recorded into a per-subject sliding
// window. The multiplier starts at a neutral 100 percent and climbs with
// signal velocity, recency, and kind diversity, capped at 300. Premium
// quoting consults it so subjects with recent incident history pay more.
package riskscore

import (
	"context"
	"time"

	"github.com/parashield-protocol/parashield/internal/peril"
)

// Neutral and maximum multiplier values in percent.
const (
	NeutralMultiplierPct = 100
	MaxMultiplierPct     = 300
)

// Assessment is one multiplier evaluation, persisted for audit.
type Assessment struct {
	ID            string             `json:"id"`
	Subject       string             `json:"subject"`
	MultiplierPct int64              `json:"multiplierPct"`
	SignalCount   int                `json:"signalCount"`
	Factors       map[string]float64 `json:"factors"`
	EvaluatedAt   time.Time          `json:"evaluatedAt"`
}

// SignalRecord is one remembered detection for a subject.
type SignalRecord struct {
	Kind peril.RiskKind
	At   time.Time
}

// Store persists assessments for audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListBySubject(ctx context.Context, subject string, limit int) ([]*Assessment, error)
}
