package riskscore

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/parashield-protocol/parashield/internal/idgen"
	"github.com/parashield-protocol/parashield/internal/peril"
)

const (
	maxWindowSize  = 200
	windowDuration = 7 * 24 * time.Hour

	weightVelocity  = 0.5
	weightRecency   = 0.35
	weightDiversity = 0.15
)

// Engine maintains per-subject signal windows and derives multipliers.
// It implements the dispatcher's observer hook and the premium RiskScorer.
type Engine struct {
	windows sync.Map // map[string]*subjectWindow
	store   Store
	now     func() time.Time
}

type subjectWindow struct {
	mu      sync.Mutex
	entries []SignalRecord
}

// NewEngine creates a risk-score engine backed by the given audit store.
// A nil store disables the audit trail.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RecordSignal appends an accepted detection to the subject's window.
func (e *Engine) RecordSignal(subject string, kind peril.RiskKind, at time.Time) {
	subject = strings.ToLower(subject)
	if subject == "" {
		return
	}
	w := e.getWindow(subject)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, SignalRecord{Kind: kind, At: at})
	e.pruneWindow(w)
}

// Multiplier evaluates the current dynamic multiplier for a subject.
// Subjects without recent history score neutral.
func (e *Engine) Multiplier(ctx context.Context, subject string) (int64, error) {
	subject = strings.ToLower(subject)
	w := e.getWindow(subject)
	w.mu.Lock()
	entries := e.snapshotEntries(w)
	w.mu.Unlock()

	factors := map[string]float64{
		"velocity":  e.velocityFactor(entries),
		"recency":   e.recencyFactor(entries),
		"diversity": e.diversityFactor(entries),
	}

	score := factors["velocity"]*weightVelocity +
		factors["recency"]*weightRecency +
		factors["diversity"]*weightDiversity
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}

	mult := NeutralMultiplierPct + int64(math.Round(score*float64(MaxMultiplierPct-NeutralMultiplierPct)))

	if e.store != nil {
		assessment := &Assessment{
			ID:            idgen.WithPrefix("risk_"),
			Subject:       subject,
			MultiplierPct: mult,
			SignalCount:   len(entries),
			Factors:       factors,
			EvaluatedAt:   e.now(),
		}
		// best-effort audit trail
		go func() {
			_ = e.store.Record(context.Background(), assessment)
		}()
	}

	return mult, nil
}

// History returns recent assessments for a subject.
func (e *Engine) History(ctx context.Context, subject string, limit int) ([]*Assessment, error) {
	if e.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListBySubject(ctx, strings.ToLower(subject), limit)
}

func (e *Engine) getWindow(subject string) *subjectWindow {
	v, _ := e.windows.LoadOrStore(subject, &subjectWindow{})
	return v.(*subjectWindow)
}

// snapshotEntries returns a copy of non-expired entries (caller holds lock).
func (e *Engine) snapshotEntries(w *subjectWindow) []SignalRecord {
	cutoff := e.now().Add(-windowDuration)
	result := make([]SignalRecord, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.At.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

// pruneWindow drops entries older than the window and caps size (caller
// holds lock).
func (e *Engine) pruneWindow(w *subjectWindow) {
	cutoff := e.now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].At.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// velocityFactor: signal count over the last 24h. One signal is already
// serious for an insured subject; four or more saturate the factor.
func (e *Engine) velocityFactor(entries []SignalRecord) float64 {
	dayAgo := e.now().Add(-24 * time.Hour)
	count := 0
	for _, entry := range entries {
		if entry.At.After(dayAgo) {
			count++
		}
	}
	score := float64(count) / 4.0
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// recencyFactor decays from 1.0 at the moment of the latest signal to 0.0
// at the window horizon.
func (e *Engine) recencyFactor(entries []SignalRecord) float64 {
	if len(entries) == 0 {
		return 0.0
	}
	latest := entries[0].At
	for _, entry := range entries[1:] {
		if entry.At.After(latest) {
			latest = entry.At
		}
	}
	age := e.now().Sub(latest)
	if age < 0 {
		age = 0
	}
	if age >= windowDuration {
		return 0.0
	}
	return 1.0 - float64(age)/float64(windowDuration)
}

// diversityFactor: distinct risk kinds seen in the window. A subject
// tripping multiple detection rules is worse than one noisy rule.
func (e *Engine) diversityFactor(entries []SignalRecord) float64 {
	seen := make(map[peril.RiskKind]bool)
	for _, entry := range entries {
		seen[entry.Kind] = true
	}
	switch {
	case len(seen) >= 3:
		return 1.0
	case len(seen) == 2:
		return 0.6
	case len(seen) == 1:
		return 0.3
	default:
		return 0.0
	}
}
