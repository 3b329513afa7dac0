package peril

import (
	"encoding/json"
	"fmt"
	"time"
)

// Evidence is the opaque structured record attached to a claim. It carries
// the detection parameters that justified the claim. Downstream consumers
// check it for presence and kind, not for semantic validity.
type Evidence struct {
	Kind         RiskKind          `json:"kind"`
	Target       string            `json:"target,omitempty"`
	Asset        string            `json:"asset,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	ObservedAt   time.Time         `json:"observedAt"`
	DispatchedAt time.Time         `json:"dispatchedAt"`
}

// Encode serializes the evidence into its wire form.
func (e *Evidence) Encode() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRiskKind, uint8(e.Kind))
	}
	return json.Marshal(e)
}

// DecodeEvidence parses an evidence blob. Empty blobs are rejected.
func DecodeEvidence(b []byte) (*Evidence, error) {
	if len(b) == 0 {
		return nil, ErrEmptyEvidence
	}
	var e Evidence
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("peril: malformed evidence: %w", err)
	}
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRiskKind, uint8(e.Kind))
	}
	return &e, nil
}

// SignalEvidence builds the evidence blob for an accepted signal.
func SignalEvidence(sig *RiskSignal, dispatchedAt time.Time) *Evidence {
	details := map[string]string{
		"signalId":    sig.ID,
		"sourceChain": fmt.Sprintf("%d", sig.SourceChain),
	}
	if sig.Amount != "" {
		details["amount"] = sig.Amount
	}
	if sig.OldPrice != 0 {
		details["oldPrice"] = fmt.Sprintf("%d", sig.OldPrice)
	}
	if sig.NewPrice != 0 {
		details["newPrice"] = fmt.Sprintf("%d", sig.NewPrice)
	}
	if !sig.WindowStart.IsZero() {
		details["windowStart"] = sig.WindowStart.UTC().Format(time.RFC3339)
	}
	return &Evidence{
		Kind:         sig.Kind,
		Target:       sig.Target,
		Asset:        sig.Asset,
		Details:      details,
		ObservedAt:   sig.ObservedAt,
		DispatchedAt: dispatchedAt,
	}
}
