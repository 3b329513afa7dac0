// Package dispatch gates the flow of risk signals into the claims engine.
//
// The dispatcher is the sole ordering and dedup mechanism between the
// classifier and the claims engine: the upstream cross-chain transport is
// at-least-once and possibly delayed, so every signal passes an
// authorized-listener check and a per-(target, kind) cooldown before a
// claim is forwarded. Cooldown-suppressed duplicates are silently skipped,
// never errors, so the automated pipeline is not griefed by routine
// re-detections.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parashield-protocol/parashield/internal/claims"
	"github.com/parashield-protocol/parashield/internal/metrics"
	"github.com/parashield-protocol/parashield/internal/peril"
	"github.com/parashield-protocol/parashield/internal/traces"
)

var (
	ErrUnauthorizedListener = errors.New("dispatch: listener not authorized")
	ErrInvalidSignal        = errors.New("dispatch: invalid signal")
)

// DefaultCooldownPeriod is the minimum time between accepted dispatches for
// the same (target, kind) pair.
const DefaultCooldownPeriod = time.Hour

// ClaimsEngine processes a dispatched claim, scoped to (target, asset).
type ClaimsEngine interface {
	ProcessContractClaims(ctx context.Context, origin, target, asset string, evidence []byte) (int, error)
}

// SignalObserver is notified of every accepted signal. Used to feed the
// dynamic risk-score engine.
type SignalObserver interface {
	RecordSignal(target string, kind peril.RiskKind, at time.Time)
}

// Broadcaster pushes pipeline events to observers (the realtime hub).
type Broadcaster interface {
	ClaimDispatched(sig *peril.RiskSignal, claimed int)
}

// cooldownKey identifies one cooldown slot.
type cooldownKey struct {
	target string
	kind   peril.RiskKind
}

// Dispatcher enforces listener authorization and per-(target, kind)
// cooldowns, and forwards eligible signals to the claims engine exactly
// once per cooldown window.
type Dispatcher struct {
	mu           sync.Mutex
	claims       ClaimsEngine
	listeners    map[string]bool
	cooldown     time.Duration
	lastDispatch map[cooldownKey]time.Time

	observer SignalObserver
	events   Broadcaster
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a dispatcher forwarding into the given claims engine.
func New(claims ClaimsEngine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		claims:       claims,
		listeners:    make(map[string]bool),
		cooldown:     DefaultCooldownPeriod,
		lastDispatch: make(map[cooldownKey]time.Time),
		now:          time.Now,
		logger:       logger,
	}
}

// WithObserver attaches a signal observer for dynamic risk scoring.
func (d *Dispatcher) WithObserver(o SignalObserver) *Dispatcher {
	d.observer = o
	return d
}

// WithBroadcaster attaches a realtime event broadcaster.
func (d *Dispatcher) WithBroadcaster(b Broadcaster) *Dispatcher {
	d.events = b
	return d
}

// WithClock overrides the time source (for tests).
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// AuthorizeListener adds a logical origin identity to the allowlist.
func (d *Dispatcher) AuthorizeListener(origin string) {
	d.mu.Lock()
	d.listeners[peril.NormalizeAddress(origin)] = true
	d.mu.Unlock()
	d.logger.Info("listener authorized", "origin", origin)
}

// DeauthorizeListener removes a logical origin identity from the allowlist.
func (d *Dispatcher) DeauthorizeListener(origin string) {
	d.mu.Lock()
	delete(d.listeners, peril.NormalizeAddress(origin))
	d.mu.Unlock()
	d.logger.Info("listener deauthorized", "origin", origin)
}

// SetCooldownPeriod updates the cooldown window for future dispatches.
func (d *Dispatcher) SetCooldownPeriod(period time.Duration) error {
	if period <= 0 {
		return errors.New("dispatch: cooldown period must be positive")
	}
	d.mu.Lock()
	d.cooldown = period
	d.mu.Unlock()
	d.logger.Info("cooldown period updated", "period", period.String())
	return nil
}

// CooldownPeriod returns the current cooldown window.
func (d *Dispatcher) CooldownPeriod() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cooldown
}

// claimScope maps a signal onto the (target, asset) pair the claims engine
// settles against. Exhaustive over the closed kind set.
func claimScope(sig *peril.RiskSignal) (target, asset string, err error) {
	switch sig.Kind {
	case peril.KindExploit:
		return sig.Target, "", nil
	case peril.KindDepeg:
		return sig.Asset, sig.Asset, nil
	case peril.KindBridgeFailure:
		return sig.Target, "", nil
	case peril.KindVolatility:
		return "", sig.Asset, nil
	default:
		return "", "", fmt.Errorf("%w: kind %d", peril.ErrInvalidRiskKind, uint8(sig.Kind))
	}
}

// Dispatch forwards one signal to the claims engine, subject to the
// allowlist and cooldown gates. Returns (false, nil) for cooldown-suppressed
// duplicates. On a claims-engine failure the cooldown stamp is rolled back
// so the whole call has no effect.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *peril.RiskSignal, origin string) (bool, error) {
	if sig == nil || !sig.Kind.Valid() {
		return false, ErrInvalidSignal
	}

	d.mu.Lock()
	if !d.listeners[peril.NormalizeAddress(origin)] {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnauthorizedListener, origin)
	}

	key := cooldownKey{target: cooldownTarget(sig), kind: sig.Kind}
	now := d.now()
	if last, ok := d.lastDispatch[key]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		metrics.ClaimsSuppressed.WithLabelValues("cooldown").Inc()
		d.logger.Debug("signal suppressed by cooldown",
			"signal_id", sig.ID,
			"kind", sig.Kind.String(),
			"target", key.target,
		)
		return false, nil
	}
	prev, hadPrev := d.lastDispatch[key]
	d.lastDispatch[key] = now
	d.mu.Unlock()

	claimed, err := d.forward(ctx, sig, now)
	if err != nil {
		// Roll back the cooldown stamp: the call must be all-or-nothing.
		d.mu.Lock()
		if hadPrev {
			d.lastDispatch[key] = prev
		} else {
			delete(d.lastDispatch, key)
		}
		d.mu.Unlock()
		return false, err
	}

	if d.observer != nil {
		d.observer.RecordSignal(key.target, sig.Kind, sig.ObservedAt)
	}
	if d.events != nil {
		d.events.ClaimDispatched(sig, claimed)
	}
	metrics.ClaimsDispatched.WithLabelValues(sig.Kind.String()).Inc()
	d.logger.Info("claim dispatched",
		"signal_id", sig.ID,
		"kind", sig.Kind.String(),
		"target", key.target,
		"policies_claimed", claimed,
	)
	return true, nil
}

// ManualTrigger forwards an operator-constructed claim, bypassing the
// cooldown gate. It uses the same evidence format as the automated path and
// stamps the cooldown slot so routine detections do not immediately
// double-pay the same event.
func (d *Dispatcher) ManualTrigger(ctx context.Context, kind peril.RiskKind, target, asset string, details map[string]string) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: kind %d", peril.ErrInvalidRiskKind, uint8(kind))
	}
	now := d.now()
	ev := &peril.Evidence{
		Kind:         kind,
		Target:       peril.NormalizeAddress(target),
		Asset:        peril.NormalizeAddress(asset),
		Details:      details,
		ObservedAt:   now,
		DispatchedAt: now,
	}
	blob, err := ev.Encode()
	if err != nil {
		return 0, err
	}

	claimed, err := d.claims.ProcessContractClaims(ctx, originManual, ev.Target, ev.Asset, blob)
	if err != nil {
		return 0, err
	}

	ckTarget := ev.Target
	if ckTarget == "" {
		ckTarget = ev.Asset
	}
	d.mu.Lock()
	d.lastDispatch[cooldownKey{target: ckTarget, kind: kind}] = now
	d.mu.Unlock()

	metrics.ClaimsDispatched.WithLabelValues(kind.String()).Inc()
	d.logger.Warn("manual claim trigger",
		"kind", kind.String(),
		"target", ev.Target,
		"asset", ev.Asset,
		"policies_claimed", claimed,
	)
	return claimed, nil
}

// originManual is the claims-processor identity used by the operator path.
const originManual = "manual"

// cooldownTarget picks the identifier the cooldown is keyed on. Volatility
// signals carry no target, so the asset stands in.
func cooldownTarget(sig *peril.RiskSignal) string {
	if sig.Target != "" {
		return sig.Target
	}
	return sig.Asset
}

func (d *Dispatcher) forward(ctx context.Context, sig *peril.RiskSignal, now time.Time) (int, error) {
	ctx, span := traces.StartSpan(ctx, "dispatch.forward",
		traces.Kind(sig.Kind.String()),
		traces.Target(sig.Target),
	)
	defer span.End()

	target, asset, err := claimScope(sig)
	if err != nil {
		return 0, err
	}
	blob, err := peril.SignalEvidence(sig, now).Encode()
	if err != nil {
		return 0, err
	}

	claimed, err := d.claims.ProcessContractClaims(ctx, PipelineProcessor, target, asset, blob)
	if err != nil {
		// A signal for a pair with no indexed policies is a normal outcome
		// on the automated path: the cooldown stamp stands, nothing to pay.
		if errors.Is(err, claims.ErrNoPoliciesIndexed) {
			return 0, nil
		}
		return 0, fmt.Errorf("dispatch: claims engine: %w", err)
	}
	return claimed, nil
}

// PipelineProcessor is the claims-processor identity used by the automated path.
const PipelineProcessor = "dispatcher"
