package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/parashield-protocol/parashield/internal/peril"
)

const (
	listenerOrigin = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	targetAddr     = "0x3333333333333333333333333333333333333333"
	assetAddr      = "0x2222222222222222222222222222222222222222"
)

type claimCall struct {
	origin, target, asset string
	evidence              []byte
}

// mockEngine records claim forwards and returns a fixed result.
type mockEngine struct {
	calls   []claimCall
	claimed int
	err     error
}

func (m *mockEngine) ProcessContractClaims(ctx context.Context, origin, target, asset string, evidence []byte) (int, error) {
	m.calls = append(m.calls, claimCall{origin, target, asset, evidence})
	if m.err != nil {
		return 0, m.err
	}
	return m.claimed, nil
}

type recordedSignal struct {
	target string
	kind   peril.RiskKind
	at     time.Time
}

type mockObserver struct {
	signals []recordedSignal
}

func (m *mockObserver) RecordSignal(target string, kind peril.RiskKind, at time.Time) {
	m.signals = append(m.signals, recordedSignal{target, kind, at})
}

func newTestDispatcher(engine ClaimsEngine) (*Dispatcher, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := New(engine, slog.Default()).WithClock(func() time.Time { return now })
	d.AuthorizeListener(listenerOrigin)
	return d, &now
}

func exploitSignal(id string) *peril.RiskSignal {
	return &peril.RiskSignal{
		ID:          id,
		Kind:        peril.KindExploit,
		Target:      targetAddr,
		SourceChain: 1,
		Amount:      "2000000",
		ObservedAt:  time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
	}
}

func TestDispatchForwardsToClaims(t *testing.T) {
	engine := &mockEngine{claimed: 2}
	d, _ := newTestDispatcher(engine)

	accepted, err := d.Dispatch(context.Background(), exploitSignal("sig_1"), listenerOrigin)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !accepted {
		t.Fatal("expected signal accepted")
	}
	if len(engine.calls) != 1 {
		t.Fatalf("claims calls = %d, want 1", len(engine.calls))
	}

	call := engine.calls[0]
	if call.origin != "dispatcher" {
		t.Errorf("origin = %q, want dispatcher", call.origin)
	}
	if call.target != targetAddr || call.asset != "" {
		t.Errorf("scope = (%q, %q), want (%q, \"\")", call.target, call.asset, targetAddr)
	}

	ev, err := peril.DecodeEvidence(call.evidence)
	if err != nil {
		t.Fatalf("decode evidence: %v", err)
	}
	if ev.Kind != peril.KindExploit {
		t.Errorf("evidence kind = %s", ev.Kind)
	}
	if ev.Details["signalId"] != "sig_1" {
		t.Errorf("evidence signalId = %q", ev.Details["signalId"])
	}
}

func TestDispatchUnauthorizedListener(t *testing.T) {
	engine := &mockEngine{}
	d, _ := newTestDispatcher(engine)

	_, err := d.Dispatch(context.Background(), exploitSignal("sig_1"), "0xdeadbeef")
	if !errors.Is(err, ErrUnauthorizedListener) {
		t.Fatalf("expected ErrUnauthorizedListener, got %v", err)
	}
	if len(engine.calls) != 0 {
		t.Error("unauthorized signal must not reach the claims engine")
	}

	d.DeauthorizeListener(listenerOrigin)
	if _, err := d.Dispatch(context.Background(), exploitSignal("sig_2"), listenerOrigin); !errors.Is(err, ErrUnauthorizedListener) {
		t.Errorf("deauthorized listener should be rejected, got %v", err)
	}
}

func TestDispatchCooldownSuppression(t *testing.T) {
	engine := &mockEngine{claimed: 1}
	d, now := newTestDispatcher(engine)

	accepted, err := d.Dispatch(context.Background(), exploitSignal("sig_1"), listenerOrigin)
	if err != nil || !accepted {
		t.Fatalf("first dispatch: accepted=%v err=%v", accepted, err)
	}

	// Repeated detections inside the window are suppressed, not errors.
	for i := 0; i < 3; i++ {
		accepted, err = d.Dispatch(context.Background(), exploitSignal("sig_dup"), listenerOrigin)
		if err != nil {
			t.Fatalf("duplicate dispatch errored: %v", err)
		}
		if accepted {
			t.Fatal("duplicate inside cooldown was accepted")
		}
	}
	if len(engine.calls) != 1 {
		t.Fatalf("claims calls = %d, want 1", len(engine.calls))
	}

	// A different (target, kind) slot is unaffected.
	other := exploitSignal("sig_other")
	other.Target = assetAddr
	if accepted, err = d.Dispatch(context.Background(), other, listenerOrigin); err != nil || !accepted {
		t.Fatalf("different target dispatch: accepted=%v err=%v", accepted, err)
	}

	// After the window passes the original slot reopens.
	*now = now.Add(DefaultCooldownPeriod + time.Minute)
	if accepted, err = d.Dispatch(context.Background(), exploitSignal("sig_late"), listenerOrigin); err != nil || !accepted {
		t.Fatalf("post-cooldown dispatch: accepted=%v err=%v", accepted, err)
	}
	if len(engine.calls) != 3 {
		t.Fatalf("claims calls = %d, want 3", len(engine.calls))
	}
}

func TestDispatchCooldownRollbackOnFailure(t *testing.T) {
	engine := &mockEngine{err: errors.New("pool offline")}
	d, _ := newTestDispatcher(engine)

	if _, err := d.Dispatch(context.Background(), exploitSignal("sig_1"), listenerOrigin); err == nil {
		t.Fatal("expected error from claims engine")
	}

	// The failed dispatch must not burn the cooldown slot.
	engine.err = nil
	engine.claimed = 1
	accepted, err := d.Dispatch(context.Background(), exploitSignal("sig_2"), listenerOrigin)
	if err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	if !accepted {
		t.Error("retry after failure should be accepted immediately")
	}
}

func TestDispatchScopeMapping(t *testing.T) {
	cases := []struct {
		name       string
		sig        *peril.RiskSignal
		wantTarget string
		wantAsset  string
	}{
		{
			"exploit keyed by target",
			&peril.RiskSignal{ID: "s1", Kind: peril.KindExploit, Target: targetAddr, ObservedAt: time.Now()},
			targetAddr, "",
		},
		{
			"bridge failure keyed by target",
			&peril.RiskSignal{ID: "s2", Kind: peril.KindBridgeFailure, Target: targetAddr, ObservedAt: time.Now()},
			targetAddr, "",
		},
		{
			"depeg keyed by token on both sides",
			&peril.RiskSignal{ID: "s3", Kind: peril.KindDepeg, Asset: assetAddr, ObservedAt: time.Now()},
			assetAddr, assetAddr,
		},
		{
			"volatility keyed by asset",
			&peril.RiskSignal{ID: "s4", Kind: peril.KindVolatility, Asset: assetAddr, ObservedAt: time.Now()},
			"", assetAddr,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &mockEngine{claimed: 1}
			d, _ := newTestDispatcher(engine)
			if _, err := d.Dispatch(context.Background(), tc.sig, listenerOrigin); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			call := engine.calls[0]
			if call.target != tc.wantTarget || call.asset != tc.wantAsset {
				t.Errorf("scope = (%q, %q), want (%q, %q)", call.target, call.asset, tc.wantTarget, tc.wantAsset)
			}
		})
	}
}

func TestDispatchInvalidSignal(t *testing.T) {
	d, _ := newTestDispatcher(&mockEngine{})
	if _, err := d.Dispatch(context.Background(), nil, listenerOrigin); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("nil signal: got %v", err)
	}
	bad := exploitSignal("sig_1")
	bad.Kind = peril.RiskKind(99)
	if _, err := d.Dispatch(context.Background(), bad, listenerOrigin); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("invalid kind: got %v", err)
	}
}

func TestDispatchNotifiesObserver(t *testing.T) {
	engine := &mockEngine{claimed: 1}
	observer := &mockObserver{}
	d, _ := newTestDispatcher(engine)
	d.WithObserver(observer)

	sig := exploitSignal("sig_1")
	if _, err := d.Dispatch(context.Background(), sig, listenerOrigin); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(observer.signals) != 1 {
		t.Fatalf("observer signals = %d, want 1", len(observer.signals))
	}
	rec := observer.signals[0]
	if rec.target != targetAddr || rec.kind != peril.KindExploit || !rec.at.Equal(sig.ObservedAt) {
		t.Errorf("unexpected recorded signal %+v", rec)
	}

	// Suppressed duplicates are not recorded.
	if _, err := d.Dispatch(context.Background(), exploitSignal("sig_dup"), listenerOrigin); err != nil {
		t.Fatalf("duplicate dispatch: %v", err)
	}
	if len(observer.signals) != 1 {
		t.Errorf("observer signals = %d after suppressed duplicate, want 1", len(observer.signals))
	}
}

func TestManualTriggerBypassesCooldown(t *testing.T) {
	engine := &mockEngine{claimed: 1}
	d, _ := newTestDispatcher(engine)

	// Burn the cooldown slot through the automated path.
	if _, err := d.Dispatch(context.Background(), exploitSignal("sig_1"), listenerOrigin); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	claimed, err := d.ManualTrigger(context.Background(), peril.KindExploit, targetAddr, "", map[string]string{"incident": "INC-42"})
	if err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	if claimed != 1 {
		t.Errorf("claimed = %d, want 1", claimed)
	}
	if len(engine.calls) != 2 {
		t.Fatalf("claims calls = %d, want 2", len(engine.calls))
	}
	if engine.calls[1].origin != "manual" {
		t.Errorf("manual origin = %q", engine.calls[1].origin)
	}
}

func TestManualTriggerStampsCooldown(t *testing.T) {
	engine := &mockEngine{claimed: 1}
	d, _ := newTestDispatcher(engine)

	if _, err := d.ManualTrigger(context.Background(), peril.KindExploit, targetAddr, "", nil); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}

	// The automated path now sees a fresh stamp for the same slot.
	accepted, err := d.Dispatch(context.Background(), exploitSignal("sig_1"), listenerOrigin)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if accepted {
		t.Error("dispatch right after manual trigger should be suppressed")
	}
}

func TestSetCooldownPeriod(t *testing.T) {
	d, now := newTestDispatcher(&mockEngine{claimed: 1})
	if err := d.SetCooldownPeriod(0); err == nil {
		t.Error("zero cooldown should be rejected")
	}
	if err := d.SetCooldownPeriod(10 * time.Minute); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}
	if d.CooldownPeriod() != 10*time.Minute {
		t.Errorf("cooldown = %s", d.CooldownPeriod())
	}

	if _, err := d.Dispatch(context.Background(), exploitSignal("sig_1"), listenerOrigin); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	*now = now.Add(11 * time.Minute)
	accepted, err := d.Dispatch(context.Background(), exploitSignal("sig_2"), listenerOrigin)
	if err != nil || !accepted {
		t.Errorf("dispatch after shortened cooldown: accepted=%v err=%v", accepted, err)
	}
}
