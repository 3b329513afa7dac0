package classifier

import (
	"fmt"
	"time"

	"github.com/parashield-protocol/parashield/internal/money"
	"github.com/parashield-protocol/parashield/internal/peril"
)

// transferWindow is a fixed-capacity ring buffer of large-transfer
// timestamps for one monitored contract. Sized to RapidTransferCount so the
// buffer always holds exactly the most recent batch the exploit predicate
// inspects; there is no reset discontinuity.
type transferWindow struct {
	times []time.Time
	head  int // next write position
	count int
}

func newTransferWindow(capacity int) *transferWindow {
	return &transferWindow{times: make([]time.Time, capacity)}
}

func (w *transferWindow) add(t time.Time) {
	w.times[w.head] = t
	w.head = (w.head + 1) % len(w.times)
	if w.count < len(w.times) {
		w.count++
	}
}

func (w *transferWindow) full() bool {
	return w.count == len(w.times)
}

// oldest returns the earliest timestamp in the buffer. Only meaningful when
// the buffer is full.
func (w *transferWindow) oldest() time.Time {
	if w.count < len(w.times) {
		return w.times[0]
	}
	return w.times[w.head]
}

// classifyTransfer applies the exploit rule: N transfers at or above the
// large-transfer threshold to the same monitored contract, with the whole
// batch inside the rapid-transfer window.
func (c *Classifier) classifyTransfer(rec ChainLog) (*peril.RiskSignal, error) {
	if len(rec.Topics) < 3 {
		return nil, fmt.Errorf("%w: transfer log needs 3 topics", ErrMalformedLog)
	}
	recipient := peril.NormalizeAddress(topicAddress(rec.Topics[2]))
	if !c.targets.IsContract(recipient) {
		return nil, nil
	}

	amount, err := decodeTransferAmount(rec.Data)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(c.cfg.LargeTransferThreshold) < 0 {
		return nil, nil
	}
	if !c.advanceClock(peril.KindExploit, recipient, rec.Time) {
		return nil, nil
	}

	w, ok := c.transferWindows[recipient]
	if !ok || len(w.times) != c.cfg.RapidTransferCount {
		// New target, or the configured batch size changed underneath us.
		w = newTransferWindow(c.cfg.RapidTransferCount)
		c.transferWindows[recipient] = w
	}
	w.add(rec.Time)

	if !w.full() {
		return nil, nil
	}
	oldest := w.oldest()
	if rec.Time.Sub(oldest) > c.cfg.RapidTransferWindow {
		return nil, nil
	}

	return &peril.RiskSignal{
		Kind:        peril.KindExploit,
		Target:      recipient,
		Amount:      money.Format(amount),
		WindowStart: oldest,
		ObservedAt:  rec.Time,
	}, nil
}

// classifyBridgeEvent applies the bridge-failure rule: the first
// failure-flagged operation per monitored bridge signals and latches forever.
func (c *Classifier) classifyBridgeEvent(rec ChainLog) (*peril.RiskSignal, error) {
	if len(rec.Topics) < 3 {
		return nil, fmt.Errorf("%w: bridge log needs 3 topics", ErrMalformedLog)
	}
	bridge := peril.NormalizeAddress(rec.Address.Hex())
	if !c.targets.IsBridge(bridge) {
		return nil, nil
	}

	failed := rec.Topics[2].Big().Sign() != 0
	if !failed {
		return nil, nil
	}
	if !c.advanceClock(peril.KindBridgeFailure, bridge, rec.Time) {
		return nil, nil
	}
	if c.bridgeFailed[bridge] {
		return nil, nil // latched
	}
	c.bridgeFailed[bridge] = true

	return &peril.RiskSignal{
		Kind:       peril.KindBridgeFailure,
		Target:     bridge,
		ObservedAt: rec.Time,
	}, nil
}

// classifyPriceUpdate runs the depeg rule for monitored stablecoins and the
// volatility rule for monitored tokens. A feed address may be in both sets;
// at most one signal is returned per record, depeg taking precedence, but
// volatility state is advanced on every observation either way.
func (c *Classifier) classifyPriceUpdate(rec ChainLog) (*peril.RiskSignal, error) {
	if len(rec.Topics) < 3 {
		return nil, fmt.Errorf("%w: price log needs 3 topics", ErrMalformedLog)
	}
	addr := peril.NormalizeAddress(rec.Address.Hex())

	stable := c.targets.IsStablecoin(addr)
	token := c.targets.IsToken(addr)
	if !stable && !token {
		return nil, nil
	}

	price, err := decodePrice(rec.Topics[1])
	if err != nil {
		return nil, err
	}

	var depegSig, volSig *peril.RiskSignal
	if stable {
		depegSig = c.applyDepegRule(addr, price, rec.Time)
	}
	if token {
		volSig = c.applyVolatilityRule(addr, price, rec.Time)
	}
	if depegSig != nil {
		return depegSig, nil
	}
	return volSig, nil
}

// applyDepegRule maintains the below-threshold streak timer for one
// stablecoin. The streak re-arms after signaling; any at/above-threshold
// observation resets it unconditionally.
func (c *Classifier) applyDepegRule(asset string, price int64, at time.Time) *peril.RiskSignal {
	if !c.advanceClock(peril.KindDepeg, asset, at) {
		return nil
	}

	if price >= c.cfg.PriceThreshold {
		delete(c.depegSince, asset)
		return nil
	}

	since, ok := c.depegSince[asset]
	if !ok {
		c.depegSince[asset] = at
		return nil
	}
	if at.Sub(since) < c.cfg.DepegDuration {
		return nil
	}

	delete(c.depegSince, asset) // re-arm for a future depeg
	return &peril.RiskSignal{
		Kind:        peril.KindDepeg,
		Target:      asset,
		Asset:       asset,
		NewPrice:    price,
		WindowStart: since,
		ObservedAt:  at,
	}
}

// applyVolatilityRule compares each price update against the last recorded
// observation. The last (price, timestamp) pair is updated on every call
// whether or not a signal fires; the first observation never signals.
func (c *Classifier) applyVolatilityRule(asset string, price int64, at time.Time) *peril.RiskSignal {
	if !c.advanceClock(peril.KindVolatility, asset, at) {
		return nil
	}

	prior, seen := c.lastPrices[asset]
	c.lastPrices[asset] = pricePoint{price: price, at: at}

	if !seen || prior.price <= 0 {
		return nil
	}
	if at.Sub(prior.at) > c.cfg.VolatilityTimeWindow {
		return nil
	}

	delta := price - prior.price
	if delta < 0 {
		delta = -delta
	}
	changeBps := delta * 10_000 / prior.price
	if changeBps <= c.cfg.VolatilityThresholdBps {
		return nil
	}

	return &peril.RiskSignal{
		Kind:       peril.KindVolatility,
		Asset:      asset,
		OldPrice:   prior.price,
		NewPrice:   price,
		ObservedAt: at,
	}
}
