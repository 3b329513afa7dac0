// Package classifier turns raw chain log records into typed risk signals.
//
// The classifier owns all detection state: per-target transfer windows for
// exploit detection, depeg streak timers, bridge failure latches, and last
// observed prices for volatility. State advances monotonically by log
// timestamp; stale or malformed records never corrupt it.
package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parashield-protocol/parashield/internal/idgen"
	"github.com/parashield-protocol/parashield/internal/metrics"
	"github.com/parashield-protocol/parashield/internal/money"
	"github.com/parashield-protocol/parashield/internal/peril"
)

var (
	ErrMalformedLog = errors.New("classifier: malformed log record")
	ErrPaused       = errors.New("classifier: subscriptions paused")
)

// ChainLog is a single raw log record delivered by the event feed.
type ChainLog struct {
	SourceChain uint64
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	Time        time.Time // block timestamp
}

// Config holds the detection thresholds, one group per risk kind.
type Config struct {
	// Exploit: rapid large-transfer detection.
	LargeTransferThreshold *big.Int // base units
	RapidTransferCount     int
	RapidTransferWindow    time.Duration

	// Depeg: sustained below-threshold price streaks.
	PriceThreshold int64 // scaled by 1e8 (0.95 = 95_000_000)
	DepegDuration  time.Duration

	// Volatility: single-step price moves.
	VolatilityThresholdBps int64 // |Δp|/prior in basis points
	VolatilityTimeWindow   time.Duration
}

// DefaultConfig returns the production detection thresholds.
func DefaultConfig() Config {
	return Config{
		LargeTransferThreshold: money.FromTokens(1_000_000),
		RapidTransferCount:     5,
		RapidTransferWindow:    10 * time.Minute,
		PriceThreshold:         95_000_000, // 0.95 USD
		DepegDuration:          30 * time.Minute,
		VolatilityThresholdBps: 2_000, // 20%
		VolatilityTimeWindow:   time.Hour,
	}
}

func (c Config) validate() error {
	if c.LargeTransferThreshold == nil || c.LargeTransferThreshold.Sign() <= 0 {
		return errors.New("classifier: large transfer threshold must be positive")
	}
	if c.RapidTransferCount < 2 {
		return errors.New("classifier: rapid transfer count must be at least 2")
	}
	if c.RapidTransferWindow <= 0 || c.DepegDuration <= 0 || c.VolatilityTimeWindow <= 0 {
		return errors.New("classifier: detection windows must be positive")
	}
	if c.PriceThreshold <= 0 {
		return errors.New("classifier: price threshold must be positive")
	}
	if c.VolatilityThresholdBps <= 0 {
		return errors.New("classifier: volatility threshold must be positive")
	}
	return nil
}

// pricePoint is the last observed (price, timestamp) pair for a token.
type pricePoint struct {
	price int64
	at    time.Time
}

// Classifier is the event-classification state machine. All detection state
// is owned here and mutated only under the classifier's lock.
type Classifier struct {
	mu     sync.Mutex
	cfg    Config
	paused bool

	targets *TargetSet

	transferWindows map[string]*transferWindow // exploit: per monitored contract
	depegSince      map[string]time.Time       // depeg: streak start per stablecoin
	bridgeFailed    map[string]bool            // bridge: permanent latch
	lastPrices      map[string]pricePoint      // volatility: per token

	lastSeen map[string]time.Time // "kind:target" high-water timestamps

	logger *slog.Logger
}

// New creates a classifier with the given thresholds.
func New(cfg Config, logger *slog.Logger) (*Classifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		cfg:             cfg,
		targets:         NewTargetSet(),
		transferWindows: make(map[string]*transferWindow),
		depegSince:      make(map[string]time.Time),
		bridgeFailed:    make(map[string]bool),
		lastPrices:      make(map[string]pricePoint),
		lastSeen:        make(map[string]time.Time),
		logger:          logger,
	}, nil
}

// Targets exposes the monitored-target registry for admin operations.
func (c *Classifier) Targets() *TargetSet {
	return c.targets
}

// Config returns a copy of the current detection thresholds.
func (c *Classifier) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.cfg
	cfg.LargeTransferThreshold = new(big.Int).Set(c.cfg.LargeTransferThreshold)
	return cfg
}

// UpdateConfig replaces the detection thresholds. Existing detection state
// is kept; only future classifications use the new values.
func (c *Classifier) UpdateConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("detection thresholds updated",
		"rapid_transfer_count", cfg.RapidTransferCount,
		"price_threshold", cfg.PriceThreshold,
		"volatility_bps", cfg.VolatilityThresholdBps,
	)
	return nil
}

// Pause suspends classification; Classify returns ErrPaused until Resume.
func (c *Classifier) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.logger.Warn("classifier paused")
}

// Resume re-enables classification.
func (c *Classifier) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.logger.Info("classifier resumed")
}

// Paused reports whether classification is suspended.
func (c *Classifier) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Classify consumes one log record and returns zero or one risk signal.
// Malformed records fail the call without touching state. Records for
// unmonitored targets and records that match no subscribed signature
// return (nil, nil).
func (c *Classifier) Classify(rec ChainLog) (*peril.RiskSignal, error) {
	if len(rec.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}
	if rec.Time.IsZero() {
		return nil, fmt.Errorf("%w: zero timestamp", ErrMalformedLog)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return nil, ErrPaused
	}

	var (
		sig *peril.RiskSignal
		err error
	)
	switch rec.Topics[0] {
	case TransferEventSig:
		metrics.LogsObserved.WithLabelValues("transfer").Inc()
		sig, err = c.classifyTransfer(rec)
	case BridgeEventSig:
		metrics.LogsObserved.WithLabelValues("bridge").Inc()
		sig, err = c.classifyBridgeEvent(rec)
	case PriceUpdateEventSig:
		metrics.LogsObserved.WithLabelValues("price").Inc()
		sig, err = c.classifyPriceUpdate(rec)
	case SwapEventSig:
		// Accepted but unused: reserved extension point for liquidity rules.
		metrics.LogsObserved.WithLabelValues("swap").Inc()
		return nil, nil
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sig != nil {
		sig.ID = idgen.WithPrefix("sig_")
		sig.SourceChain = rec.SourceChain
		metrics.SignalsDetected.WithLabelValues(sig.Kind.String()).Inc()
		c.logger.Info("risk event detected",
			"signal_id", sig.ID,
			"kind", sig.Kind.String(),
			"target", sig.Target,
			"asset", sig.Asset,
			"source_chain", sig.SourceChain,
		)
	}
	return sig, nil
}

// advanceClock enforces monotonic per-(kind, target) state. It returns false
// for stale records, which are dropped without mutating detection state.
func (c *Classifier) advanceClock(kind peril.RiskKind, target string, at time.Time) bool {
	key := kind.String() + ":" + target
	if last, ok := c.lastSeen[key]; ok && at.Before(last) {
		metrics.LogsDroppedStale.WithLabelValues(kind.String()).Inc()
		return false
	}
	c.lastSeen[key] = at
	return true
}
