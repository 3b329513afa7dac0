package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/parashield-protocol/parashield/internal/circuitbreaker"
	"github.com/parashield-protocol/parashield/internal/peril"
	"github.com/parashield-protocol/parashield/internal/retry"
)

// SignalSink receives classified risk signals. In production this is the
// claim dispatcher; origin identifies the feed instance for the allowlist.
type SignalSink interface {
	Dispatch(ctx context.Context, sig *peril.RiskSignal, origin string) (accepted bool, err error)
}

// ChainConfig configures one chain subscription.
type ChainConfig struct {
	ChainID    uint64
	RPCURL     string
	StartBlock uint64 // 0 = latest
}

// FeedConfig configures the multi-chain log feed.
type FeedConfig struct {
	Chains       []ChainConfig
	PollInterval time.Duration
	Origin       string // logical listener identity presented to the dispatcher
}

// DefaultFeedConfig returns sensible polling defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{PollInterval: 15 * time.Second}
}

// headerTimeCache memoizes block timestamps per chain to avoid refetching
// headers for logs in the same block.
type headerTimeCache struct {
	mu    sync.Mutex
	times map[uint64]time.Time
}

func (c *headerTimeCache) get(n uint64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.times[n]
	return t, ok
}

func (c *headerTimeCache) put(n uint64, t time.Time) {
	c.mu.Lock()
	if len(c.times) > 256 {
		c.times = make(map[uint64]time.Time)
	}
	c.times[n] = t
	c.mu.Unlock()
}

// logSource is the subset of ethclient.Client the feed reads from.
type logSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// errTransient marks per-log failures caused by RPC unavailability rather
// than log content. The poll cursor is not advanced past them, so the same
// block range is re-fetched on the next tick.
var errTransient = errors.New("transient rpc failure")

// chainFeed polls one chain for subscribed log signatures.
type chainFeed struct {
	cfg       ChainConfig
	client    logSource
	lastBlock uint64
	headers   headerTimeCache
}

// Feed polls every configured chain for the four subscribed signatures,
// classifies each log, and pushes resulting signals into the sink.
type Feed struct {
	cfg        FeedConfig
	classifier *Classifier
	sink       SignalSink
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger

	feeds []*chainFeed

	stop chan struct{}
	done chan struct{}
}

// NewFeed connects to every configured chain RPC endpoint.
func NewFeed(cfg FeedConfig, cls *Classifier, sink SignalSink, logger *slog.Logger) (*Feed, error) {
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("classifier: no chains configured")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultFeedConfig().PollInterval
	}

	f := &Feed{
		cfg:        cfg,
		classifier: cls,
		sink:       sink,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, chain := range cfg.Chains {
		client, err := ethclient.Dial(chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("classifier: connect chain %d: %w", chain.ChainID, err)
		}
		f.feeds = append(f.feeds, &chainFeed{
			cfg:     chain,
			client:  client,
			headers: headerTimeCache{times: make(map[uint64]time.Time)},
		})
	}
	return f, nil
}

// Start initializes block cursors and begins polling.
func (f *Feed) Start(ctx context.Context) error {
	for _, cf := range f.feeds {
		if cf.cfg.StartBlock != 0 {
			cf.lastBlock = cf.cfg.StartBlock
			continue
		}
		block, err := cf.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("classifier: chain %d block number: %w", cf.cfg.ChainID, err)
		}
		cf.lastBlock = block
	}

	f.logger.Info("event feed started",
		"chains", len(f.feeds),
		"poll_interval", f.cfg.PollInterval.String(),
		"origin", f.cfg.Origin,
	)

	go f.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (f *Feed) Stop() {
	close(f.stop)
	<-f.done
}

func (f *Feed) pollLoop(ctx context.Context) {
	defer close(f.done)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			if f.classifier.Paused() {
				continue
			}
			for _, cf := range f.feeds {
				key := strconv.FormatUint(cf.cfg.ChainID, 10)
				if !f.breaker.Allow(key) {
					continue
				}
				if err := f.pollChain(ctx, cf); err != nil {
					f.breaker.RecordFailure(key)
					f.logger.Error("chain poll failed", "chain", cf.cfg.ChainID, "error", err)
				} else {
					f.breaker.RecordSuccess(key)
				}
			}
		}
	}
}

func (f *Feed) pollChain(ctx context.Context, cf *chainFeed) error {
	var currentBlock uint64
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		currentBlock, err = cf.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	if currentBlock <= cf.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(cf.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Topics:    [][]common.Hash{SubscribedSignatures()},
	}

	var logs []types.Log
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		logs, err = cf.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := f.processLog(ctx, cf, vLog); err != nil {
			if errors.Is(err, errTransient) {
				// Leave the cursor where it is so the whole range is
				// re-fetched next tick; re-emitted signals for logs that
				// already went through are deduplicated by the dispatcher.
				return fmt.Errorf("process log tx %s: %w", vLog.TxHash.Hex(), err)
			}
			f.logger.Error("malformed log skipped",
				"chain", cf.cfg.ChainID,
				"tx", vLog.TxHash.Hex(),
				"error", err,
			)
		}
	}

	cf.lastBlock = currentBlock
	return nil
}

func (f *Feed) processLog(ctx context.Context, cf *chainFeed, vLog types.Log) error {
	at, err := f.blockTime(ctx, cf, vLog.BlockNumber)
	if err != nil {
		return fmt.Errorf("%w: block time: %v", errTransient, err)
	}

	sig, err := f.classifier.Classify(ChainLog{
		SourceChain: cf.cfg.ChainID,
		Address:     vLog.Address,
		Topics:      vLog.Topics,
		Data:        vLog.Data,
		Time:        at,
	})
	if err != nil {
		return err
	}
	if sig == nil {
		return nil
	}

	accepted, err := f.sink.Dispatch(ctx, sig, f.cfg.Origin)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", sig.ID, err)
	}
	if !accepted {
		f.logger.Debug("signal suppressed by dispatcher", "signal_id", sig.ID)
	}
	return nil
}

func (f *Feed) blockTime(ctx context.Context, cf *chainFeed, blockNumber uint64) (time.Time, error) {
	if t, ok := cf.headers.get(blockNumber); ok {
		return t, nil
	}
	header, err := cf.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, err
	}
	t := time.Unix(int64(header.Time), 0).UTC()
	cf.headers.put(blockNumber, t)
	return t, nil
}
