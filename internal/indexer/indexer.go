// Package indexer ingests new-block payloads, maintains canonical chain
// state with reorg handling, advances the contiguous-tip watermark, and
// enqueues per-stream delivery jobs. Background loops self-heal gaps by
// polling the upstream node.
package indexer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/secondlayer/streams/config"
	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/parse"
	"github.com/secondlayer/streams/internal/store"
)

// Chain is the pull side of the upstream node, used for tip polling and
// gap backfill.
type Chain interface {
	TipHeight(ctx context.Context) (int64, error)
	BlockByHeight(ctx context.Context, height int64) (*parse.BlockPayload, error)
}

// Mode of the tip follower.
const (
	ModeNormal  = "normal"
	ModePolling = "polling"
)

// Indexer is the block ingest service.
type Indexer struct {
	cfg     config.IndexerConfig
	network string
	db      *store.Store
	parser  *parse.Parser
	chain   Chain
	metrics *Metrics

	// Tip follower state. lastPush is a unix-nano timestamp; mode flips
	// between normal and polling; polling holds the coalescing flag.
	lastPush atomic.Int64
	mode     atomic.Value
	polling  atomic.Bool

	// Process-local observability counters, surfaced on /health. Never
	// authoritative; watermarks in the store are.
	lastReceived atomic.Int64
	outOfOrder   atomic.Int64
	polled       atomic.Int64
	backfilling  atomic.Bool

	// Gap first-seen times for the backfill cooldown.
	gapMu   sync.Mutex
	gapSeen map[int64]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an indexer. chain may be nil when both the tip follower and
// auto-backfill are disabled.
func New(cfg config.IndexerConfig, network string, db *store.Store, parser *parse.Parser, chain Chain) *Indexer {
	ix := &Indexer{
		cfg:     cfg,
		network: network,
		db:      db,
		parser:  parser,
		chain:   chain,
		metrics: newMetrics(),
		gapSeen: make(map[int64]time.Time),
	}
	ix.mode.Store(ModeNormal)
	ix.lastPush.Store(time.Now().UnixNano())
	return ix
}

// Metrics exposes the collectors for the HTTP server.
func (ix *Indexer) Metrics() *Metrics {
	return ix.metrics
}

// Mode returns the current tip-follower mode.
func (ix *Indexer) Mode() string {
	return ix.mode.Load().(string)
}

// Start launches the integrity and tip-follower loops.
func (ix *Indexer) Start(ctx context.Context) error {
	ctx, ix.cancel = context.WithCancel(ctx)

	if ix.cfg.RequireIntegrity {
		if err := ix.verifyStartupIntegrity(ctx); err != nil {
			return err
		}
	}

	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		ix.integrityLoop(ctx)
	}()

	if ix.cfg.TipFollowerEnabled && ix.chain != nil {
		ix.wg.Add(1)
		go func() {
			defer ix.wg.Done()
			ix.tipFollowerLoop(ctx)
		}()
	}

	log.Indexer.Info().
		Str("network", ix.network).
		Bool("tip_follower", ix.cfg.TipFollowerEnabled).
		Bool("auto_backfill", ix.cfg.AutoBackfill).
		Msg("indexer started")
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (ix *Indexer) Stop() {
	if ix.cancel != nil {
		ix.cancel()
	}
	ix.wg.Wait()
	log.Indexer.Info().Msg("indexer stopped")
}

// recordPush resets the tip-follower silence clock and reverts polling
// mode. Self-sourced replays skip this so backfill does not mask real
// upstream silence.
func (ix *Indexer) recordPush() {
	ix.lastPush.Store(time.Now().UnixNano())
	if ix.mode.Load().(string) == ModePolling {
		ix.mode.Store(ModeNormal)
		log.Indexer.Info().Msg("external push received, back to normal mode")
	}
}

func (ix *Indexer) sinceLastPush() time.Duration {
	return time.Duration(time.Now().UnixNano() - ix.lastPush.Load())
}
