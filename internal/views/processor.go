package views

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/secondlayer/streams/config"
	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/store"
)

// managedView is one loaded view with its parsed definition and resolved
// handler. running coalesces overlapping ticks: at most one goroutine
// advances a view at a time. gen counts rewinds; an advance that started
// before a rewind must not move the watermark past it.
type managedView struct {
	view    store.View
	def     *Definition
	handler Handler
	running atomic.Bool
	gen     uint64
}

// Processor advances every active view along the contiguous block stream.
// Views never read past last_contiguous_block, which bounds reorg rewinds
// to the chain tip.
type Processor struct {
	cfg     config.ViewsConfig
	network string
	db      *store.Store
	reg     *Registry

	mu    sync.RWMutex
	views map[string]*managedView

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewProcessor creates a view processor using the given handler registry.
func NewProcessor(cfg config.ViewsConfig, network string, db *store.Store, reg *Registry) *Processor {
	return &Processor{
		cfg:     cfg,
		network: network,
		db:      db,
		reg:     reg,
		views:   make(map[string]*managedView),
		done:    make(chan struct{}),
	}
}

// Start loads the registry, provisions schemas, and launches the
// processing loop plus the notification listener.
func (p *Processor) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.reload(ctx); err != nil {
		return fmt.Errorf("load views: %w", err)
	}

	notes := make(chan store.Notification, 16)
	listener := store.NewListener(p.db.URL(), store.ChannelViewChanges, store.ChannelViewReorg)
	go func() {
		if err := listener.Run(ctx, notes); ctx.Err() == nil {
			log.Views.Error().Err(err).Msg("view listener exited")
		}
	}()

	go p.run(ctx, notes)

	log.Views.Info().Int("views", len(p.views)).Msg("view processor started")
	return nil
}

// Stop cancels the loop and waits for in-flight view batches.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
	p.wg.Wait()
	log.Views.Info().Msg("view processor stopped")
}

// run ticks the processing loop and reacts to notifications. Registry
// reloads are debounced; reorg rewinds are immediate.
func (p *Processor) run(ctx context.Context, notes <-chan store.Notification) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var reloadAt <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.processAll(ctx)

		case n := <-notes:
			switch n.Channel {
			case store.ChannelViewChanges:
				// Collapse bursts of definition changes into one reload.
				reloadAt = time.After(p.cfg.ReloadDebounce)
			case store.ChannelViewReorg:
				p.handleReorg(ctx, n.Payload)
			}

		case <-reloadAt:
			reloadAt = nil
			if err := p.reload(ctx); err != nil && ctx.Err() == nil {
				log.Views.Error().Err(err).Msg("registry reload failed")
			}
		}
	}
}

// reload pulls active views from the store, validates them, provisions
// schemas, and pauses views whose stored hash no longer matches their
// definition (a migration event, out of scope for the processor).
func (p *Processor) reload(ctx context.Context) error {
	pool := p.db.Pool()
	rows, err := p.db.ListActiveViews(ctx, pool)
	if err != nil {
		return err
	}

	loaded := make(map[string]*managedView, len(rows))
	for _, v := range rows {
		mv, err := p.prepare(ctx, v)
		if err != nil {
			log.Views.Error().Err(err).Str("view", v.Name).Msg("view disabled")
			_ = p.db.RecordViewError(ctx, pool, v.Name, err.Error())
			_ = p.db.SetViewStatus(ctx, pool, v.Name, store.ViewPaused)
			continue
		}
		loaded[v.Name] = mv
	}

	p.mu.Lock()
	p.views = loaded
	p.mu.Unlock()

	log.Views.Info().Int("views", len(loaded)).Msg("view registry loaded")
	return nil
}

func (p *Processor) prepare(ctx context.Context, v store.View) (*managedView, error) {
	def, err := ParseDefinition(v.Definition)
	if err != nil {
		return nil, err
	}
	if v.SchemaHash != "" && v.SchemaHash != def.Hash() {
		return nil, fmt.Errorf("definition changed since hash %.12s, migration required", v.SchemaHash)
	}

	handler, ok := p.reg.Get(v.Handler)
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", v.Handler)
	}

	if err := EnsureSchema(ctx, p.db.Pool(), v.SchemaName, def); err != nil {
		return nil, err
	}
	return &managedView{view: v, def: def, handler: handler}, nil
}

// processAll advances every loaded view to the contiguous tip, a bounded
// number of them in parallel.
func (p *Processor) processAll(ctx context.Context) {
	progress, err := p.db.GetProgress(ctx, p.db.Pool(), p.network)
	if err != nil {
		if ctx.Err() == nil {
			log.Views.Error().Err(err).Msg("read progress failed")
		}
		return
	}
	target := progress.LastContiguous
	if target == 0 {
		return
	}

	p.mu.RLock()
	pending := make([]*managedView, 0, len(p.views))
	for _, mv := range p.views {
		if mv.view.LastProcessedBlock < target {
			pending = append(pending, mv)
		}
	}
	p.mu.RUnlock()

	sem := make(chan struct{}, p.cfg.Concurrency)
	for _, mv := range pending {
		if !mv.running.CompareAndSwap(false, true) {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mv.running.Store(false)
			return
		}
		p.wg.Add(1)
		go func(mv *managedView) {
			defer p.wg.Done()
			defer func() { <-sem }()
			defer mv.running.Store(false)
			p.advance(ctx, mv, target)
		}(mv)
	}
}

// advance processes blocks (lpb, target] one per transaction. A handler
// error pauses this view's progress for the error backoff; a rewind
// observed mid-run aborts so the next tick restarts from the rewound
// watermark.
func (p *Processor) advance(ctx context.Context, mv *managedView, target int64) {
	for {
		watermark, gen := p.watermark(mv.view.Name)
		height := watermark + 1
		if height > target || ctx.Err() != nil {
			return
		}
		if err := p.processBlock(ctx, mv, height); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Views.Error().Err(err).Str("view", mv.view.Name).Int64("height", height).Msg("handler failed")
			_ = p.db.RecordViewError(ctx, p.db.Pool(), mv.view.Name, err.Error())

			select {
			case <-time.After(p.cfg.ErrorBackoff):
			case <-ctx.Done():
			}
			return
		}
		if !p.completeBlock(mv.view.Name, height, gen) {
			return
		}
	}
}

func (p *Processor) processBlock(ctx context.Context, mv *managedView, height int64) error {
	return p.db.WithTx(ctx, func(tx pgx.Tx) error {
		// The shared lock serializes against reorg demotion: either this
		// transaction commits before the reorg does (and the rewind that
		// follows deletes its rows), or the demotion wins and the read
		// comes back not-found.
		block, err := p.db.CanonicalBlockAtLocked(ctx, tx, height)
		if errors.Is(err, store.ErrNotFound) {
			// Reorg between target computation and here; the rewind
			// notification will reset us.
			return fmt.Errorf("canonical block %d vanished", height)
		}
		if err != nil {
			return err
		}
		txs, err := p.db.TransactionsAt(ctx, tx, height)
		if err != nil {
			return err
		}
		events, err := p.db.EventsAt(ctx, tx, height)
		if err != nil {
			return err
		}

		if err := mv.handler.HandleBlock(ctx, tx, mv.view.SchemaName, block, txs, events); err != nil {
			return err
		}
		return p.db.AdvanceView(ctx, tx, mv.view.Name, height, 1)
	})
}

// handleReorg rewinds every view past the reorged height: derived rows at
// or above the height are deleted and the watermark drops to height-1, so
// the next loop re-derives from the new canonical data. Every view is
// swept, not just those whose in-memory watermark reached the height — an
// advance mid-commit lags the watermark, and the block lock in
// processBlock guarantees its rows are committed before this delete runs.
func (p *Processor) handleReorg(ctx context.Context, payload string) {
	var ev store.ViewReorgEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Views.Error().Err(err).Str("payload", payload).Msg("bad reorg notification")
		return
	}

	log.Views.Warn().Int64("height", ev.BlockHeight).Msg("rewinding views for reorg")

	p.mu.RLock()
	swept := make([]*managedView, 0, len(p.views))
	for _, mv := range p.views {
		swept = append(swept, mv)
	}
	p.mu.RUnlock()

	for _, mv := range swept {
		err := p.db.WithTx(ctx, func(tx pgx.Tx) error {
			deleted, err := DeleteFromHeight(ctx, tx, mv.view.SchemaName, mv.def, ev.BlockHeight)
			if err != nil {
				return err
			}
			if err := p.db.RewindView(ctx, tx, mv.view.Name, ev.BlockHeight-1); err != nil {
				return err
			}
			if deleted > 0 {
				log.Views.Info().
					Str("view", mv.view.Name).
					Int64("height", ev.BlockHeight).
					Int64("rows_deleted", deleted).
					Msg("view rewound")
			}
			return nil
		})
		if err != nil {
			log.Views.Error().Err(err).Str("view", mv.view.Name).Msg("rewind failed")
			continue
		}
		p.rewound(mv.view.Name, ev.BlockHeight)
	}
}

// rewound records a completed rewind in memory. Bumping gen invalidates
// any advance that was deriving the rewound height when the rewind ran.
func (p *Processor) rewound(name string, height int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mv, ok := p.views[name]
	if !ok {
		return
	}
	if mv.view.LastProcessedBlock >= height-1 {
		mv.gen++
	}
	if mv.view.LastProcessedBlock >= height {
		mv.view.LastProcessedBlock = height - 1
	}
}

func (p *Processor) watermark(name string) (int64, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if mv, ok := p.views[name]; ok {
		return mv.view.LastProcessedBlock, mv.gen
	}
	return 0, 0
}

// completeBlock advances the in-memory watermark, unless a rewind moved
// it underneath us while the block was in flight.
func (p *Processor) completeBlock(name string, height int64, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	mv, ok := p.views[name]
	if !ok || mv.gen != gen || mv.view.LastProcessedBlock != height-1 {
		return false
	}
	mv.view.LastProcessedBlock = height
	return true
}
