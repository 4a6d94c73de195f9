// Package node wires the pipeline services together and owns their
// lifecycle. One process can run any combination of the indexer, the
// delivery worker, and the view processor; all combinations coordinate
// through the shared store.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/secondlayer/streams/config"
	"github.com/secondlayer/streams/internal/indexer"
	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/parse"
	"github.com/secondlayer/streams/internal/store"
	"github.com/secondlayer/streams/internal/upstream"
	"github.com/secondlayer/streams/internal/views"
	"github.com/secondlayer/streams/internal/worker"
)

// shutdownTimeout bounds Stop: services that have not drained by then are
// abandoned.
const shutdownTimeout = 30 * time.Second

// Node is the running process: the store plus the enabled services.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db *store.Store

	ix       *indexer.Indexer
	ixServer *indexer.Server
	wrk      *worker.Worker
	proc     *views.Processor

	ctx    context.Context
	cancel context.CancelFunc
	errCh  chan error
}

// New initializes logging, opens the store, runs migrations, and builds
// the enabled services. Background goroutines start in Start.
func New(cfg *config.Config) (*Node, error) {
	log.Init(cfg.Log.Level, cfg.Log.JSON)
	logger := log.Node

	logger.Info().
		Str("network", string(cfg.Network)).
		Bool("indexer", cfg.Services.Indexer).
		Bool("worker", cfg.Services.Worker).
		Bool("views", cfg.Services.Views).
		Msg("starting streams pipeline")

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open store: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		logger: logger,
		db:     db,
		ctx:    ctx,
		cancel: cancel,
		errCh:  make(chan error, 4),
	}

	if cfg.Services.Indexer {
		client := upstream.New(cfg.Upstream.NodeURL, cfg.Upstream.APIURL, cfg.Upstream.Timeout)
		parser := parse.New(client)
		n.ix = indexer.New(cfg.Indexer, string(cfg.Network), db, parser, client)
		n.ixServer = indexer.NewServer(n.ix, cfg.Indexer.Port)
	}
	if cfg.Services.Worker {
		n.wrk = worker.New(cfg.Worker, cfg.Queue, db)
	}
	if cfg.Services.Views {
		n.proc = views.NewProcessor(cfg.Views, string(cfg.Network), db, views.NewRegistry())
	}

	return n, nil
}

// Start launches the enabled services. On any startup error the node is
// left stopped.
func (n *Node) Start() error {
	if n.ix != nil {
		if err := n.ix.Start(n.ctx); err != nil {
			return fmt.Errorf("start indexer: %w", err)
		}
		go func() {
			if err := n.ixServer.Start(); err != nil {
				n.errCh <- fmt.Errorf("ingest listener: %w", err)
			}
		}()
	}
	if n.wrk != nil {
		if err := n.wrk.Start(n.ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}
	if n.proc != nil {
		if err := n.proc.Start(n.ctx); err != nil {
			return fmt.Errorf("start view processor: %w", err)
		}
	}

	n.logger.Info().Msg("all services started")
	return nil
}

// Err surfaces fatal service errors after Start.
func (n *Node) Err() <-chan error {
	return n.errCh
}

// Stop shuts the services down in dataflow order: ingest listener first so
// no new work arrives, then the loops, then the store. Bounded by
// shutdownTimeout.
func (n *Node) Stop() {
	n.logger.Info().Msg("shutting down")
	deadline, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if n.ixServer != nil {
		if err := n.ixServer.Shutdown(deadline); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			n.logger.Error().Err(err).Msg("ingest listener shutdown")
		}
	}

	n.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if n.ix != nil {
			n.ix.Stop()
		}
		if n.wrk != nil {
			n.wrk.Stop()
		}
		if n.proc != nil {
			n.proc.Stop()
		}
	}()

	select {
	case <-done:
	case <-deadline.Done():
		n.logger.Warn().Msg("shutdown timeout, abandoning in-flight work")
	}

	n.db.Close()
	n.logger.Info().Msg("shutdown complete")
}
