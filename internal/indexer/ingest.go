package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/parse"
	"github.com/secondlayer/streams/internal/store"
)

// IngestOptions modify a single ingest call.
type IngestOptions struct {
	// SelfSourced marks replays originating from this process (backfill,
	// tip polling). They do not reset the tip-follower clock and their
	// jobs carry the backfill flag.
	SelfSourced bool
}

// IngestResult reports what one ingest call persisted.
type IngestResult struct {
	Status       string `json:"status"`
	BlockHeight  int64  `json:"block_height"`
	Transactions int    `json:"transactions"`
	Events       int    `json:"events"`
	JobsEnqueued int64  `json:"jobs_enqueued"`
}

// Ingest statuses.
const (
	StatusOK        = "ok"
	StatusDuplicate = "duplicate"
)

var errDuplicateBlock = errors.New("duplicate block")

// IngestBlock persists one block payload. Idempotent by (height, hash):
// re-pushing a stored canonical block is a duplicate no-op. A different
// hash at an already-canonical height is a reorg: the old block is
// demoted, its unfinished jobs failed, and a view_reorg notification is
// published atomically with the new block.
func (ix *Indexer) IngestBlock(ctx context.Context, bp *parse.BlockPayload, opts IngestOptions) (*IngestResult, error) {
	started := time.Now()

	block, err := ix.parser.Block(bp)
	if err != nil {
		return nil, fmt.Errorf("parse block: %w", err)
	}
	if !opts.SelfSourced {
		ix.recordPush()
		// Out-of-order means not the successor of the previous push.
		if prev := ix.lastReceived.Swap(block.Height); prev > 0 && block.Height != prev+1 {
			ix.metrics.OutOfOrder.Set(float64(ix.outOfOrder.Add(1)))
		}
	}

	txs := ix.parser.Transactions(ctx, block.Height, bp.Transactions)
	events := ix.parser.Events(block.Height, bp.Events)

	err = ix.db.WithTx(ctx, func(tx pgx.Tx) error {
		return ix.persistBlock(ctx, tx, block, txs, events)
	})
	if errors.Is(err, errDuplicateBlock) {
		ix.metrics.Duplicates.Inc()
		log.Indexer.Debug().Int64("height", block.Height).Str("hash", block.Hash).Msg("duplicate block")
		return &IngestResult{Status: StatusDuplicate, BlockHeight: block.Height}, nil
	}
	if err != nil {
		return nil, err
	}

	enqueued, err := ix.enqueueJobs(ctx, block.Height, opts.SelfSourced)
	if err != nil {
		// The block is committed; jobs for it will be enqueued again on a
		// replay or picked up by stream backfill.
		log.Indexer.Error().Err(err).Int64("height", block.Height).Msg("enqueue after commit failed")
	}

	ix.metrics.BlocksIngested.Inc()
	ix.metrics.HighestSeen.Set(float64(block.Height))
	ix.metrics.IngestDuration.Observe(time.Since(started).Seconds())

	log.Indexer.Info().
		Int64("height", block.Height).
		Str("hash", block.Hash).
		Int("txs", len(txs)).
		Int("events", len(events)).
		Int64("jobs", enqueued).
		Bool("self_sourced", opts.SelfSourced).
		Msg("block ingested")

	return &IngestResult{
		Status:       StatusOK,
		BlockHeight:  block.Height,
		Transactions: len(txs),
		Events:       len(events),
		JobsEnqueued: enqueued,
	}, nil
}

func (ix *Indexer) persistBlock(ctx context.Context, tx pgx.Tx, block *store.Block, txs []store.Transaction, events []store.Event) error {
	existing, err := ix.db.CanonicalBlockAt(ctx, tx, block.Height)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if existing != nil {
		if existing.Hash == block.Hash {
			return errDuplicateBlock
		}
		if err := ix.handleReorg(ctx, tx, existing, block); err != nil {
			return err
		}
	}

	ix.checkParentContinuity(ctx, tx, block)

	if err := ix.db.UpsertBlock(ctx, tx, block); err != nil {
		return err
	}
	if err := ix.db.InsertTransactions(ctx, tx, txs); err != nil {
		return err
	}
	if err := ix.db.InsertEvents(ctx, tx, events); err != nil {
		return err
	}

	return ix.advanceWatermarks(ctx, tx, block.Height)
}

// handleReorg demotes the displaced block, fails its unfinished jobs, and
// notifies view processors. All inside the ingest transaction so the
// notification fires only if the new block commits.
func (ix *Indexer) handleReorg(ctx context.Context, tx pgx.Tx, old, repl *store.Block) error {
	log.Indexer.Warn().
		Int64("height", old.Height).
		Str("old_hash", old.Hash).
		Str("new_hash", repl.Hash).
		Msg("reorg detected")

	if err := ix.db.MarkNonCanonical(ctx, tx, old.Height); err != nil {
		return err
	}
	failed, err := ix.db.FailJobsAtHeight(ctx, tx, old.Height, "reorg")
	if err != nil {
		return err
	}
	if failed > 0 {
		log.Indexer.Info().Int64("height", old.Height).Int64("jobs", failed).Msg("failed jobs for reorged block")
	}

	payload, err := json.Marshal(store.ViewReorgEvent{
		BlockHeight: old.Height,
		OldHash:     old.Hash,
		NewHash:     repl.Hash,
	})
	if err != nil {
		return err
	}
	if err := ix.db.Notify(ctx, tx, store.ChannelViewReorg, string(payload)); err != nil {
		return err
	}

	ix.metrics.Reorgs.Inc()
	return nil
}

// checkParentContinuity warns when a block's parent hash does not match
// the stored canonical parent, or when no parent is indexed at all.
// Ingest proceeds anyway: the upstream is authoritative, and the
// integrity loop repairs gaps.
func (ix *Indexer) checkParentContinuity(ctx context.Context, tx pgx.Tx, block *store.Block) {
	if block.Height <= 1 {
		return
	}
	parent, err := ix.db.CanonicalBlockAt(ctx, tx, block.Height-1)
	if errors.Is(err, store.ErrNotFound) {
		ix.metrics.ParentMismatch.Inc()
		log.Indexer.Warn().
			Int64("height", block.Height).
			Str("parent_hash", block.ParentHash).
			Msg("parent block not indexed")
		return
	}
	if err != nil {
		return
	}
	if parent.Hash != block.ParentHash {
		ix.metrics.ParentMismatch.Inc()
		log.Indexer.Warn().
			Int64("height", block.Height).
			Str("parent_hash", block.ParentHash).
			Str("stored_parent", parent.Hash).
			Msg("parent hash mismatch")
	}
}

// advanceWatermarks ratchets the progress row. The contiguous watermark
// only moves when this block extends the contiguous run (or starts one on
// a fresh database); anything else is the integrity loop's job.
func (ix *Indexer) advanceWatermarks(ctx context.Context, tx pgx.Tx, height int64) error {
	progress, err := ix.db.GetProgress(ctx, tx, ix.network)
	if err != nil {
		return err
	}

	contiguous := progress.LastContiguous
	switch {
	case height == progress.LastContiguous+1 && progress.LastContiguous > 0:
		contiguous, err = ix.db.ContiguousFrom(ctx, tx, height)
		if err != nil {
			return err
		}
	case progress.LastContiguous == 0:
		min, err := ix.db.MinCanonicalHeight(ctx, tx)
		if err != nil {
			return err
		}
		contiguous, err = ix.db.ContiguousFrom(ctx, tx, min)
		if err != nil {
			return err
		}
	}

	ix.metrics.LastContiguous.Set(float64(contiguous))
	return ix.db.AdvanceProgress(ctx, tx, &store.IndexProgress{
		Network:        ix.network,
		LastIndexed:    height,
		LastContiguous: contiguous,
		HighestSeen:    height,
	})
}

// enqueueJobs creates one pending job per active stream and wakes the
// workers. Runs after the block commit so workers never claim a job whose
// block is invisible to them.
func (ix *Indexer) enqueueJobs(ctx context.Context, height int64, backfill bool) (int64, error) {
	pool := ix.db.Pool()
	streams, err := ix.db.ListActiveStreams(ctx, pool)
	if err != nil {
		return 0, err
	}
	if len(streams) == 0 {
		return 0, nil
	}

	ids := make([]string, len(streams))
	for i, st := range streams {
		ids[i] = st.ID
	}

	enqueued, err := ix.db.EnqueueJobs(ctx, pool, ids, height, backfill)
	if err != nil {
		return 0, err
	}
	if enqueued > 0 {
		ix.metrics.JobsEnqueued.Add(float64(enqueued))
		if err := ix.db.NotifyNewJob(ctx, pool); err != nil {
			return enqueued, err
		}
	}
	return enqueued, nil
}
