package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/store"
)

// Gap intervals reported per integrity pass.
const gapReportLimit = 10

// verifyStartupIntegrity refuses to start on a holey chain when the
// operator asked for strict mode.
func (ix *Indexer) verifyStartupIntegrity(ctx context.Context) error {
	gaps, missing, err := ix.db.FindGaps(ctx, ix.db.Pool(), gapReportLimit)
	if err != nil {
		return fmt.Errorf("startup integrity check: %w", err)
	}
	if missing > 0 {
		return fmt.Errorf("startup integrity check: %d missing blocks, first gap [%d, %d]",
			missing, gaps[0].Start, gaps[0].End)
	}
	return nil
}

// integrityLoop periodically recomputes the contiguous watermark from the
// data itself and kicks off backfill for persistent gaps. The recompute is
// authoritative: it repairs any watermark drift left by crashes.
func (ix *Indexer) integrityLoop(ctx context.Context) {
	// First pass runs immediately so watermark drift left by a crash is
	// repaired at startup, not a full interval later.
	if err := ix.runIntegrityCheck(ctx); err != nil && ctx.Err() == nil {
		log.Indexer.Error().Err(err).Msg("integrity check failed")
	}

	ticker := time.NewTicker(ix.cfg.IntegrityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.runIntegrityCheck(ctx); err != nil && ctx.Err() == nil {
				log.Indexer.Error().Err(err).Msg("integrity check failed")
			}
		}
	}
}

func (ix *Indexer) runIntegrityCheck(ctx context.Context) error {
	pool := ix.db.Pool()

	min, err := ix.db.MinCanonicalHeight(ctx, pool)
	if errors.Is(err, store.ErrNotFound) {
		return nil // empty chain
	}
	if err != nil {
		return err
	}

	contiguous, err := ix.db.ContiguousFrom(ctx, pool, min)
	if err != nil {
		return err
	}
	if err := ix.db.SetContiguous(ctx, pool, ix.network, contiguous); err != nil {
		return err
	}
	ix.metrics.LastContiguous.Set(float64(contiguous))

	gaps, missing, err := ix.db.FindGaps(ctx, pool, gapReportLimit)
	if err != nil {
		return err
	}
	ix.metrics.MissingBlocks.Set(float64(missing))

	if missing == 0 {
		ix.clearGapTracking()
		log.Indexer.Debug().Int64("contiguous", contiguous).Msg("integrity check clean")
		return nil
	}

	log.Indexer.Warn().
		Int64("missing", missing).
		Int64("contiguous", contiguous).
		Interface("gaps", gaps).
		Msg("integrity check found gaps")

	if ix.cfg.AutoBackfill && ix.chain != nil {
		ix.backfillGaps(ctx, gaps)
	}
	return nil
}

// backfillGaps replays missing blocks from the upstream API. A gap must
// have been seen for the cooldown period first, so in-flight pushes are
// not raced.
func (ix *Indexer) backfillGaps(ctx context.Context, gaps []store.Gap) {
	due := ix.dueGaps(gaps)
	if len(due) == 0 {
		return
	}

	ix.backfilling.Store(true)
	defer ix.backfilling.Store(false)

	limiter := time.NewTicker(time.Second / time.Duration(ix.cfg.AutoBackfillRate))
	defer limiter.Stop()

	for _, gap := range due {
		for h := gap.Start; h <= gap.End; h++ {
			select {
			case <-ctx.Done():
				return
			case <-limiter.C:
			}
			if err := ix.replayBlock(ctx, h); err != nil {
				log.Indexer.Error().Err(err).Int64("height", h).Msg("backfill failed")
				break // fetch the rest of this gap next pass
			}
		}
	}
}

// Backfill replays an explicit height range through ingest. Exposed for
// the manual backfill endpoint.
func (ix *Indexer) Backfill(ctx context.Context, from, to int64) (int64, error) {
	if ix.chain == nil {
		return 0, errors.New("no upstream client configured")
	}
	if from < 1 || to < from {
		return 0, fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	var replayed int64
	for h := from; h <= to; h++ {
		if err := ix.replayBlock(ctx, h); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

func (ix *Indexer) replayBlock(ctx context.Context, height int64) error {
	bp, err := ix.chain.BlockByHeight(ctx, height)
	if err != nil {
		return err
	}
	if _, err := ix.IngestBlock(ctx, bp, IngestOptions{SelfSourced: true}); err != nil {
		return err
	}
	ix.metrics.BackfilledBlocks.Inc()
	return nil
}

// dueGaps filters to gaps past the cooldown, tracking first-seen times by
// gap start height.
func (ix *Indexer) dueGaps(gaps []store.Gap) []store.Gap {
	now := time.Now()

	ix.gapMu.Lock()
	defer ix.gapMu.Unlock()

	current := make(map[int64]bool, len(gaps))
	var due []store.Gap
	for _, g := range gaps {
		current[g.Start] = true
		seen, ok := ix.gapSeen[g.Start]
		if !ok {
			ix.gapSeen[g.Start] = now
			continue
		}
		if now.Sub(seen) >= ix.cfg.GapCooldown {
			due = append(due, g)
		}
	}

	// Forget gaps that closed on their own.
	for start := range ix.gapSeen {
		if !current[start] {
			delete(ix.gapSeen, start)
		}
	}
	return due
}

func (ix *Indexer) clearGapTracking() {
	ix.gapMu.Lock()
	defer ix.gapMu.Unlock()
	clear(ix.gapSeen)
}
