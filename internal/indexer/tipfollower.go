package indexer

import (
	"context"
	"time"

	"github.com/secondlayer/streams/internal/log"
)

// tipFollowerLoop watches for upstream push silence. After the timeout it
// switches to polling mode and pulls blocks from highest_seen+1 to the
// node tip, replaying each through ingest. The first real push reverts to
// normal mode; the revert condition is checked every iteration so the
// switch is prompt.
func (ix *Indexer) tipFollowerLoop(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.TipFollowerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.tipFollowerTick(ctx)
		}
	}
}

func (ix *Indexer) tipFollowerTick(ctx context.Context) {
	if ix.sinceLastPush() < ix.cfg.TipFollowerTimeout {
		return
	}

	// Coalesce: a slow poll must not stack with the next tick.
	if !ix.polling.CompareAndSwap(false, true) {
		return
	}
	defer ix.polling.Store(false)

	if ix.mode.Load().(string) != ModePolling {
		ix.mode.Store(ModePolling)
		log.Indexer.Warn().
			Dur("silence", ix.sinceLastPush()).
			Msg("no pushes received, switching to polling mode")
	}

	if err := ix.pollToTip(ctx); err != nil && ctx.Err() == nil {
		log.Indexer.Error().Err(err).Msg("tip poll failed")
	}
}

func (ix *Indexer) pollToTip(ctx context.Context) error {
	tip, err := ix.chain.TipHeight(ctx)
	if err != nil {
		return err
	}

	progress, err := ix.db.GetProgress(ctx, ix.db.Pool(), ix.network)
	if err != nil {
		return err
	}
	if tip <= progress.HighestSeen {
		return nil
	}

	log.Indexer.Info().
		Int64("from", progress.HighestSeen+1).
		Int64("tip", tip).
		Msg("polling blocks to tip")

	for h := progress.HighestSeen + 1; h <= tip; h++ {
		// A real push flips us back to normal; stop pulling immediately.
		if ix.mode.Load().(string) != ModePolling {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := ix.replayBlock(ctx, h); err != nil {
			return err
		}
		ix.polled.Add(1)
	}
	return nil
}
