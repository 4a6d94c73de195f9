package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/secondlayer/streams/config"
	"github.com/secondlayer/streams/internal/store"
)

func newTestIndexer(t *testing.T, cfg config.IndexerConfig) *Indexer {
	t.Helper()
	return New(cfg, "testnet", nil, nil, nil)
}

func TestIndexerStartsInNormalMode(t *testing.T) {
	ix := newTestIndexer(t, config.IndexerConfig{})
	if ix.Mode() != ModeNormal {
		t.Fatalf("mode = %s, want %s", ix.Mode(), ModeNormal)
	}
}

func TestRecordPushRevertsPollingMode(t *testing.T) {
	ix := newTestIndexer(t, config.IndexerConfig{})
	ix.mode.Store(ModePolling)

	ix.recordPush()

	if ix.Mode() != ModeNormal {
		t.Fatalf("mode = %s, want %s after push", ix.Mode(), ModeNormal)
	}
	if ix.sinceLastPush() > time.Second {
		t.Fatal("push clock not reset")
	}
}

func TestTipFollowerTickWaitsForSilence(t *testing.T) {
	ix := newTestIndexer(t, config.IndexerConfig{TipFollowerTimeout: time.Hour})
	ix.recordPush()

	// Inside the silence window the tick must not flip modes. A nil chain
	// would panic if polling were attempted.
	ix.tipFollowerTick(context.Background())

	if ix.Mode() != ModeNormal {
		t.Fatalf("mode = %s, want %s", ix.Mode(), ModeNormal)
	}
}

func TestDueGapsHonorsCooldown(t *testing.T) {
	ix := newTestIndexer(t, config.IndexerConfig{GapCooldown: 5 * time.Minute})
	gaps := []store.Gap{{Start: 100, End: 105}}

	if due := ix.dueGaps(gaps); len(due) != 0 {
		t.Fatalf("fresh gap already due: %v", due)
	}

	// Age the first-seen record past the cooldown.
	ix.gapMu.Lock()
	ix.gapSeen[100] = time.Now().Add(-10 * time.Minute)
	ix.gapMu.Unlock()

	due := ix.dueGaps(gaps)
	if len(due) != 1 || due[0].Start != 100 {
		t.Fatalf("aged gap not due: %v", due)
	}
}

func TestDueGapsForgetsClosedGaps(t *testing.T) {
	ix := newTestIndexer(t, config.IndexerConfig{GapCooldown: 5 * time.Minute})

	ix.dueGaps([]store.Gap{{Start: 100, End: 105}})
	ix.dueGaps(nil) // gap closed by an in-flight push

	ix.gapMu.Lock()
	_, tracked := ix.gapSeen[100]
	ix.gapMu.Unlock()
	if tracked {
		t.Fatal("closed gap still tracked")
	}
}
