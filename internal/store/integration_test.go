//go:build integration

package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL, applies migrations, and
// truncates all pipeline tables so each test starts clean.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	require.NoError(t, Migrate(url))

	s, err := Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(context.Background(), `
		TRUNCATE blocks, transactions, events, index_progress,
		         streams, stream_metrics, jobs, deliveries, views CASCADE`)
	require.NoError(t, err)
	return s
}

func seedBlock(t *testing.T, s *Store, height int64, hash, parent string) {
	t.Helper()
	require.NoError(t, s.UpsertBlock(context.Background(), s.Pool(), &Block{
		Height: height, Hash: hash, ParentHash: parent,
	}))
}

func seedStream(t *testing.T, s *Store, name string) *Stream {
	t.Helper()
	st := &Stream{
		Name:          name,
		Status:        StreamActive,
		Filters:       json.RawMessage(`{}`),
		Options:       json.RawMessage(`{}`),
		WebhookURL:    "http://localhost:9999/hook",
		WebhookSecret: "whsec_test",
	}
	require.NoError(t, s.CreateStream(context.Background(), s.Pool(), st))
	return st
}

func TestUpsertBlockIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedBlock(t, s, 100, "0xaa", "0x99")
	seedBlock(t, s, 100, "0xaa", "0x99") // same block again

	b, err := s.CanonicalBlockAt(ctx, s.Pool(), 100)
	require.NoError(t, err)
	assert.Equal(t, "0xaa", b.Hash)
	assert.True(t, b.Canonical)
}

func TestCanonicalFlipKeepsOldRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedBlock(t, s, 100, "0xaa", "0x99")
	require.NoError(t, s.MarkNonCanonical(ctx, s.Pool(), 100))
	seedBlock(t, s, 100, "0xbb", "0x99")

	canonical, err := s.CanonicalBlockAt(ctx, s.Pool(), 100)
	require.NoError(t, err)
	assert.Equal(t, "0xbb", canonical.Hash)

	old, err := s.BlockAt(ctx, s.Pool(), 100, "0xaa")
	require.NoError(t, err)
	assert.False(t, old.Canonical, "demoted block must survive for audit")
}

func TestContiguousFromAndGaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, h := range []int64{10, 11, 12, 15, 16, 20} {
		seedBlock(t, s, h, "0xh", "0xp")
	}

	tip, err := s.ContiguousFrom(ctx, s.Pool(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(12), tip)

	gaps, missing, err := s.FindGaps(ctx, s.Pool(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), missing) // 13,14 and 17,18,19
	require.Len(t, gaps, 2)
	assert.Equal(t, Gap{Start: 13, End: 14}, gaps[0])
	assert.Equal(t, Gap{Start: 17, End: 19}, gaps[1])
}

func TestProgressRatchetsForward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceProgress(ctx, s.Pool(), &IndexProgress{
		Network: "testnet", LastIndexed: 100, LastContiguous: 100, HighestSeen: 100,
	}))
	// A stale writer cannot move watermarks backward.
	require.NoError(t, s.AdvanceProgress(ctx, s.Pool(), &IndexProgress{
		Network: "testnet", LastIndexed: 90, LastContiguous: 80, HighestSeen: 95,
	}))

	p, err := s.GetProgress(ctx, s.Pool(), "testnet")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.LastIndexed)
	assert.Equal(t, int64(100), p.LastContiguous)
	assert.Equal(t, int64(100), p.HighestSeen)

	// The integrity pass is authoritative and may move it down.
	require.NoError(t, s.SetContiguous(ctx, s.Pool(), "testnet", 95))
	p, err = s.GetProgress(ctx, s.Pool(), "testnet")
	require.NoError(t, err)
	assert.Equal(t, int64(95), p.LastContiguous)
}

func TestClaimOrderingAndLocking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := seedStream(t, s, "orders")
	for _, h := range []int64{120, 118, 119} {
		seedBlock(t, s, h, "0xh", "0xp")
		_, err := s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, h, false)
		require.NoError(t, err)
	}

	job, err := s.ClaimJob(ctx, s.Pool(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(118), job.BlockHeight, "lowest height first")
	assert.Equal(t, JobProcessing, job.Status)
	assert.Equal(t, int32(1), job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "w1", *job.LockedBy)

	second, err := s.ClaimJob(ctx, s.Pool(), "w2")
	require.NoError(t, err)
	assert.Equal(t, int64(119), second.BlockHeight, "claimed job must be skipped")
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := seedStream(t, s, "burst")
	for h := int64(1); h <= 20; h++ {
		_, err := s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, h, false)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[int64]string)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := s.ClaimJob(ctx, s.Pool(), worker)
				if err != nil {
					return // queue empty
				}
				mu.Lock()
				prev, dup := claimed[job.ID]
				claimed[job.ID] = worker
				mu.Unlock()
				if dup {
					t.Errorf("job %d claimed by %s and %s", job.ID, prev, worker)
				}
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	assert.Len(t, claimed, 20)
}

func TestFailJobRetriesUntilCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := seedStream(t, s, "retries")
	_, err := s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, 50, false)
	require.NoError(t, err)

	var job *Job
	for i := 0; i < 3; i++ {
		job, err = s.ClaimJob(ctx, s.Pool(), "w1")
		require.NoError(t, err)
		require.NoError(t, s.FailJob(ctx, s.Pool(), job.ID, "http 503", 3))
	}

	// Third attempt hit the cap; the job is terminal.
	_, err = s.ClaimJob(ctx, s.Pool(), "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := s.CountJobs(ctx, s.Pool())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[JobFailed])
}

func TestRecoverStaleJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := seedStream(t, s, "stale")
	_, err := s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, 60, false)
	require.NoError(t, err)

	job, err := s.ClaimJob(ctx, s.Pool(), "dead-worker")
	require.NoError(t, err)

	// Backdate the lock past the threshold.
	_, err = s.pool.Exec(ctx, `UPDATE jobs SET locked_at = NOW() - INTERVAL '10 minutes' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	n, err := s.RecoverStaleJobs(ctx, s.Pool(), 300)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reclaimed, err := s.ClaimJob(ctx, s.Pool(), "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, int32(2), reclaimed.Attempts, "attempts survive recovery")
}

func TestEnqueueResetsOnlyFailedJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := seedStream(t, s, "reorgs")
	_, err := s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, 70, false)
	require.NoError(t, err)

	// Duplicate enqueue of a pending job is a no-op.
	n, err := s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, 70, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Reorg fails the job; the replacement block re-activates it.
	failed, err := s.FailJobsAtHeight(ctx, s.Pool(), 70, "reorg")
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	n, err = s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, 70, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := s.ClaimJob(ctx, s.Pool(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), job.BlockHeight)
	assert.Equal(t, int32(1), job.Attempts, "attempts reset with the job")
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "reorg", "reset keeps the failure reason for audit")

	// A completed job is never re-activated.
	require.NoError(t, s.CompleteJob(ctx, s.Pool(), job.ID))
	n, err = s.EnqueueJobs(ctx, s.Pool(), []string{st.ID}, 70, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListenerReceivesCommittedNotify(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	notes := make(chan Notification, 1)
	listener := NewListener(s.URL(), ChannelNewJob)
	go listener.Run(ctx, notes)
	time.Sleep(500 * time.Millisecond) // let LISTEN attach

	require.NoError(t, s.NotifyNewJob(ctx, s.Pool()))

	select {
	case n := <-notes:
		assert.Equal(t, ChannelNewJob, n.Channel)
	case <-ctx.Done():
		t.Fatal("notification never arrived")
	}
}

func TestStreamMetricsAccumulate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := seedStream(t, s, "metrics")
	require.NoError(t, s.RecordStreamResult(ctx, s.Pool(), st.ID, 100, true, nil))
	reason := "http 500"
	require.NoError(t, s.RecordStreamResult(ctx, s.Pool(), st.ID, 101, false, &reason))

	m, err := s.GetStreamMetrics(ctx, s.Pool(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalDeliveries)
	assert.Equal(t, int64(1), m.FailedDeliveries)
	require.NotNil(t, m.LastTriggeredBlock)
	assert.Equal(t, int64(101), *m.LastTriggeredBlock)
	require.NotNil(t, m.LastError)
	assert.Equal(t, "http 500", *m.LastError)
}
