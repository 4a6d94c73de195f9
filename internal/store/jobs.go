package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EnqueueJobs inserts one pending job per (stream, height) pair. Live or
// completed duplicates are dropped by the unique constraint; failed rows
// are reset to pending so a reorged height gets delivered for its new
// canonical block. last_error is kept on reset as the audit trail of why
// the previous incarnation failed.
func (s *Store) EnqueueJobs(ctx context.Context, q Querier, streamIDs []string, height int64, backfill bool) (int64, error) {
	if len(streamIDs) == 0 {
		return 0, nil
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO jobs (stream_id, block_height, backfill)
		SELECT unnest($1::uuid[]), $2, $3
		ON CONFLICT (stream_id, block_height) DO UPDATE SET
			status       = 'pending',
			attempts     = 0,
			locked_at    = NULL,
			locked_by    = NULL,
			completed_at = NULL
		WHERE jobs.status = 'failed'`,
		streamIDs, height, backfill,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue jobs at %d: %w", height, err)
	}
	return tag.RowsAffected(), nil
}

// ClaimJob atomically claims the oldest pending job for this worker using
// SKIP LOCKED, so concurrent workers never pick the same job. Returns
// ErrNotFound when the queue is empty.
func (s *Store) ClaimJob(ctx context.Context, q Querier, workerID string) (*Job, error) {
	var j Job
	err := q.QueryRow(ctx, `
		UPDATE jobs SET
			status    = 'processing',
			locked_at = NOW(),
			locked_by = $1,
			attempts  = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY block_height, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, stream_id, block_height, status, attempts, locked_at, locked_by,
		          last_error, backfill, created_at, completed_at`,
		workerID,
	).Scan(&j.ID, &j.StreamID, &j.BlockHeight, &j.Status, &j.Attempts, &j.LockedAt,
		&j.LockedBy, &j.LastError, &j.Backfill, &j.CreatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job done and releases its lock.
func (s *Store) CompleteJob(ctx context.Context, q Querier, jobID int64) error {
	_, err := q.Exec(ctx, `
		UPDATE jobs SET
			status       = 'completed',
			completed_at = NOW(),
			locked_at    = NULL,
			locked_by    = NULL
		WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return nil
}

// FailJob records a failure. Below the attempts cap the job goes back to
// pending for another worker; at the cap it is terminally failed.
func (s *Store) FailJob(ctx context.Context, q Querier, jobID int64, reason string, maxAttempts int32) error {
	_, err := q.Exec(ctx, `
		UPDATE jobs SET
			status     = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
			last_error = $2,
			locked_at  = NULL,
			locked_by  = NULL
		WHERE id = $1`,
		jobID, reason, maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return nil
}

// FailJobsAtHeight terminally fails every unfinished job at a height. Used
// when a reorg invalidates the block the jobs were enqueued for.
func (s *Store) FailJobsAtHeight(ctx context.Context, q Querier, height int64, reason string) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE jobs SET
			status     = 'failed',
			last_error = $2,
			locked_at  = NULL,
			locked_by  = NULL
		WHERE block_height = $1 AND status IN ('pending', 'processing')`,
		height, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("fail jobs at %d: %w", height, err)
	}
	return tag.RowsAffected(), nil
}

// RecoverStaleJobs returns jobs whose worker died mid-flight to the pending
// pool. A job is stale when its lock is older than the threshold.
func (s *Store) RecoverStaleJobs(ctx context.Context, q Querier, staleSeconds int64) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE jobs SET
			status    = 'pending',
			locked_at = NULL,
			locked_by = NULL
		WHERE status = 'processing'
		  AND locked_at < NOW() - make_interval(secs => $1)`,
		staleSeconds,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountJobs returns the number of jobs per status.
func (s *Store) CountJobs(ctx context.Context, q Querier) (map[string]int64, error) {
	rows, err := q.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// NotifyNewJob wakes sleeping workers. One notification per ingest is
// enough; workers drain the queue until empty.
func (s *Store) NotifyNewJob(ctx context.Context, q Querier) error {
	return s.Notify(ctx, q, ChannelNewJob, "")
}
