package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const streamColumns = `id, name, status, filters, options, webhook_url, webhook_secret, owner_id, created_at, updated_at`

func scanStream(row pgx.Row) (*Stream, error) {
	var st Stream
	err := row.Scan(&st.ID, &st.Name, &st.Status, &st.Filters, &st.Options,
		&st.WebhookURL, &st.WebhookSecret, &st.OwnerID, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStream returns one stream by id.
func (s *Store) GetStream(ctx context.Context, q Querier, id string) (*Stream, error) {
	st, err := scanStream(q.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get stream %s: %w", id, err)
	}
	return st, err
}

// ListActiveStreams returns every stream jobs should be enqueued for.
func (s *Store) ListActiveStreams(ctx context.Context, q Querier) ([]Stream, error) {
	rows, err := q.Query(ctx, `SELECT `+streamColumns+` FROM streams WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// CreateStream inserts a stream and its metrics row.
func (s *Store) CreateStream(ctx context.Context, q Querier, st *Stream) error {
	err := q.QueryRow(ctx, `
		INSERT INTO streams (name, status, filters, options, webhook_url, webhook_secret, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		st.Name, st.Status, st.Filters, st.Options, st.WebhookURL, st.WebhookSecret, st.OwnerID,
	).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO stream_metrics (stream_id) VALUES ($1)
		ON CONFLICT (stream_id) DO NOTHING`,
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("create stream metrics: %w", err)
	}
	return nil
}

// SetStreamStatus pauses or resumes a stream.
func (s *Store) SetStreamStatus(ctx context.Context, q Querier, id, status string) error {
	tag, err := q.Exec(ctx, `
		UPDATE streams SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("set stream status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordStreamResult folds a delivery outcome into the stream's counters.
func (s *Store) RecordStreamResult(ctx context.Context, q Querier, streamID string, height int64, delivered bool, lastError *string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO stream_metrics (stream_id, total_deliveries, failed_deliveries, last_triggered_at, last_triggered_block, last_error)
		VALUES ($1, 1, CASE WHEN $2 THEN 0 ELSE 1 END, NOW(), $3, $4)
		ON CONFLICT (stream_id) DO UPDATE SET
			total_deliveries     = stream_metrics.total_deliveries + 1,
			failed_deliveries    = stream_metrics.failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_triggered_at    = NOW(),
			last_triggered_block = $3,
			last_error           = $4`,
		streamID, delivered, height, lastError,
	)
	if err != nil {
		return fmt.Errorf("record stream result %s: %w", streamID, err)
	}
	return nil
}

// GetStreamMetrics returns the counters for a stream, zeroed when absent.
func (s *Store) GetStreamMetrics(ctx context.Context, q Querier, streamID string) (*StreamMetrics, error) {
	m := StreamMetrics{StreamID: streamID}
	err := q.QueryRow(ctx, `
		SELECT total_deliveries, failed_deliveries, last_triggered_at, last_triggered_block, last_error
		FROM stream_metrics
		WHERE stream_id = $1`,
		streamID,
	).Scan(&m.TotalDeliveries, &m.FailedDeliveries, &m.LastTriggeredAt, &m.LastTriggeredBlock, &m.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return &m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stream metrics %s: %w", streamID, err)
	}
	return &m, nil
}
