package store

import (
	"context"
	"fmt"
)

// InsertDelivery records one webhook attempt. Rows are immutable; retries
// produce new rows.
func (s *Store) InsertDelivery(ctx context.Context, q Querier, d *Delivery) error {
	err := q.QueryRow(ctx, `
		INSERT INTO deliveries (id, stream_id, job_id, block_height, status, http_status, response_time_ms, attempts, error, payload)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		d.ID, d.StreamID, d.JobID, d.BlockHeight, d.Status, d.HTTPStatus,
		d.ResponseTimeMs, d.Attempts, d.Error, d.Payload,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the most recent delivery records for a stream.
func (s *Store) ListDeliveries(ctx context.Context, q Querier, streamID string, limit int) ([]Delivery, error) {
	rows, err := q.Query(ctx, `
		SELECT id, stream_id, job_id, block_height, status, http_status, response_time_ms, attempts, error, payload, created_at
		FROM deliveries
		WHERE stream_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		streamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list deliveries %s: %w", streamID, err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.StreamID, &d.JobID, &d.BlockHeight, &d.Status,
			&d.HTTPStatus, &d.ResponseTimeMs, &d.Attempts, &d.Error, &d.Payload, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
