package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const viewColumns = `id, name, version, status, definition, schema_hash, handler,
	last_processed_block, processed_count, error_count, last_error, owner_id, schema_name, updated_at`

func scanView(row pgx.Row) (*View, error) {
	var v View
	err := row.Scan(&v.ID, &v.Name, &v.Version, &v.Status, &v.Definition, &v.SchemaHash,
		&v.Handler, &v.LastProcessedBlock, &v.ProcessedCount, &v.ErrorCount,
		&v.LastError, &v.OwnerID, &v.SchemaName, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetView returns one view by name.
func (s *Store) GetView(ctx context.Context, q Querier, name string) (*View, error) {
	v, err := scanView(q.QueryRow(ctx, `SELECT `+viewColumns+` FROM views WHERE name = $1`, name))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get view %s: %w", name, err)
	}
	return v, err
}

// ListActiveViews returns every view the processor should advance.
func (s *Store) ListActiveViews(ctx context.Context, q Querier) ([]View, error) {
	rows, err := q.Query(ctx, `SELECT `+viewColumns+` FROM views WHERE status = 'active' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list active views: %w", err)
	}
	defer rows.Close()

	var out []View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// CreateView registers a view row. The processor provisions the per-view
// schema and tables on first sight.
func (s *Store) CreateView(ctx context.Context, q Querier, v *View) error {
	err := q.QueryRow(ctx, `
		INSERT INTO views (name, version, status, definition, schema_hash, handler, owner_id, schema_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, updated_at`,
		v.Name, v.Version, v.Status, v.Definition, v.SchemaHash, v.Handler, v.OwnerID, v.SchemaName,
	).Scan(&v.ID, &v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create view %s: %w", v.Name, err)
	}
	return nil
}

// SetViewStatus pauses or resumes a view.
func (s *Store) SetViewStatus(ctx context.Context, q Querier, name, status string) error {
	tag, err := q.Exec(ctx, `UPDATE views SET status = $2, updated_at = NOW() WHERE name = $1`, name, status)
	if err != nil {
		return fmt.Errorf("set view status %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceView moves a view's watermark forward after a batch of blocks and
// bumps its processed counter.
func (s *Store) AdvanceView(ctx context.Context, q Querier, name string, height, processed int64) error {
	_, err := q.Exec(ctx, `
		UPDATE views SET
			last_processed_block = $2,
			processed_count      = processed_count + $3,
			updated_at           = NOW()
		WHERE name = $1`,
		name, height, processed,
	)
	if err != nil {
		return fmt.Errorf("advance view %s: %w", name, err)
	}
	return nil
}

// RewindView moves a view's watermark back below a reorged height so the
// processor re-derives the affected blocks.
func (s *Store) RewindView(ctx context.Context, q Querier, name string, height int64) error {
	_, err := q.Exec(ctx, `
		UPDATE views SET
			last_processed_block = LEAST(last_processed_block, $2),
			updated_at           = NOW()
		WHERE name = $1`,
		name, height,
	)
	if err != nil {
		return fmt.Errorf("rewind view %s: %w", name, err)
	}
	return nil
}

// RecordViewError bumps a view's error counter and stores the message.
func (s *Store) RecordViewError(ctx context.Context, q Querier, name, message string) error {
	_, err := q.Exec(ctx, `
		UPDATE views SET
			error_count = error_count + 1,
			last_error  = $2,
			updated_at  = NOW()
		WHERE name = $1`,
		name, message,
	)
	if err != nil {
		return fmt.Errorf("record view error %s: %w", name, err)
	}
	return nil
}
