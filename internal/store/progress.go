package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetProgress returns the watermark row for a network. A missing row comes
// back zeroed, not as an error, so a fresh database reads as "nothing
// indexed yet".
func (s *Store) GetProgress(ctx context.Context, q Querier, network string) (*IndexProgress, error) {
	p := IndexProgress{Network: network}
	err := q.QueryRow(ctx, `
		SELECT last_indexed_block, last_contiguous_block, highest_seen_block, updated_at
		FROM index_progress
		WHERE network = $1`,
		network,
	).Scan(&p.LastIndexed, &p.LastContiguous, &p.HighestSeen, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", network, err)
	}
	return &p, nil
}

// AdvanceProgress monotonically ratchets the watermarks. Concurrent writers
// racing each other can only move a watermark forward, never back.
func (s *Store) AdvanceProgress(ctx context.Context, q Querier, p *IndexProgress) error {
	_, err := q.Exec(ctx, `
		INSERT INTO index_progress (network, last_indexed_block, last_contiguous_block, highest_seen_block)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (network) DO UPDATE SET
			last_indexed_block    = GREATEST(index_progress.last_indexed_block, EXCLUDED.last_indexed_block),
			last_contiguous_block = GREATEST(index_progress.last_contiguous_block, EXCLUDED.last_contiguous_block),
			highest_seen_block    = GREATEST(index_progress.highest_seen_block, EXCLUDED.highest_seen_block),
			updated_at            = NOW()`,
		p.Network, p.LastIndexed, p.LastContiguous, p.HighestSeen,
	)
	if err != nil {
		return fmt.Errorf("advance progress %s: %w", p.Network, err)
	}
	return nil
}

// SetContiguous overwrites last_contiguous_block with a freshly recomputed
// value. Unlike AdvanceProgress this may move the watermark backward: the
// integrity check is the authority on contiguity.
func (s *Store) SetContiguous(ctx context.Context, q Querier, network string, height int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO index_progress (network, last_contiguous_block)
		VALUES ($1, $2)
		ON CONFLICT (network) DO UPDATE SET
			last_contiguous_block = EXCLUDED.last_contiguous_block,
			updated_at            = NOW()`,
		network, height,
	)
	if err != nil {
		return fmt.Errorf("set contiguous %s: %w", network, err)
	}
	return nil
}
