package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Chunk sizes keep multi-row inserts under the Postgres parameter limit.
const (
	txChunkSize    = 500
	eventChunkSize = 1000
)

// CanonicalBlockAt returns the canonical block at the given height, or
// ErrNotFound.
func (s *Store) CanonicalBlockAt(ctx context.Context, q Querier, height int64) (*Block, error) {
	var b Block
	err := q.QueryRow(ctx, `
		SELECT height, hash, parent_hash, burn_block_height, timestamp, canonical, created_at
		FROM blocks
		WHERE height = $1 AND canonical`,
		height,
	).Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnBlockHeight, &b.Timestamp, &b.Canonical, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canonical block at %d: %w", height, err)
	}
	return &b, nil
}

// CanonicalBlockAtLocked is CanonicalBlockAt with a shared row lock: a
// concurrent demotion of the block cannot commit until the caller's
// transaction finishes. If the demotion committed first, the re-evaluated
// row fails the canonical filter and this returns ErrNotFound.
func (s *Store) CanonicalBlockAtLocked(ctx context.Context, tx pgx.Tx, height int64) (*Block, error) {
	var b Block
	err := tx.QueryRow(ctx, `
		SELECT height, hash, parent_hash, burn_block_height, timestamp, canonical, created_at
		FROM blocks
		WHERE height = $1 AND canonical
		FOR SHARE`,
		height,
	).Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnBlockHeight, &b.Timestamp, &b.Canonical, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("canonical block at %d: %w", height, err)
	}
	return &b, nil
}

// BlockAt returns the block row with the given height and hash, canonical
// or not.
func (s *Store) BlockAt(ctx context.Context, q Querier, height int64, hash string) (*Block, error) {
	var b Block
	err := q.QueryRow(ctx, `
		SELECT height, hash, parent_hash, burn_block_height, timestamp, canonical, created_at
		FROM blocks
		WHERE height = $1 AND hash = $2`,
		height, hash,
	).Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnBlockHeight, &b.Timestamp, &b.Canonical, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("block %d/%s: %w", height, hash, err)
	}
	return &b, nil
}

// MarkNonCanonical flips the canonical block at a height to false. The old
// row stays for audit.
func (s *Store) MarkNonCanonical(ctx context.Context, q Querier, height int64) error {
	_, err := q.Exec(ctx, `
		UPDATE blocks SET canonical = FALSE
		WHERE height = $1 AND canonical`,
		height,
	)
	if err != nil {
		return fmt.Errorf("mark non-canonical %d: %w", height, err)
	}
	return nil
}

// UpsertBlock inserts a canonical block row. Re-pushing the same
// (height, hash) refreshes the mutable fields instead of erroring, which
// makes ingest idempotent.
func (s *Store) UpsertBlock(ctx context.Context, q Querier, b *Block) error {
	_, err := q.Exec(ctx, `
		INSERT INTO blocks (height, hash, parent_hash, burn_block_height, timestamp, canonical)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (height, hash) DO UPDATE SET
			parent_hash       = EXCLUDED.parent_hash,
			burn_block_height = EXCLUDED.burn_block_height,
			timestamp         = EXCLUDED.timestamp,
			canonical         = TRUE`,
		b.Height, b.Hash, b.ParentHash, b.BurnBlockHeight, b.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert block %d: %w", b.Height, err)
	}
	return nil
}

// InsertTransactions bulk-inserts transactions in chunks, deduplicated on
// tx_id with DO NOTHING.
func (s *Store) InsertTransactions(ctx context.Context, q Querier, txs []Transaction) error {
	for start := 0; start < len(txs); start += txChunkSize {
		end := start + txChunkSize
		if end > len(txs) {
			end = len(txs)
		}

		batch := &pgx.Batch{}
		for _, t := range txs[start:end] {
			batch.Queue(`
				INSERT INTO transactions (tx_id, block_height, type, sender, status, contract_id, function_name, raw_tx)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tx_id) DO NOTHING`,
				t.TxID, t.BlockHeight, t.Type, t.Sender, t.Status, t.ContractID, t.FunctionName, t.RawTx,
			)
		}
		if err := flushBatch(ctx, q, batch); err != nil {
			return fmt.Errorf("insert transactions: %w", err)
		}
	}
	return nil
}

// InsertEvents bulk-inserts events in chunks, deduplicated on
// (tx_id, event_index) with DO NOTHING.
func (s *Store) InsertEvents(ctx context.Context, q Querier, events []Event) error {
	for start := 0; start < len(events); start += eventChunkSize {
		end := start + eventChunkSize
		if end > len(events) {
			end = len(events)
		}

		batch := &pgx.Batch{}
		for _, e := range events[start:end] {
			batch.Queue(`
				INSERT INTO events (tx_id, block_height, event_index, type, payload)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (tx_id, event_index) DO NOTHING`,
				e.TxID, e.BlockHeight, e.EventIndex, e.Type, e.Payload,
			)
		}
		if err := flushBatch(ctx, q, batch); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
	}
	return nil
}

func flushBatch(ctx context.Context, q Querier, batch *pgx.Batch) error {
	br := q.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// TransactionsAt returns the transactions of the canonical block at a height.
func (s *Store) TransactionsAt(ctx context.Context, q Querier, height int64) ([]Transaction, error) {
	rows, err := q.Query(ctx, `
		SELECT tx_id, block_height, type, sender, status, contract_id, function_name, raw_tx
		FROM transactions
		WHERE block_height = $1
		ORDER BY tx_id`,
		height,
	)
	if err != nil {
		return nil, fmt.Errorf("transactions at %d: %w", height, err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.TxID, &t.BlockHeight, &t.Type, &t.Sender, &t.Status, &t.ContractID, &t.FunctionName, &t.RawTx); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EventsAt returns the events of the canonical block at a height, ordered
// by transaction and event index.
func (s *Store) EventsAt(ctx context.Context, q Querier, height int64) ([]Event, error) {
	rows, err := q.Query(ctx, `
		SELECT id, tx_id, block_height, event_index, type, payload
		FROM events
		WHERE block_height = $1
		ORDER BY tx_id, event_index`,
		height,
	)
	if err != nil {
		return nil, fmt.Errorf("events at %d: %w", height, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TxID, &e.BlockHeight, &e.EventIndex, &e.Type, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MinCanonicalHeight returns the lowest stored canonical height, or
// ErrNotFound when the chain is empty.
func (s *Store) MinCanonicalHeight(ctx context.Context, q Querier) (int64, error) {
	var h *int64
	err := q.QueryRow(ctx, `SELECT MIN(height) FROM blocks WHERE canonical`).Scan(&h)
	if err != nil {
		return 0, fmt.Errorf("min canonical height: %w", err)
	}
	if h == nil {
		return 0, ErrNotFound
	}
	return *h, nil
}

// ContiguousFrom walks canonical blocks upward from start and returns the
// last height before the first missing one. start itself must be stored
// and canonical; otherwise ErrNotFound.
func (s *Store) ContiguousFrom(ctx context.Context, q Querier, start int64) (int64, error) {
	if _, err := s.CanonicalBlockAt(ctx, q, start); err != nil {
		return 0, err
	}

	// First canonical height >= start with no canonical successor is the
	// end of the contiguous run.
	var tip int64
	err := q.QueryRow(ctx, `
		SELECT b.height
		FROM blocks b
		WHERE b.canonical AND b.height >= $1
		  AND NOT EXISTS (
			SELECT 1 FROM blocks n WHERE n.canonical AND n.height = b.height + 1
		  )
		ORDER BY b.height
		LIMIT 1`,
		start,
	).Scan(&tip)
	if err != nil {
		return 0, fmt.Errorf("contiguous from %d: %w", start, err)
	}
	return tip, nil
}

// FindGaps returns up to limit missing-height intervals in the canonical
// chain plus the total count of missing heights.
func (s *Store) FindGaps(ctx context.Context, q Querier, limit int) ([]Gap, int64, error) {
	rows, err := q.Query(ctx, `
		SELECT b.height + 1 AS gap_start,
		       (SELECT MIN(n.height) FROM blocks n WHERE n.canonical AND n.height > b.height) - 1 AS gap_end
		FROM blocks b
		WHERE b.canonical
		  AND NOT EXISTS (SELECT 1 FROM blocks n WHERE n.canonical AND n.height = b.height + 1)
		  AND EXISTS (SELECT 1 FROM blocks n WHERE n.canonical AND n.height > b.height)
		ORDER BY gap_start
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("find gaps: %w", err)
	}
	defer rows.Close()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		if err := rows.Scan(&g.Start, &g.End); err != nil {
			return nil, 0, err
		}
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var missing int64
	err = q.QueryRow(ctx, `
		SELECT COALESCE(MAX(height) - MIN(height) + 1 - COUNT(*), 0)
		FROM blocks WHERE canonical`,
	).Scan(&missing)
	if err != nil {
		return nil, 0, fmt.Errorf("count missing: %w", err)
	}
	return gaps, missing, nil
}
