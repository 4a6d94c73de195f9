// Package store is the durable coordination substrate shared by the four
// pipeline services. All cross-service state lives in Postgres; the only
// in-memory state anywhere in the system is observability counters and
// caches invalidated by NOTIFY messages.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secondlayer/streams/internal/log"
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same query methods run inside and outside transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("not found")

// Store owns the connection pool and all durable entities.
type Store struct {
	pool *pgxpool.Pool
	url  string
}

// Open connects the pool and pings the database.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns < 10 {
		cfg.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Store.Info().Int32("max_conns", cfg.MaxConns).Msg("store connected")
	return &Store{pool: pool, url: databaseURL}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the raw pool as a Querier for non-transactional paths.
func (s *Store) Pool() Querier {
	return s.pool
}

// URL returns the connection string, used to open dedicated LISTEN
// connections outside the pool.
func (s *Store) URL() string {
	return s.url
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Notify publishes a payload on a notification channel. Inside a
// transaction the message is delivered on commit, which makes reorg
// notifications atomic with the block that caused them.
func (s *Store) Notify(ctx context.Context, q Querier, channel, payload string) error {
	_, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}
