package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/shopspring/decimal"
)

const upsertSQL = `
	INSERT INTO address_balances (address, balance, user_id, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (address) DO UPDATE SET
		balance    = EXCLUDED.balance,
		user_id    = COALESCE(EXCLUDED.user_id, address_balances.user_id),
		updated_at = EXCLUDED.updated_at`

// Store manages PostgreSQL operations
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a new PostgreSQL store with connection pooling
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	// Parse and configure connection pool
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Tune connection pool
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	// NUMERIC <-> decimal.Decimal
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Close closes the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// FindByAddress returns the stored balance for address or ErrNotFound
func (s *Store) FindByAddress(ctx context.Context, address string) (*AddressBalance, error) {
	var (
		ab     AddressBalance
		amount decimal.Decimal
	)
	err := s.pool.QueryRow(ctx, `
		SELECT address, balance, user_id, updated_at
		FROM address_balances
		WHERE address = $1`,
		strings.ToLower(address),
	).Scan(&ab.Address, &amount, &ab.UserID, &ab.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", address, err)
	}
	ab.Balance = amount.StringFixed(0)
	return &ab, nil
}

// Upsert inserts or replaces a single row. A nil UserID keeps the stored owner.
func (s *Store) Upsert(ctx context.Context, row AddressBalance) error {
	row = row.normalized(s.now())
	amount, err := row.amount()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, row.Address, amount, row.UserID, row.UpdatedAt); err != nil {
		return fmt.Errorf("upsert %s failed: %w", row.Address, err)
	}
	return nil
}

// UpsertMany writes all rows in one transaction: either every row is
// written or none is
func (s *Store) UpsertMany(ctx context.Context, rows []AddressBalance) error {
	if len(rows) == 0 {
		return nil
	}

	now := s.now()
	batch := &pgx.Batch{}
	for _, row := range rows {
		row = row.normalized(now)
		amount, err := row.amount()
		if err != nil {
			return err
		}
		batch.Queue(upsertSQL, row.Address, amount, row.UserID, row.UpdatedAt)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for range rows {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("batch upsert failed: %w", err)
			}
		}
		return br.Close()
	})
}

// StaleAddresses returns up to limit addresses not updated since before,
// oldest first
func (s *Store) StaleAddresses(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address
		FROM address_balances
		WHERE updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale addresses: %w", err)
	}

	addresses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale addresses: %w", err)
	}
	return addresses, nil
}

// Ping verifies the connection is alive
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
