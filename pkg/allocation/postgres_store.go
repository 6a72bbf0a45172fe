package allocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"

	_ "github.com/lib/pq"
)

// Schema creates the tables PostgresStore expects.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	id TEXT PRIMARY KEY,
	capacity BIGINT NOT NULL,
	apy_bps INTEGER NOT NULL,
	risk TEXT NOT NULL,
	active BOOLEAN NOT NULL,
	total_allocated BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (total_allocated >= 0 AND total_allocated <= capacity)
);
CREATE TABLE IF NOT EXISTS pool_allocations (
	pool_id TEXT NOT NULL REFERENCES pools(id),
	commitment_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	allocated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pool_id, commitment_id)
);`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate pool schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*Pool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, capacity, apy_bps, risk, active, total_allocated, created_at, updated_at FROM pools WHERE id = $1",
		id)

	var p Pool
	err := row.Scan(&p.ID, &p.Capacity, &p.APYBps, &p.Risk, &p.Active, &p.TotalAllocated, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) InsertPool(ctx context.Context, p *Pool) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO pools (id, capacity, apy_bps, risk, active, total_allocated, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		p.ID, p.Capacity, p.APYBps, p.Risk, p.Active, p.TotalAllocated, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pool: %w", err)
	}
	return nil
}

const updatePoolQuery = "UPDATE pools SET capacity = $2, apy_bps = $3, risk = $4, active = $5, total_allocated = $6, updated_at = $7 WHERE id = $1"

func (s *PostgresStore) UpdatePool(ctx context.Context, p *Pool) error {
	_, err := s.db.ExecContext(ctx, updatePoolQuery,
		p.ID, p.Capacity, p.APYBps, p.Risk, p.Active, p.TotalAllocated, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPools(ctx context.Context, page safety.Page) ([]*Pool, error) {
	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, capacity, apy_bps, risk, active, total_allocated, created_at, updated_at FROM pools ORDER BY created_at, id LIMIT $1 OFFSET $2",
		page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pools := []*Pool{}
	for rows.Next() {
		var p Pool
		if err := rows.Scan(&p.ID, &p.Capacity, &p.APYBps, &p.Risk, &p.Active, &p.TotalAllocated, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		pools = append(pools, &p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetEntry(ctx context.Context, poolID, commitmentID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT pool_id, commitment_id, amount, allocated_at FROM pool_allocations WHERE pool_id = $1 AND commitment_id = $2",
		poolID, commitmentID)
	var e Entry
	err := row.Scan(&e.PoolID, &e.CommitmentID, &e.Amount, &e.AllocatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, commitmentID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT a.pool_id, a.commitment_id, a.amount, a.allocated_at
	FROM pool_allocations a JOIN pools p ON p.id = a.pool_id
	WHERE a.commitment_id = $1
	ORDER BY p.created_at, p.id`, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PoolID, &e.CommitmentID, &e.Amount, &e.AllocatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SaveAllocation(ctx context.Context, p *Pool, commitmentID string, e *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin allocation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, updatePoolQuery,
		p.ID, p.Capacity, p.APYBps, p.Risk, p.Active, p.TotalAllocated, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update pool total: %w", err)
	}
	if e == nil {
		_, err = tx.ExecContext(ctx,
			"DELETE FROM pool_allocations WHERE pool_id = $1 AND commitment_id = $2",
			p.ID, commitmentID)
	} else {
		_, err = tx.ExecContext(ctx, `
		INSERT INTO pool_allocations (pool_id, commitment_id, amount, allocated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pool_id, commitment_id) DO UPDATE SET
			amount = EXCLUDED.amount`,
			p.ID, commitmentID, e.Amount, e.AllocatedAt)
	}
	if err != nil {
		return fmt.Errorf("failed to persist allocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit allocation: %w", err)
	}
	return nil
}
