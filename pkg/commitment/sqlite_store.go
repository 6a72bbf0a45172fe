package commitment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS commitments (
        id TEXT PRIMARY KEY,
        owner TEXT NOT NULL,
        asset TEXT NOT NULL,
        principal INTEGER NOT NULL,
        duration_days INTEGER NOT NULL,
        created_at TEXT NOT NULL,
        matures_at TEXT NOT NULL,
        risk TEXT NOT NULL,
        type TEXT NOT NULL,
        current_value INTEGER NOT NULL CHECK (current_value >= 0),
        allocated INTEGER NOT NULL,
        pool_id TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        early_exit_penalty_percent INTEGER NOT NULL,
        max_loss_percent INTEGER NOT NULL,
        min_fee_threshold INTEGER NOT NULL,
        paid_out INTEGER NOT NULL,
        closed_at TEXT,
        updated_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS commitments_owner ON commitments (owner);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const commitmentColumns = `id, owner, asset, principal, duration_days, created_at, matures_at, risk, type,
        current_value, allocated, pool_id, status, early_exit_penalty_percent, max_loss_percent,
        min_fee_threshold, paid_out, closed_at, updated_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Commitment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id = ?`, id)
	var (
		c                         Commitment
		status                    string
		created, matures, updated string
		closed                    sql.NullString
	)
	err := row.Scan(&c.ID, &c.Owner, &c.Asset, &c.Principal, &c.DurationDays, &created, &matures, &c.Risk, &c.Type,
		&c.CurrentValue, &c.Allocated, &c.PoolID, &status, &c.EarlyExitPenaltyPercent, &c.MaxLossPercent,
		&c.MinFeeThreshold, &c.PaidOut, &closed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	c.Status = Status(status)
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if c.MaturesAt, err = time.Parse(time.RFC3339Nano, matures); err != nil {
		return nil, fmt.Errorf("failed to parse matures_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if closed.Valid {
		t, err := time.Parse(time.RFC3339Nano, closed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse closed_at: %w", err)
		}
		c.ClosedAt = &t
	}
	return &c, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func (s *SQLiteStore) Insert(ctx context.Context, c *Commitment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commitments (`+commitmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.Asset, c.Principal, c.DurationDays, formatTime(c.CreatedAt), formatTime(c.MaturesAt), c.Risk, c.Type,
		c.CurrentValue, c.Allocated, c.PoolID, string(c.Status), c.EarlyExitPenaltyPercent, c.MaxLossPercent,
		c.MinFeeThreshold, c.PaidOut, nullTime(c.ClosedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, c *Commitment) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commitments SET current_value = ?, allocated = ?, pool_id = ?, status = ?,
            early_exit_penalty_percent = ?, max_loss_percent = ?, paid_out = ?, closed_at = ?, updated_at = ?
         WHERE id = ?`,
		c.CurrentValue, c.Allocated, c.PoolID, string(c.Status),
		c.EarlyExitPenaltyPercent, c.MaxLossPercent, c.PaidOut, nullTime(c.ClosedAt), formatTime(c.UpdatedAt),
		c.ID)
	if err != nil {
		return fmt.Errorf("failed to update commitment: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("commitment %s not stored", c.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM commitments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete commitment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commitments`).Scan(&n)
	return n, err
}
