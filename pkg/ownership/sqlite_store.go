package ownership

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"

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
    CREATE TABLE IF NOT EXISTS ownership_records (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        owner TEXT NOT NULL,
        metadata JSON NOT NULL,
        active INTEGER NOT NULL,
        minted_at TEXT NOT NULL,
        deactivated_at TEXT
    );
    CREATE INDEX IF NOT EXISTS ownership_records_owner ON ownership_records (owner, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, metadata, active, minted_at, deactivated_at FROM ownership_records WHERE id = ?`, id)
	var (
		rec         Record
		metaJSON    string
		active      int
		mintedAt    string
		deactivated sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Owner, &metaJSON, &active, &mintedAt, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ownership record: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	rec.Active = active == 1
	if rec.MintedAt, err = time.Parse(time.RFC3339Nano, mintedAt); err != nil {
		return nil, fmt.Errorf("failed to parse minted_at: %w", err)
	}
	if deactivated.Valid {
		t, err := time.Parse(time.RFC3339Nano, deactivated.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deactivated_at: %w", err)
		}
		rec.DeactivatedAt = &t
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ownership_records (id, owner, metadata, active, minted_at, deactivated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Owner, string(metaJSON), boolInt(rec.Active), rec.MintedAt.UTC().Format(time.RFC3339Nano), nullTime(rec.DeactivatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert ownership record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ownership_records SET active = ?, deactivated_at = ? WHERE id = ? AND owner = ?`,
		boolInt(rec.Active), nullTime(rec.DeactivatedAt), rec.ID, rec.Owner)
	if err != nil {
		return fmt.Errorf("failed to update ownership record: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("record %s not stored", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ownership_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ownership record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string, page safety.Page) ([]string, error) {
	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM ownership_records WHERE owner = ? ORDER BY seq LIMIT ? OFFSET ?`,
		owner, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ownership_records WHERE owner = ?`, owner).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ownership_records`).Scan(&n)
	return n, err
}
