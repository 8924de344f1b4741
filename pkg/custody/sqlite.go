package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("custody: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS custody_records (
		tracking_id TEXT PRIMARY KEY,
		owner_identity TEXT NOT NULL,
		wrapped_key TEXT NOT NULL,
		container_ref TEXT NOT NULL DEFAULT '',
		receiver_address TEXT NOT NULL DEFAULT '',
		price_minor_units INTEGER NOT NULL DEFAULT 0,
		content_kind TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return err
	}
	_, err := s.db.ExecContext(context.Background(), `CREATE INDEX IF NOT EXISTS idx_custody_owner ON custody_records(owner_identity)`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO custody_records (
		tracking_id, owner_identity, wrapped_key, container_ref, receiver_address, price_minor_units, content_kind, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(tracking_id) DO NOTHING`,
		r.TrackingID.String(), r.OwnerIdentity, r.WrappedKey, r.ContainerRef, r.ReceiverAddress,
		int64(r.PriceMinorUnits), r.ContentKind, r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("custody: insert record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

const sqliteColumns = `tracking_id, owner_identity, wrapped_key, container_ref, receiver_address, price_minor_units, content_kind, created_at`

func (s *SQLiteStore) Get(ctx context.Context, trackingID uuid.UUID) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM custody_records WHERE tracking_id = ?`, trackingID.String())
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM custody_records WHERE owner_identity = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("custody: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc scanner) (Record, error) {
	var (
		r       Record
		id      string
		price   int64
		created string
	)
	if err := sc.Scan(&id, &r.OwnerIdentity, &r.WrappedKey, &r.ContainerRef, &r.ReceiverAddress, &price, &r.ContentKind, &created); err != nil {
		return Record{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Record{}, fmt.Errorf("custody: corrupt tracking id %q: %w", id, err)
	}
	r.TrackingID = parsed
	r.PriceMinorUnits = uint64(price)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = t
	}
	return r, nil
}
