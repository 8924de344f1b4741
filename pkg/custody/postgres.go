package custody

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the custody table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS custody_records (
			tracking_id UUID PRIMARY KEY,
			owner_identity TEXT NOT NULL,
			wrapped_key TEXT NOT NULL,
			container_ref TEXT NOT NULL DEFAULT '',
			receiver_address TEXT NOT NULL DEFAULT '',
			price_minor_units BIGINT NOT NULL DEFAULT 0,
			content_kind TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("custody: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO custody_records (tracking_id, owner_identity, wrapped_key, container_ref, receiver_address, price_minor_units, content_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tracking_id) DO NOTHING`,
		r.TrackingID.String(), r.OwnerIdentity, r.WrappedKey, r.ContainerRef, r.ReceiverAddress,
		int64(r.PriceMinorUnits), r.ContentKind, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("custody: insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("custody: insert record: %w", err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, trackingID uuid.UUID) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT tracking_id, owner_identity, wrapped_key, container_ref, receiver_address, price_minor_units, content_kind, created_at FROM custody_records WHERE tracking_id = $1",
		trackingID.String())
	r, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("custody: get record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tracking_id, owner_identity, wrapped_key, container_ref, receiver_address, price_minor_units, content_kind, created_at FROM custody_records WHERE owner_identity = $1 ORDER BY created_at DESC",
		owner)
	if err != nil {
		return nil, fmt.Errorf("custody: list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPostgres(sc scanner) (Record, error) {
	var (
		r     Record
		id    string
		price int64
	)
	if err := sc.Scan(&id, &r.OwnerIdentity, &r.WrappedKey, &r.ContainerRef, &r.ReceiverAddress, &price, &r.ContentKind, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Record{}, fmt.Errorf("custody: corrupt tracking id %q: %w", id, err)
	}
	r.TrackingID = parsed
	r.PriceMinorUnits = uint64(price)
	return r, nil
}
