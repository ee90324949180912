package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
)

// schema holds one JSON record per registration. Last-write-wins matches the
// store contract: a single owner per registration is assumed.
const schema = `
CREATE TABLE IF NOT EXISTS courier_sessions (
	registration_id TEXT PRIMARY KEY,
	record          JSONB NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a PostgreSQL-backed session.Store.
type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewStore creates a Store over the pool and ensures the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, queryTimeout time.Duration) (*Store, error) {
	if queryTimeout <= 0 {
		queryTimeout = DefaultConfig("").QueryTimeout
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure courier_sessions schema: %w", err)
	}
	return &Store{pool: pool, queryTimeout: queryTimeout}, nil
}

// Save upserts the record.
func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	if rec == nil || rec.RegistrationID == "" {
		return shared.NewDomainError("session", "Save", shared.ErrEmptyValue,
			"record requires a registration id", nil)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := `
		INSERT INTO courier_sessions (registration_id, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (registration_id)
		DO UPDATE SET record = EXCLUDED.record, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, rec.RegistrationID, data); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// Load returns the stored record or shared.ErrNotFound.
func (s *Store) Load(ctx context.Context, registrationID string) (*session.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM courier_sessions WHERE registration_id = $1`,
		registrationID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}

	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

// Clear removes the record; clearing an absent record is a no-op.
func (s *Store) Clear(ctx context.Context, registrationID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM courier_sessions WHERE registration_id = $1`, registrationID); err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}
