// Package postgres provides the Postgres-backed store implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/store"
)

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store over Postgres.
type Store struct {
	db DB
}

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	s := &Store{db: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection; used by tests with pgxmock.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS scraped_values (
			location_id   text NOT NULL,
			operation     text NOT NULL,
			property_type text NOT NULL,
			bedrooms      text NOT NULL DEFAULT '',
			price_per_sqm double precision,
			source_url    text NOT NULL DEFAULT '',
			scraped_at    timestamptz NOT NULL,
			session_id    text NOT NULL DEFAULT '',
			PRIMARY KEY (location_id, operation, property_type, bedrooms)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id            text PRIMARY KEY,
			status        text NOT NULL,
			started_at    timestamptz NOT NULL,
			payload       jsonb NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_session (
			singleton  int PRIMARY KEY DEFAULT 1 CHECK (singleton = 1),
			session_id text NOT NULL DEFAULT ''
		)`,
	}
	for _, q := range ddl {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// GetValue returns the current value for a cell.
func (s *Store) GetValue(ctx context.Context, cell scrape.Cell) (scrape.Value, error) {
	query := `
		SELECT price_per_sqm, source_url, scraped_at, session_id
		FROM scraped_values
		WHERE location_id = $1 AND operation = $2 AND property_type = $3 AND bedrooms = $4;
	`
	v := scrape.Value{Cell: cell}
	err := s.db.QueryRow(ctx, query, cell.LocationID, string(cell.Operation), string(cell.Property), string(cell.Bedrooms)).
		Scan(&v.PricePerSqm, &v.SourceURL, &v.ScrapedAt, &v.SessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Value{}, store.ErrNotFound
		}
		return scrape.Value{}, fmt.Errorf("get value: %w", err)
	}
	return v, nil
}

// PutValue upserts the current value for the cell.
func (s *Store) PutValue(ctx context.Context, value scrape.Value) error {
	query := `
		INSERT INTO scraped_values (location_id, operation, property_type, bedrooms, price_per_sqm, source_url, scraped_at, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (location_id, operation, property_type, bedrooms) DO UPDATE
		SET price_per_sqm = EXCLUDED.price_per_sqm,
			source_url = EXCLUDED.source_url,
			scraped_at = EXCLUDED.scraped_at,
			session_id = EXCLUDED.session_id;
	`
	cell := value.Cell
	_, err := s.db.Exec(ctx, query,
		cell.LocationID, string(cell.Operation), string(cell.Property), string(cell.Bedrooms),
		value.PricePerSqm, value.SourceURL, value.ScrapedAt, value.SessionID,
	)
	if err != nil {
		return fmt.Errorf("put value: %w", err)
	}
	return nil
}

const filterClause = `($1 = '' OR location_id = $1 OR location_id LIKE $1 || '/%')
		AND ($2 = '' OR operation = $2)
		AND ($3 = '' OR property_type = $3)`

// ListValues returns matching values in stable cell order.
func (s *Store) ListValues(ctx context.Context, filter store.Filter) ([]scrape.Value, error) {
	query := `
		SELECT location_id, operation, property_type, bedrooms, price_per_sqm, source_url, scraped_at, session_id
		FROM scraped_values
		WHERE ` + filterClause + `
		ORDER BY location_id, operation, property_type, bedrooms;
	`
	rows, err := s.db.Query(ctx, query, filter.LocationPrefix, string(filter.Operation), string(filter.Property))
	if err != nil {
		return nil, fmt.Errorf("list values: %w", err)
	}
	defer rows.Close()

	var out []scrape.Value
	for rows.Next() {
		var v scrape.Value
		var op, pt, bed string
		if err := rows.Scan(&v.Cell.LocationID, &op, &pt, &bed, &v.PricePerSqm, &v.SourceURL, &v.ScrapedAt, &v.SessionID); err != nil {
			return nil, fmt.Errorf("scan value row: %w", err)
		}
		v.Cell.Operation = scrape.Operation(op)
		v.Cell.Property = scrape.PropertyType(pt)
		v.Cell.Bedrooms = scrape.Bedrooms(bed)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate value rows: %w", err)
	}
	return out, nil
}

// AggregateStats summarizes prices over the filtered set.
func (s *Store) AggregateStats(ctx context.Context, filter store.Filter) (store.Stats, error) {
	query := `
		SELECT count(*), count(price_per_sqm), min(price_per_sqm), max(price_per_sqm), avg(price_per_sqm)
		FROM scraped_values
		WHERE ` + filterClause + `;
	`
	var stats store.Stats
	err := s.db.QueryRow(ctx, query, filter.LocationPrefix, string(filter.Operation), string(filter.Property)).
		Scan(&stats.Cells, &stats.Priced, &stats.MinPrice, &stats.MaxPrice, &stats.AvgPrice)
	if err != nil {
		return store.Stats{}, fmt.Errorf("aggregate stats: %w", err)
	}
	return stats, nil
}

// CoveredLocations returns distinct location IDs holding a value.
func (s *Store) CoveredLocations(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT location_id FROM scraped_values;`)
	if err != nil {
		return nil, fmt.Errorf("covered locations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan location row: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate location rows: %w", err)
	}
	return out, nil
}

// ClearValues drops every scraped value.
func (s *Store) ClearValues(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM scraped_values;`); err != nil {
		return fmt.Errorf("clear values: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (scrape.Session, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT payload FROM sessions WHERE id = $1;`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Session{}, store.ErrNotFound
		}
		return scrape.Session{}, fmt.Errorf("get session: %w", err)
	}
	var sess scrape.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return scrape.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, nil
}

// PutSession upserts a session record. The full state rides in a jsonb
// payload; status and started_at are mirrored as columns for listing.
func (s *Store) PutSession(ctx context.Context, session scrape.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	query := `
		INSERT INTO sessions (id, status, started_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload;
	`
	if _, err := s.db.Exec(ctx, query, session.ID, string(session.Status), session.StartedAt, payload); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]scrape.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT payload FROM sessions ORDER BY started_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []scrape.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var sess scrape.Session
		if err := json.Unmarshal(payload, &sess); err != nil {
			return nil, fmt.Errorf("decode session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// ListFailedCells returns the transient failures recorded for a session.
func (s *Store) ListFailedCells(ctx context.Context, sessionID string) ([]scrape.CellFailure, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Failed, nil
}

// ActiveSession returns the current-run pointer.
func (s *Store) ActiveSession(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `SELECT session_id FROM active_session WHERE singleton = 1;`).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("active session: %w", err)
	}
	return id, nil
}

// SetActiveSession claims the single-writer slot. The guarded upsert only
// succeeds when the slot is empty or already held by this session.
func (s *Store) SetActiveSession(ctx context.Context, id string) error {
	query := `
		INSERT INTO active_session (singleton, session_id)
		VALUES (1, $1)
		ON CONFLICT (singleton) DO UPDATE
		SET session_id = EXCLUDED.session_id
		WHERE active_session.session_id = '' OR active_session.session_id = EXCLUDED.session_id;
	`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("set active session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionConflict
	}
	return nil
}

// ClearActiveSession releases the slot if the session holds it.
func (s *Store) ClearActiveSession(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE active_session SET session_id = '' WHERE session_id = $1;`, id)
	if err != nil {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}

// Flush is a no-op; every write above commits immediately.
func (s *Store) Flush(context.Context) error { return nil }

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
