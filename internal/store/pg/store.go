// Package pg implements store.Store on PostgreSQL through the pgx stdlib
// driver. Schema lives in ops/migrations/sql.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"accessdesk.org/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ store.Store = (*Store)(nil)

// Store is the Postgres-backed repository set.
type Store struct {
	db *sql.DB
}

// Open connects with the pgx driver and tuned pool defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Clients() store.ClientStore         { return clientStore{s.db} }
func (s *Store) Platforms() store.PlatformStore     { return platformStore{s.db} }
func (s *Store) Items() store.ItemStore             { return itemStore{s.db} }
func (s *Store) Requests() store.RequestStore       { return requestStore{s.db} }
func (s *Store) Identities() store.IdentityStore    { return identityStore{s.db} }
func (s *Store) Sessions() store.SessionStore       { return sessionStore{s.db} }
func (s *Store) Audit() store.AuditStore            { return auditStore{s.db} }
func (s *Store) Connections() store.ConnectionStore { return connectionStore{s.db} }
func (s *Store) Evidence() store.EvidenceStore      { return evidenceStore{s.db} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrForeignKeyViolation
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// jsonb marshals v, storing SQL null for nil values.
func jsonb(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func fromJSONB(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode jsonb: %w", err)
	}
	return nil
}
