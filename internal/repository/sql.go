package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects SQL differences between the supported databases.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// SQLStore persists transactions, forwards and circuit breakers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to databaseURL: postgres://..., postgresql://... or
// sqlite://path (sqlite://:memory: for an ephemeral database).
func Open(databaseURL string) (*SQLStore, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		return NewSQLStore(db, Postgres), nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite url %q has no path", databaseURL)
		}
		db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite has a single writer; an in-memory database also lives and
		// dies with its one connection.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		return NewSQLStore(db, SQLite), nil
	}
	return nil, fmt.Errorf("unsupported database url %q (want postgres:// or sqlite://)", databaseURL)
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	pk, ts, amount := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "NUMERIC(14,2)"
	if s.dialect == SQLite {
		pk, ts, amount = "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP", "TEXT"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT PRIMARY KEY,
			submission_uuid TEXT NOT NULL,
			tenant_id BIGINT NOT NULL,
			terminal_id BIGINT NOT NULL,
			gross_sales ` + amount + ` NOT NULL,
			net_sales ` + amount + ` NOT NULL,
			payload TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webapp_transaction_forwards (
			id ` + pk + `,
			transaction_id TEXT NOT NULL REFERENCES transactions(transaction_id) ON DELETE CASCADE,
			tenant_id BIGINT NOT NULL,
			batch_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			next_attempt_at ` + ts + `,
			completed_at ` + ts + `,
			version BIGINT NOT NULL DEFAULT 1,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_forwards_status ON webapp_transaction_forwards (status, attempts, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_forwards_transaction ON webapp_transaction_forwards (transaction_id)`,
		`CREATE TABLE IF NOT EXISTS circuit_breakers (
			id ` + pk + `,
			service_name TEXT NOT NULL,
			tenant_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_failure_at ` + ts + `,
			cooldown_until ` + ts + `,
			version BIGINT NOT NULL DEFAULT 1,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			UNIQUE (service_name, tenant_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

// dbTime normalises timestamps to whole UTC seconds so that SQLite's textual
// timestamps compare in chronological order.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
