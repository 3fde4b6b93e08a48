package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a submission is not in an expected status.
	ErrStatusConflict = errors.New("submission status conflict")
)

// Store persists submissions, ledger entries and grading telemetry in SQLite
// or Postgres. Queries use $N placeholders, which both drivers accept.
type Store struct {
	db     *sql.DB
	driver string
}

// New opens a SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects with the given driver and DSN and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		db, err = sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err == nil {
			// One connection keeps :memory: databases shared and serializes writers.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres, "postgres":
		driver = DriverPostgres
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the active driver name.
func (s *Store) Driver() string { return s.driver }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		image BLOB NOT NULL,
		mime TEXT NOT NULL DEFAULT '',
		answer_key TEXT NOT NULL DEFAULT '',
		options TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts BIGINT NOT NULL DEFAULT 0,
		difficulty TEXT NOT NULL DEFAULT '',
		ocr_provider TEXT NOT NULL DEFAULT '',
		ocr_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		verification_method TEXT NOT NULL DEFAULT '',
		verification_result TEXT NOT NULL DEFAULT '',
		needs_review INTEGER NOT NULL DEFAULT 0,
		review_reason TEXT NOT NULL DEFAULT '',
		result_json TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS submissions_user ON submissions(user_id, status);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		user_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		operation TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, seq)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ledger_refund_reference
		ON ledger_entries(user_id, reference_id) WHERE operation = 'refund' AND reference_id <> '';

	CREATE TABLE IF NOT EXISTS provider_calls (
		id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		success INTEGER NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS provider_calls_submission ON provider_calls(submission_id);

	CREATE TABLE IF NOT EXISTS grading_events (
		id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		difficulty TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		needs_review INTEGER NOT NULL,
		latency_ms BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if s.driver == DriverPostgres {
		schema = strings.ReplaceAll(schema, " BLOB ", " BYTEA ")
	}
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports whether err is a unique or primary key violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Timestamps are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
