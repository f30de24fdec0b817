// Package dbutil opens the local store's underlying SQL database and runs
// its schema migrations. It mirrors the teacher's internal/database
// package (PRAGMA-embedded DSN, versioned migration table, WAL checkpoint
// routine) generalized to also support a Postgres backend, since the
// spec's distributed account-ownership model (I1) needs real
// SELECT ... FOR UPDATE row locking reachable from many processes.
package dbutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/closeio/syncengine/internal/logging"
)

// Dialect identifies which SQL dialect a DB handle speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Connection pool tuning, matching the teacher's modest ceiling rationale:
// SQLite WAL only allows one writer, and Postgres connections are pooled
// per-process by pgbouncer/pgx anyway, so neither backend benefits from a
// large pool.
const (
	MaxOpenConns       = 16
	BaseIdleConns      = 2
	MaxIdleConns       = 8
	CheckpointInterval = 5 * time.Minute
)

// DB wraps a *sql.DB with its dialect and (for sqlite) file path.
type DB struct {
	*sql.DB
	Dialect Dialect
	path    string
}

// Open opens a database at url, which is either "sqlite://path/to/file.db"
// or a "postgres://..." connection string.
func Open(url string) (*DB, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return openSQLite(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return openPostgres(url)
	default:
		return nil, fmt.Errorf("dbutil: unrecognized database url scheme in %q", url)
	}
}

func openSQLite(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite WAL: single writer, avoid SQLITE_BUSY under our own load
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	_ = os.Chmod(path, 0600)

	return &DB{DB: db, Dialect: DialectSQLite, path: path}, nil
}

func openPostgres(url string) (*DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(BaseIdleConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{DB: db, Dialect: DialectPostgres, path: url}, nil
}

// UpdateIdleConns adjusts idle connection count with account volume, as the
// teacher's database.UpdateIdleConns does; a no-op on sqlite, whose pool is
// pinned to a single connection.
func (db *DB) UpdateIdleConns(numAccounts int) {
	if db.Dialect == DialectSQLite {
		return
	}
	log := logging.WithComponent("dbutil")
	idle := BaseIdleConns + numAccounts/25
	if idle < BaseIdleConns {
		idle = BaseIdleConns
	}
	if idle > MaxIdleConns {
		idle = MaxIdleConns
	}
	db.SetMaxIdleConns(idle)
	log.Debug().Int("accounts", numAccounts).Int("idle_conns", idle).Msg("updated database connection pool")
}

// Checkpoint runs a passive WAL checkpoint; a no-op on Postgres.
func (db *DB) Checkpoint() error {
	if db.Dialect != DialectSQLite {
		return nil
	}
	_, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine periodically checkpoints the WAL until ctx is done.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	if db.Dialect != DialectSQLite {
		return
	}
	log := logging.WithComponent("dbutil")
	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

var qmark = regexp.MustCompile(`\?`)

// Rebind rewrites a query written with "?" placeholders (the sqlite/teacher
// convention) into "$1", "$2", ... placeholders when the underlying
// dialect is Postgres; it is a no-op for sqlite. This lets every repository
// method share one SQL string across both backends.
func (db *DB) Rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}
	n := 0
	return qmark.ReplaceAllStringFunc(query, func(string) string {
		n++
		return fmt.Sprintf("$%d", n)
	})
}

// Path returns the sqlite file path or postgres DSN this DB was opened with.
func (db *DB) Path() string { return db.path }
