// Package sqlstore persists process records in SQLite or PostgreSQL so that
// a supervisor and the workers it spawns share one registry.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/warren/internal/runtime/config"
	werrors "github.com/drblury/warren/internal/runtime/errors"
	"github.com/drblury/warren/internal/runtime/registry"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

const table = "warren_processes"

// Store is a registry.Store backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (and creates) a SQLite database file.
func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		path = config.DefaultRegistrySQLiteFile
	}
	db, err := sql.Open(string(SQLite), path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newStore(db, SQLite)
}

// OpenPostgres connects to PostgreSQL.
func OpenPostgres(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, werrors.NewConfigurationError("registry_postgres_url", "connection string is required")
	}
	db, err := sql.Open(string(Postgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return newStore(db, Postgres)
}

// New wraps an open database. The schema is created if missing.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	return newStore(db, dialect)
}

func newStore(db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Open returns the store selected by cfg.RegistryStore.
func Open(cfg *config.Config) (registry.Store, error) {
	if cfg == nil {
		return nil, werrors.ErrConfigRequired
	}
	switch cfg.RegistryStore {
	case config.RegistryStoreMemory:
		return registry.NewMemoryStore(), nil
	case config.RegistryStoreSQLite, "":
		return OpenSQLite(cfg.RegistrySQLiteFile)
	case config.RegistryStorePostgres:
		return OpenPostgres(cfg.RegistryPostgresURL)
	default:
		return nil, werrors.NewConfigurationError("registry_store", fmt.Sprintf("unknown store %q", cfg.RegistryStore))
	}
}

func (s *Store) initSchema() error {
	// Heartbeats are stored as unix nanoseconds to keep both dialects alike.
	schema := `
	CREATE TABLE IF NOT EXISTS ` + table + ` (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		hostname TEXT NOT NULL,
		kind TEXT NOT NULL,
		last_heartbeat_at BIGINT,
		supervisor_id TEXT
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_` + table + `_supervisor ON ` + table + `(supervisor_id)`)
	return err
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Insert(ctx context.Context, rec registry.ProcessRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO `+table+` (id, name, pid, hostname, kind, last_heartbeat_at, supervisor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Name, rec.PID, rec.Hostname, rec.Kind, toNullTime(rec.LastHeartbeatAt), toNullString(rec.SupervisorID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert process: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (registry.ProcessRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, pid, hostname, kind, last_heartbeat_at, supervisor_id
		FROM `+table+` WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return registry.ProcessRecord{}, werrors.ErrProcessNotFound
	}
	return rec, err
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE `+table+` SET last_heartbeat_at = ? WHERE id = ?`), at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return werrors.ErrProcessNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	// #nosec G202 - only placeholders are concatenated
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE id IN (`+placeholders+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processes: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) List(ctx context.Context) ([]registry.ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, pid, hostname, kind, last_heartbeat_at, supervisor_id
		FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	var out []registry.ProcessRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (registry.ProcessRecord, error) {
	var (
		rec          registry.ProcessRecord
		heartbeat    sql.NullInt64
		supervisorID sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.PID, &rec.Hostname, &rec.Kind, &heartbeat, &supervisorID); err != nil {
		return rec, err
	}
	if heartbeat.Valid {
		at := time.Unix(0, heartbeat.Int64)
		rec.LastHeartbeatAt = &at
	}
	rec.SupervisorID = supervisorID.String
	return rec, nil
}

func toNullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
