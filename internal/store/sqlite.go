package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/satchel-sync/satchel/internal/record"
)

// DB is the SQLite-backed store. It wraps the embedded database
// connection and the fixed partition set declared at open time.
type DB struct {
	conn       *sql.DB
	path       string
	partitions map[string]bool
}

// Open creates the SQLite store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. Missing databases are created along with the schema; the
// partition set is fixed for the lifetime of the handle.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".satchel/satchel.db", []string{"items"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string, partitions []string) (*DB, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("at least one partition is required")
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:       conn,
		path:       path,
		partitions: make(map[string]bool, len(partitions)),
	}
	for _, p := range partitions {
		db.partitions[p] = true
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// OpenWithFallback opens the SQLite store and, if the engine is
// unavailable, degrades to the in-memory implementation. The returned
// store's Durable() flag tells the two apart.
func OpenWithFallback(path string, partitions []string, logger *log.Logger) Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	db, err := Open(path, partitions)
	if err != nil {
		logger.Printf("WARNING: SQLite unavailable (%v), falling back to in-memory store", err)
		return NewMemory(partitions)
	}
	return db
}

// RawDB returns the underlying sql.DB connection. The pending-write
// queue shares this handle so queue commits and record commits go
// through the same engine.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Durable reports true: SQLite writes survive restarts.
func (db *DB) Durable() bool {
	return true
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// initSchema creates tables and indexes if they don't exist.
// Idempotent - safe to call multiple times.
func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		partition TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		timestamp INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (partition, key)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		synced_at TEXT
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_partition ON records(partition);
	CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_writes(sync_status);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func (db *DB) checkPartition(partition string) error {
	if !db.partitions[partition] {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, partition)
	}
	return nil
}

// Put implements Store.Put.
func (db *DB) Put(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	if err := db.checkPartition(rec.Store); err != nil {
		return nil, err
	}

	query := `
	INSERT INTO records (partition, key, value, timestamp)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(partition, key) DO UPDATE SET
		value = excluded.value,
		timestamp = excluded.timestamp
	`

	_, err := db.conn.ExecContext(ctx, query,
		rec.Store,
		rec.Key,
		string(rec.Value),
		rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to put record %s/%s: %w", rec.Store, rec.Key, err)
	}

	// Re-read the committed row so callers update caches from the
	// transaction's confirmed result, not from the input.
	return db.Get(ctx, rec.Store, rec.Key)
}

// Get implements Store.Get.
func (db *DB) Get(ctx context.Context, partition, key string) (*record.Record, error) {
	if err := db.checkPartition(partition); err != nil {
		return nil, err
	}

	row := db.conn.QueryRowContext(ctx,
		`SELECT partition, key, value, timestamp FROM records WHERE partition = ? AND key = ?`,
		partition, key)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, partition, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", partition, key, err)
	}
	return rec, nil
}

// GetAll implements Store.GetAll.
func (db *DB) GetAll(ctx context.Context, partition string) ([]*record.Record, error) {
	if err := db.checkPartition(partition); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT partition, key, value, timestamp FROM records WHERE partition = ? ORDER BY key ASC`,
		partition)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %s: %w", partition, err)
	}
	defer rows.Close()

	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, nil
}

// Delete implements Store.Delete. Returns nil if the key doesn't exist.
func (db *DB) Delete(ctx context.Context, partition, key string) error {
	if err := db.checkPartition(partition); err != nil {
		return err
	}

	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE partition = ? AND key = ?`, partition, key)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", partition, key, err)
	}
	return nil
}

// PutSetting implements Store.PutSetting. The entry is overwritten
// wholesale; there are no merge semantics.
func (db *DB) PutSetting(ctx context.Context, s *record.Setting) error {
	if s.Key == "" {
		return fmt.Errorf("setting key is required")
	}
	updatedAt := s.UpdatedAt
	if updatedAt == "" {
		updatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	query := `
	INSERT INTO settings (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query, s.Key, string(s.Value), updatedAt)
	if err != nil {
		return fmt.Errorf("failed to put setting %s: %w", s.Key, err)
	}
	return nil
}

// GetSetting implements Store.GetSetting.
func (db *DB) GetSetting(ctx context.Context, key string) (*record.Setting, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key = ?`, key)

	var s record.Setting
	var value string
	err := row.Scan(&s.Key, &value, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: setting %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	s.Value = json.RawMessage(value)
	return &s, nil
}

// DeleteSetting implements Store.DeleteSetting.
func (db *DB) DeleteSetting(ctx context.Context, key string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// AcquireLease implements Store.AcquireLease. The free/expired/same-
// holder check and the claim are a single upsert statement, so
// concurrent processes racing for the lease serialize in the engine.
func (db *DB) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	query := `
	INSERT INTO leases (name, holder, expires)
	VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		holder = excluded.holder,
		expires = excluded.expires
	WHERE leases.holder = excluded.holder OR leases.expires <= ?
	`

	res, err := db.conn.ExecContext(ctx, query,
		name, holder, now.Add(ttl).Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease %s: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLease implements Store.ReleaseLease.
func (db *DB) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*record.Record, error) {
	var rec record.Record
	var value string

	if err := s.Scan(&rec.Store, &rec.Key, &value, &rec.Timestamp); err != nil {
		return nil, err
	}
	rec.Value = json.RawMessage(value)
	return &rec, nil
}
