// Package store is the sqlite-backed metadata store: users, snippet
// rows, and their chunk payloads. It is the source of truth for
// everything except recency ordering, which lives in Redis.
//
// All timestamps are stored as RFC3339 UTC text. Listing orders are
// created_at descending with id descending as the tie break, so rows
// created within the same second still list deterministically.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmailTaken is returned when creating a user with an email that
	// is already registered.
	ErrEmailTaken = errors.New("email already registered")
)

// Status is the processing state of a snippet's chunk payload.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// User is an account row. UsedBytes is accounting metadata maintained
// best-effort; quotas are enforced by snippet count, not bytes.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         string
	UsedBytes    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Snippet is a snippet's metadata row. Content lives in chunk rows.
// SourceURL is empty when the snippet was submitted without one.
type Snippet struct {
	ID          int64
	UserID      int64
	SourceURL   string
	TotalChunks int
	TotalSize   int64
	IsDeleted   bool
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is one stored piece of a snippet's content.
type Chunk struct {
	ID         int64
	SnippetID  int64
	Index      int
	Content    []byte
	Compressed bool
	Hash       string
	CreatedAt  time.Time
}

// ChunkRecord is the write-side shape of a chunk; the store fills in the
// content hash and timestamps.
type ChunkRecord struct {
	Index      int
	Content    []byte
	Compressed bool
}

// Store wraps the sqlite database.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (creating if needed) the sqlite database at path and brings
// the schema up to date. The connection pool is pinned to a single
// connection: sqlite allows one writer, and funneling everything through
// one connection avoids SQLITE_BUSY churn under WAL.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path reports the database file path.
func (s *Store) Path() string {
	return s.path
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// hashChunk fingerprints a chunk's stored bytes for integrity checks and
// debugging; reads do not verify it, the codec detects corruption.
func hashChunk(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
