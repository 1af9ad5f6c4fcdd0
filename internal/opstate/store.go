// Package opstate is a namespaced key-value store for small pieces of
// operational state that must survive restarts, such as the last awake
// heartbeat used to close sessions orphaned by a crash.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Heartbeat keys.
const (
	NamespaceTracker = "tracker"
	KeyHeartbeat     = "heartbeat"
)

// Store is a namespaced key-value store sharing the session database.
// All public methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New creates a store on an existing database, typically the session
// database. The caller owns db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

// Get returns the value for namespace/key, or "" when absent.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts namespace/key.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SetTime stores t as epoch milliseconds.
func (s *Store) SetTime(namespace, key string, t time.Time) error {
	return s.Set(namespace, key, strconv.FormatInt(t.UnixMilli(), 10))
}

// GetTime reads a value written by SetTime. ok is false when the key is
// absent.
func (s *Store) GetTime(namespace, key string) (t time.Time, ok bool, err error) {
	v, err := s.Get(namespace, key)
	if err != nil || v == "" {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s/%s: %w", namespace, key, err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetHeartbeat records that the tracker was awake at t.
func (s *Store) SetHeartbeat(t time.Time) error {
	return s.SetTime(NamespaceTracker, KeyHeartbeat, t)
}

// Heartbeat returns the last recorded awake time.
func (s *Store) Heartbeat() (time.Time, bool, error) {
	return s.GetTime(NamespaceTracker, KeyHeartbeat)
}
