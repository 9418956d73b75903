// Package lock guards a run with a MySQL named lock. It is opt-in: without it
// two operators can still start overlapping runs against the same database.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotAcquired = errors.New("schema evolution lock is held by another session")

// MySQL holds GET_LOCK on a dedicated connection; the lock lives as long as
// that session does.
type MySQL struct {
	conn *sql.Conn
	key  string
	held bool
}

func NewMySQL(key string) *MySQL {
	return &MySQL{key: key}
}

func (m *MySQL) Acquire(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if m.held {
		return nil
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", m.key, int(timeout.Seconds())).Scan(&got); err != nil {
		_ = conn.Close()
		return fmt.Errorf("get lock %s: %w", m.key, err)
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return fmt.Errorf("%w (key %s, waited %s)", ErrNotAcquired, m.key, timeout)
	}
	m.conn, m.held = conn, true
	return nil
}

// Release frees the lock. A failed RELEASE_LOCK is ignored because closing
// the session frees it anyway.
func (m *MySQL) Release(ctx context.Context) error {
	if !m.held || m.conn == nil {
		return nil
	}
	var rel sql.NullInt64
	_ = m.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.key).Scan(&rel)
	m.held = false
	return m.conn.Close()
}

func (m *MySQL) Held() bool  { return m.held }
func (m *MySQL) Key() string { return m.key }

// KeyFor names the lock for one database. MySQL caps lock names at 64 chars.
func KeyFor(database string) string {
	k := "evolvex:" + database
	if len(k) > 64 {
		k = k[:64]
	}
	return k
}
