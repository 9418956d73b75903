package db

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mirajehossain/evolvex/internal/config"
	"github.com/mirajehossain/evolvex/internal/schema"
)

// ConnectionError means the database could not be reached or refused the
// credentials. It is fatal for a run.
type ConnectionError struct {
	Addr     string
	Database string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s/%s: %v", e.Addr, e.Database, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DSN builds a driver DSN from cfg. parseTime is always on and multiStatements
// is enabled so raw SQL steps may carry several statements.
func DSN(cfg *config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.MultiStatements = true
	mc.Timeout = cfg.ConnectTimeout()
	return mc.FormatDSN()
}

func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Open returns a pinged pool for cfg. Every failure is a *ConnectionError.
func Open(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	db, err := OpenMySQL(DSN(cfg))
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Database: cfg.Database, Err: err}
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &ConnectionError{Addr: addr, Database: cfg.Database, Err: err}
	}
	return db, nil
}

// EnsureJournal creates the run journal table when it is missing.
func EnsureJournal(ctx context.Context, db *sql.DB, table string) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id BIGINT PRIMARY KEY AUTO_INCREMENT,
  run_id CHAR(36) NOT NULL,
  plan VARCHAR(255) NOT NULL,
  step_name VARCHAR(255) NOT NULL,
  kind VARCHAR(32) NOT NULL,
  outcome ENUM('applied','skipped','failed','planned') NOT NULL,
  error_detail TEXT NULL,
  duration_ms BIGINT NOT NULL,
  applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  applied_by VARCHAR(255) NOT NULL,
  KEY idx_run (run_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, schema.QuoteIdent(table))
	_, err := db.ExecContext(ctx, ddl)
	return err
}
