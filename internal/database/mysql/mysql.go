// Package mysql stores attendance records and the audit log in MySQL or MariaDB.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// Pool manages a MySQL connection pool.
type Pool struct {
	db *sql.DB
}

// NewPool creates a new MySQL connection pool. Times are always parsed and
// stored in UTC regardless of the DSN.
func NewPool(dsn string) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("MySQL DSN is required")
	}

	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create MySQL connector: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &Pool{db: db}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS attendance_records (
		identity_id   VARCHAR(255) NOT NULL PRIMARY KEY,
		total_count   BIGINT UNSIGNED NOT NULL DEFAULT 0,
		last_event_at DATETIME(6) NULL,
		updated_at    DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS attendance_audit (
		id           CHAR(36) NOT NULL PRIMARY KEY,
		identity_id  VARCHAR(255) NOT NULL,
		display_name VARCHAR(512) NOT NULL DEFAULT '',
		count_after  BIGINT UNSIGNED NOT NULL,
		event_at     DATETIME(6) NOT NULL,
		created_at   DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		INDEX idx_attendance_audit_identity (identity_id, event_at)
	) ENGINE=InnoDB`,
}

// EnsureSchema creates the tables when missing.
func (p *Pool) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Initialize opens the pool, creates the schema and registers the ledger and
// audit sink with the database provider.
func Initialize(dsn string) (*Pool, error) {
	pool, err := NewPool(dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.EnsureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	ledger := NewLedger(pool)
	audit := NewAuditSink(pool)
	database.RegisterLedger(config.BackendMySQL, func() attendance.Ledger { return ledger })
	database.RegisterAuditSink(config.BackendMySQL, func() attendance.AuditSink { return audit })
	return pool, nil
}
