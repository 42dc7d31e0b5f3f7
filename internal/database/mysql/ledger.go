package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

type txKey struct{}

// Ledger stores attendance records in InnoDB. Mark holds the record's row
// lock for the whole read-modify-write.
type Ledger struct {
	pool *Pool
}

// NewLedger creates a new MySQL ledger.
func NewLedger(pool *Pool) *Ledger {
	return &Ledger{pool: pool}
}

func scanRecord(row *sql.Row, identityID string) (attendance.Record, error) {
	rec := attendance.Record{IdentityID: identityID}
	var last sql.NullTime
	if err := row.Scan(&rec.TotalCount, &last); err != nil {
		return rec, err
	}
	if last.Valid {
		t := last.Time
		rec.LastEventAt = &t
	}
	return rec, nil
}

// Get returns the record for identityID, or a zero record when absent.
func (l *Ledger) Get(ctx context.Context, identityID string) (attendance.Record, error) {
	rec, err := scanRecord(l.pool.db.QueryRowContext(ctx,
		"SELECT total_count, last_event_at FROM attendance_records WHERE identity_id = ?", identityID,
	), identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Record{IdentityID: identityID}, nil
	}
	if err != nil {
		return rec, fmt.Errorf("get attendance record: %w", err)
	}
	return rec, nil
}

// Mark applies the cooldown rule under SELECT ... FOR UPDATE. onAccept runs
// before commit; its error rolls the transaction back.
func (l *Ledger) Mark(ctx context.Context, identityID string, t time.Time, window time.Duration, onAccept attendance.AcceptFunc) (attendance.Transition, error) {
	tx, err := l.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return attendance.Transition{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ON DUPLICATE KEY UPDATE takes the exclusive row lock right away. INSERT
	// IGNORE would take a shared lock and concurrent upgrades deadlock.
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO attendance_records (identity_id) VALUES (?) ON DUPLICATE KEY UPDATE identity_id = identity_id", identityID,
	); err != nil {
		return attendance.Transition{}, fmt.Errorf("ensure attendance record: %w", err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		"SELECT total_count, last_event_at FROM attendance_records WHERE identity_id = ? FOR UPDATE", identityID,
	), identityID)
	if err != nil {
		return attendance.Transition{}, fmt.Errorf("lock attendance record: %w", err)
	}

	tr := attendance.Decide(rec, t, window)
	if !tr.Accepted {
		return tr, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE attendance_records SET total_count = ?, last_event_at = ?, updated_at = CURRENT_TIMESTAMP(6) WHERE identity_id = ?",
		tr.Next.TotalCount, t.UTC(), identityID,
	); err != nil {
		return attendance.Transition{}, fmt.Errorf("update attendance record: %w", err)
	}

	if onAccept != nil {
		if err := onAccept(context.WithValue(ctx, txKey{}, tx), tr.Next); err != nil {
			return attendance.Transition{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return attendance.Transition{}, fmt.Errorf("commit attendance record: %w", err)
	}
	return tr, nil
}

// AuditSink appends rows to attendance_audit, inside the ledger transaction
// when called from Mark.
type AuditSink struct {
	pool *Pool
}

// NewAuditSink creates a new MySQL audit sink.
func NewAuditSink(pool *Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

// Append implements attendance.AuditSink.
func (s *AuditSink) Append(ctx context.Context, entry attendance.AuditEntry) error {
	const q = `INSERT IGNORE INTO attendance_audit (id, identity_id, display_name, count_after, event_at) VALUES (?, ?, ?, ?, ?)`
	args := []any{entry.ID, entry.IdentityID, entry.DisplayName, entry.CountAfter, entry.Timestamp.UTC()}

	var err error
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = s.pool.db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// CountByIdentity returns the number of audit rows of one identity.
func (s *AuditSink) CountByIdentity(ctx context.Context, identityID string) (int64, error) {
	var n int64
	err := s.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance_audit WHERE identity_id = ?", identityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}
