package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

type txKey struct{}

// withTx makes tx visible to repositories called from inside a ledger mark,
// so the audit row commits or rolls back together with the record.
func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// LedgerRepository stores attendance records. Mark serializes per identity
// with a row lock (SELECT ... FOR UPDATE).
type LedgerRepository struct {
	pool *Pool
}

// NewLedgerRepository creates a new PostgreSQL ledger.
func NewLedgerRepository(pool *Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Get returns the record for identityID, or a zero record when absent.
func (r *LedgerRepository) Get(ctx context.Context, identityID string) (attendance.Record, error) {
	rec := attendance.Record{IdentityID: identityID}
	var last sql.NullTime
	err := r.pool.QueryRow(ctx,
		"SELECT total_count, last_event_at FROM attendance_records WHERE identity_id = $1",
		identityID,
	).Scan(&rec.TotalCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("get attendance record: %w", err)
	}
	if last.Valid {
		t := last.Time
		rec.LastEventAt = &t
	}
	return rec, nil
}

// Mark applies the cooldown rule inside a transaction holding the record's row
// lock. onAccept runs before commit; its error rolls the transaction back.
func (r *LedgerRepository) Mark(ctx context.Context, identityID string, t time.Time, window time.Duration, onAccept attendance.AcceptFunc) (attendance.Transition, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return attendance.Transition{}, err
	}
	defer tx.Rollback()

	// Create the row so there is something to lock for first-time identities.
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO attendance_records (identity_id) VALUES ($1) ON CONFLICT (identity_id) DO NOTHING",
		identityID,
	); err != nil {
		return attendance.Transition{}, fmt.Errorf("ensure attendance record: %w", err)
	}

	rec := attendance.Record{IdentityID: identityID}
	var last sql.NullTime
	if err := tx.QueryRowContext(ctx,
		"SELECT total_count, last_event_at FROM attendance_records WHERE identity_id = $1 FOR UPDATE",
		identityID,
	).Scan(&rec.TotalCount, &last); err != nil {
		return attendance.Transition{}, fmt.Errorf("lock attendance record: %w", err)
	}
	if last.Valid {
		lt := last.Time
		rec.LastEventAt = &lt
	}

	tr := attendance.Decide(rec, t, window)
	if !tr.Accepted {
		// Nothing changed; the deferred rollback releases the lock.
		return tr, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE attendance_records SET total_count = $2, last_event_at = $3, updated_at = NOW() WHERE identity_id = $1",
		identityID, tr.Next.TotalCount, t.UTC(),
	); err != nil {
		return attendance.Transition{}, fmt.Errorf("update attendance record: %w", err)
	}

	if onAccept != nil {
		if err := onAccept(withTx(ctx, tx), tr.Next); err != nil {
			return attendance.Transition{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return attendance.Transition{}, fmt.Errorf("commit attendance record: %w", err)
	}
	return tr, nil
}

// AuditRepository appends audit rows to attendance_audit. Inside a ledger
// mark it writes through the mark's transaction.
type AuditRepository struct {
	pool *Pool
}

// NewAuditRepository creates a new PostgreSQL audit repository.
func NewAuditRepository(pool *Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

const insertAudit = `
	INSERT INTO attendance_audit (id, identity_id, display_name, count_after, event_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING
`

// Append implements attendance.AuditSink.
func (r *AuditRepository) Append(ctx context.Context, entry attendance.AuditEntry) error {
	args := []any{entry.ID, entry.IdentityID, entry.DisplayName, entry.CountAfter, entry.Timestamp.UTC()}
	var err error
	if tx := txFrom(ctx); tx != nil {
		_, err = tx.ExecContext(ctx, insertAudit, args...)
	} else {
		_, err = r.pool.Exec(ctx, insertAudit, args...)
	}
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListByIdentity returns the newest audit rows of one identity, newest first.
func (r *AuditRepository) ListByIdentity(ctx context.Context, identityID string, limit int) ([]attendance.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, identity_id, display_name, count_after, event_at
		FROM attendance_audit
		WHERE identity_id = $1
		ORDER BY event_at DESC, count_after DESC
		LIMIT $2
	`, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []attendance.AuditEntry
	for rows.Next() {
		var e attendance.AuditEntry
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.DisplayName, &e.CountAfter, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// CountByIdentity returns the number of audit rows of one identity.
func (r *AuditRepository) CountByIdentity(ctx context.Context, identityID string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM attendance_audit WHERE identity_id = $1", identityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}
