package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// IdentityRepository stores the roster of enrolled identities.
type IdentityRepository struct {
	pool *Pool
}

// NewIdentityRepository creates a new PostgreSQL identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

// Lookup implements attendance.Directory.
func (r *IdentityRepository) Lookup(ctx context.Context, identityID string) (attendance.Identity, error) {
	identity := attendance.Identity{ID: identityID}
	err := r.pool.QueryRow(ctx, "SELECT display_name FROM identities WHERE id = $1", identityID).Scan(&identity.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Identity{}, attendance.ErrNotFound
	}
	if err != nil {
		return attendance.Identity{}, fmt.Errorf("lookup identity: %w", err)
	}
	return identity, nil
}

// UpsertIdentity creates or renames an identity and makes sure it has an
// attendance record. Existing counts are left alone.
func (r *IdentityRepository) UpsertIdentity(ctx context.Context, identity attendance.Identity) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = NOW()
	`, identity.ID, identity.DisplayName); err != nil {
		return fmt.Errorf("upsert identity %s: %w", identity.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO attendance_records (identity_id) VALUES ($1) ON CONFLICT (identity_id) DO NOTHING",
		identity.ID,
	); err != nil {
		return fmt.Errorf("seed attendance record %s: %w", identity.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListRoster returns all identities with their attendance records, by id.
func (r *IdentityRepository) ListRoster(ctx context.Context) ([]database.RosterEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, i.display_name, COALESCE(a.total_count, 0), a.last_event_at
		FROM identities i
		LEFT JOIN attendance_records a ON a.identity_id = i.id
		ORDER BY i.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var entries []database.RosterEntry
	for rows.Next() {
		var e database.RosterEntry
		var last sql.NullTime
		if err := rows.Scan(&e.Identity.ID, &e.Identity.DisplayName, &e.Record.TotalCount, &last); err != nil {
			return nil, fmt.Errorf("scan roster entry: %w", err)
		}
		e.Record.IdentityID = e.Identity.ID
		if last.Valid {
			t := last.Time
			e.Record.LastEventAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return entries, nil
}
