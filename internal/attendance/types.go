// Package attendance holds the attendance records, the cooldown rule that decides
// whether a verified presentation counts, and the storage contracts around it.
package attendance

import (
	"context"
	"time"
)

// DefaultCooldown is the minimum time between two accepted events for one identity.
const DefaultCooldown = 10 * time.Second

// Identity is an enrolled person. Created by enrollment, never mutated here.
type Identity struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"name"`
}

// Record is the per-identity attendance state.
// A nil LastEventAt means the identity has never attended.
type Record struct {
	IdentityID  string     `json:"identity_id"`
	TotalCount  int64      `json:"total_count"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

// Attended reports whether at least one event was accepted for the record.
func (r Record) Attended() bool {
	return r.LastEventAt != nil
}

// AuditEntry is one row of the append-only attendance log.
type AuditEntry struct {
	ID          string    `json:"id"`
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	CountAfter  int64     `json:"count_after"`
	Timestamp   time.Time `json:"timestamp"`
}

// AcceptFunc is invoked by a Ledger inside its critical section once an event
// has been accepted but before the new record is committed. A non-nil error
// aborts the commit.
type AcceptFunc func(ctx context.Context, next Record) error

// Ledger stores attendance records. Implementations serialize Mark per identity
// so two concurrent submissions cannot both pass the cooldown check.
type Ledger interface {
	// Get returns the record for an identity, or a zero record when absent.
	Get(ctx context.Context, identityID string) (Record, error)
	// Mark applies Decide to the stored record at time t and commits the result
	// when accepted.
	Mark(ctx context.Context, identityID string, t time.Time, window time.Duration, onAccept AcceptFunc) (Transition, error)
}

// AuditSink appends audit rows. Appends never rewrite earlier rows.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// Directory resolves identity IDs to display names.
type Directory interface {
	Lookup(ctx context.Context, identityID string) (Identity, error)
}
