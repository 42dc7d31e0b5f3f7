package database

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

// MemoryLedger keeps attendance records in process memory. Mark is serialized
// per identity with one mutex each, so different identities never contend.
type MemoryLedger struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[string]attendance.Record
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string]attendance.Record),
	}
}

func (l *MemoryLedger) lockFor(identityID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[identityID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[identityID] = m
	}
	return m
}

func (l *MemoryLedger) load(identityID string) attendance.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[identityID]
	if !ok {
		return attendance.Record{IdentityID: identityID}
	}
	return copyRecord(rec)
}

func (l *MemoryLedger) store(rec attendance.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.IdentityID] = copyRecord(rec)
}

// Get returns the record for identityID, or a zero record when absent.
func (l *MemoryLedger) Get(ctx context.Context, identityID string) (attendance.Record, error) {
	return l.load(identityID), nil
}

// Mark applies the cooldown rule and stores the accepted record.
func (l *MemoryLedger) Mark(ctx context.Context, identityID string, t time.Time, window time.Duration, onAccept attendance.AcceptFunc) (attendance.Transition, error) {
	lock := l.lockFor(identityID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return attendance.Transition{}, err
	}

	tr := attendance.Decide(l.load(identityID), t, window)
	if !tr.Accepted {
		return tr, nil
	}
	if onAccept != nil {
		if err := onAccept(ctx, tr.Next); err != nil {
			return attendance.Transition{}, err
		}
	}
	l.store(tr.Next)
	return tr, nil
}

// Seed sets a record directly, used when importing a roster.
func (l *MemoryLedger) Seed(rec attendance.Record) {
	l.store(rec)
}

// Records returns a copy of all stored records.
func (l *MemoryLedger) Records() []attendance.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]attendance.Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, copyRecord(rec))
	}
	return out
}

func copyRecord(rec attendance.Record) attendance.Record {
	if rec.LastEventAt != nil {
		at := *rec.LastEventAt
		rec.LastEventAt = &at
	}
	return rec
}
