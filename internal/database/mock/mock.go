// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// MockLedger is a mock implementation of attendance.Ledger backed by an
// in-memory ledger. Calls can be failed or delayed for testing.
type MockLedger struct {
	ledger *database.MemoryLedger

	mu        sync.Mutex
	markCalls int
	marks     []MarkCall

	// Error injection
	GetError  error
	MarkError error
	// FailMarks fails this many Mark calls with MarkError before succeeding.
	// Zero with a non-nil MarkError fails every call.
	FailMarks int
	// MarkDelay blocks Mark until the delay elapses or ctx is done.
	MarkDelay time.Duration
	// CommitError is returned after onAccept has run. The first FailCommits
	// calls then discard the new record; the next LostAcks calls keep it, as
	// if the commit succeeded but its acknowledgement never arrived.
	CommitError error
	FailCommits int
	LostAcks    int
}

// MarkCall records the arguments of one Mark call.
type MarkCall struct {
	IdentityID string
	At         time.Time
	Window     time.Duration
}

// NewMockLedger creates a new mock ledger
func NewMockLedger() *MockLedger {
	return &MockLedger{ledger: database.NewMemoryLedger()}
}

// Seed stores a record directly
func (m *MockLedger) Seed(rec attendance.Record) {
	m.ledger.Seed(rec)
}

// Get returns the stored record
func (m *MockLedger) Get(ctx context.Context, identityID string) (attendance.Record, error) {
	if m.GetError != nil {
		return attendance.Record{}, m.GetError
	}
	return m.ledger.Get(ctx, identityID)
}

// Mark records the call and delegates to the in-memory ledger
func (m *MockLedger) Mark(ctx context.Context, identityID string, t time.Time, window time.Duration, onAccept attendance.AcceptFunc) (attendance.Transition, error) {
	m.mu.Lock()
	m.markCalls++
	call := m.markCalls
	m.marks = append(m.marks, MarkCall{IdentityID: identityID, At: t, Window: window})
	m.mu.Unlock()

	if m.MarkDelay > 0 {
		select {
		case <-time.After(m.MarkDelay):
		case <-ctx.Done():
			return attendance.Transition{}, ctx.Err()
		}
	}
	if m.MarkError != nil && (m.FailMarks == 0 || call <= m.FailMarks) {
		return attendance.Transition{}, m.MarkError
	}

	m.mu.Lock()
	failCommit := m.CommitError != nil && m.FailCommits > 0
	loseAck := m.CommitError != nil && !failCommit && m.LostAcks > 0
	if failCommit {
		m.FailCommits--
	} else if loseAck {
		m.LostAcks--
	}
	m.mu.Unlock()

	switch {
	case failCommit:
		rec, err := m.ledger.Get(ctx, identityID)
		if err != nil {
			return attendance.Transition{}, err
		}
		if tr := attendance.Decide(rec, t, window); tr.Accepted && onAccept != nil {
			if err := onAccept(ctx, tr.Next); err != nil {
				return attendance.Transition{}, err
			}
		}
		return attendance.Transition{}, m.CommitError
	case loseAck:
		if _, err := m.ledger.Mark(ctx, identityID, t, window, onAccept); err != nil {
			return attendance.Transition{}, err
		}
		return attendance.Transition{}, m.CommitError
	}
	return m.ledger.Mark(ctx, identityID, t, window, onAccept)
}

// MarkCalls returns a copy of all recorded Mark calls
func (m *MockLedger) MarkCalls() []MarkCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.marks)
}

// MockAuditSink is a mock implementation of attendance.AuditSink
type MockAuditSink struct {
	mu      sync.Mutex
	entries []attendance.AuditEntry

	// Error injection
	AppendError error
}

// NewMockAuditSink creates a new mock audit sink
func NewMockAuditSink() *MockAuditSink {
	return &MockAuditSink{}
}

// Append stores the entry unless AppendError is set
func (m *MockAuditSink) Append(ctx context.Context, entry attendance.AuditEntry) error {
	if m.AppendError != nil {
		return m.AppendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of all appended entries
func (m *MockAuditSink) Entries() []attendance.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

// MockDirectory is a mock implementation of database.IdentityWriter
type MockDirectory struct {
	mu         sync.RWMutex
	identities map[string]attendance.Identity
	order      []string
	ledger     *MockLedger

	// Error injection
	LookupError error
	UpsertError error
	ListError   error
}

// NewMockDirectory creates a new mock directory. ledger may be nil; when set,
// ListRoster reads attendance records from it.
func NewMockDirectory(ledger *MockLedger) *MockDirectory {
	return &MockDirectory{
		identities: make(map[string]attendance.Identity),
		ledger:     ledger,
	}
}

// AddIdentity adds an identity to the mock directory
func (m *MockDirectory) AddIdentity(id, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id]; !ok {
		m.order = append(m.order, id)
	}
	m.identities[id] = attendance.Identity{ID: id, DisplayName: displayName}
}

// Lookup returns the identity or attendance.ErrNotFound
func (m *MockDirectory) Lookup(ctx context.Context, identityID string) (attendance.Identity, error) {
	if m.LookupError != nil {
		return attendance.Identity{}, m.LookupError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return attendance.Identity{}, attendance.ErrNotFound
	}
	return identity, nil
}

// UpsertIdentity creates or renames an identity
func (m *MockDirectory) UpsertIdentity(ctx context.Context, identity attendance.Identity) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.AddIdentity(identity.ID, identity.DisplayName)
	return nil
}

// ListRoster returns identities in insertion order with their records
func (m *MockDirectory) ListRoster(ctx context.Context) ([]database.RosterEntry, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.RosterEntry, 0, len(m.order))
	for _, id := range m.order {
		entry := database.RosterEntry{
			Identity: m.identities[id],
			Record:   attendance.Record{IdentityID: id},
		}
		if m.ledger != nil {
			if rec, err := m.ledger.ledger.Get(ctx, id); err == nil {
				entry.Record = rec
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// MockGallery is a mock implementation of database.GalleryWriter
type MockGallery struct {
	mu     sync.RWMutex
	faces  []database.EnrolledFace
	nextID int64

	// Error injection
	LoadError   error
	SaveError   error
	DeleteError error
}

// NewMockGallery creates a new mock gallery store
func NewMockGallery() *MockGallery {
	return &MockGallery{nextID: 1}
}

// LoadFaces returns faces in enrollment order
func (m *MockGallery) LoadFaces(ctx context.Context) ([]database.EnrolledFace, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.faces), nil
}

// Count returns the number of stored faces
func (m *MockGallery) Count(ctx context.Context) (int, error) {
	if m.LoadError != nil {
		return 0, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.faces), nil
}

// SaveFaces appends faces and assigns IDs
func (m *MockGallery) SaveFaces(ctx context.Context, faces []database.EnrolledFace) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range faces {
		f.ID = m.nextID
		m.nextID++
		f.Embedding = slices.Clone(f.Embedding)
		f.Dim = len(f.Embedding)
		m.faces = append(m.faces, f)
	}
	return nil
}

// DeleteIdentityFaces removes all faces of an identity
func (m *MockGallery) DeleteIdentityFaces(ctx context.Context, identityID string) (int64, error) {
	if m.DeleteError != nil {
		return 0, m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.faces)
	m.faces = slices.DeleteFunc(m.faces, func(f database.EnrolledFace) bool {
		return f.IdentityID == identityID
	})
	return int64(before - len(m.faces)), nil
}

// Ensure mock types implement interfaces
var (
	_ attendance.Ledger       = (*MockLedger)(nil)
	_ attendance.AuditSink    = (*MockAuditSink)(nil)
	_ database.IdentityWriter = (*MockDirectory)(nil)
	_ database.GalleryWriter  = (*MockGallery)(nil)
)
