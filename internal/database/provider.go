package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

var (
	providerMu       sync.RWMutex
	ledgerBackends   = map[string]func() attendance.Ledger{}
	auditBackends    = map[string]func() attendance.AuditSink{}
	postgresGallery  func() GalleryWriter
	postgresIdentity func() IdentityWriter
)

// RegisterLedger registers a ledger constructor under a backend name.
// This is called by the backend packages to avoid import cycles.
func RegisterLedger(name string, ledger func() attendance.Ledger) {
	providerMu.Lock()
	defer providerMu.Unlock()
	ledgerBackends[name] = ledger
}

// RegisterAuditSink registers an audit sink constructor under a backend name.
func RegisterAuditSink(name string, sink func() attendance.AuditSink) {
	providerMu.Lock()
	defer providerMu.Unlock()
	auditBackends[name] = sink
}

// RegisterPostgresBackend registers the PostgreSQL gallery and identity repositories.
func RegisterPostgresBackend(gallery func() GalleryWriter, identities func() IdentityWriter) {
	providerMu.Lock()
	defer providerMu.Unlock()
	postgresGallery = gallery
	postgresIdentity = identities
}

// IsInitialized returns whether the PostgreSQL backend has been registered.
func IsInitialized() bool {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return postgresGallery != nil && postgresIdentity != nil
}

// GetLedger returns the ledger registered under name
func GetLedger(ctx context.Context, name string) (attendance.Ledger, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	ledger, ok := ledgerBackends[name]
	if !ok {
		return nil, fmt.Errorf("ledger backend %q not registered (have %v)", name, registeredNames(ledgerBackends))
	}
	return ledger(), nil
}

// GetAuditSink returns the audit sink registered under name. A ledger passes
// its transaction to the sink of the same backend, so the pair commits together.
func GetAuditSink(ctx context.Context, name string) (attendance.AuditSink, bool) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	sink, ok := auditBackends[name]
	if !ok {
		return nil, false
	}
	return sink(), true
}

// GetGalleryWriter returns a GalleryWriter from the PostgreSQL backend
func GetGalleryWriter(ctx context.Context) (GalleryWriter, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	if postgresGallery == nil {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	return postgresGallery(), nil
}

// GetIdentityWriter returns an IdentityWriter from the PostgreSQL backend
func GetIdentityWriter(ctx context.Context) (IdentityWriter, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	if postgresIdentity == nil {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	return postgresIdentity(), nil
}

// Reset clears all registrations. Used by tests and on shutdown.
func Reset() {
	providerMu.Lock()
	defer providerMu.Unlock()
	ledgerBackends = map[string]func() attendance.Ledger{}
	auditBackends = map[string]func() attendance.AuditSink{}
	postgresGallery = nil
	postgresIdentity = nil
}

func registeredNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
