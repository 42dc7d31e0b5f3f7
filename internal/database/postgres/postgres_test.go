//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}
	if container == nil {
		t.Skip("Docker not available, skipping integration test")
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	cfg := &config.DatabaseConfig{
		URL:          dbURL,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := NewPool(cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}

	// Run migrations
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

func TestMigrations(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()

	// Running again is a no-op.
	if err := pool.Migrate(ctx); err != nil {
		t.Fatalf("Second migrate failed: %v", err)
	}

	versions, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to list migrations: %v", err)
	}
	if len(versions) != 2 || versions[0] != "001_identities.sql" {
		t.Errorf("Unexpected migrations: %v", versions)
	}
}

func TestLedgerRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	ledger := NewLedgerRepository(pool)
	audit := NewAuditRepository(pool)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	window := 10 * time.Second

	appendAudit := func(id string, at time.Time) attendance.AcceptFunc {
		return func(ctx context.Context, next attendance.Record) error {
			return audit.Append(ctx, attendance.AuditEntry{
				ID:          fmt.Sprintf("00000000-0000-0000-0000-%012d", next.TotalCount),
				IdentityID:  id,
				DisplayName: "Jana",
				CountAfter:  next.TotalCount,
				Timestamp:   at,
			})
		}
	}

	t.Run("GetAbsent", func(t *testing.T) {
		rec, err := ledger.Get(ctx, "104")
		if err != nil {
			t.Fatalf("Failed to get record: %v", err)
		}
		if rec.TotalCount != 0 || rec.Attended() {
			t.Errorf("Expected zero record, got %+v", rec)
		}
	})

	t.Run("CooldownScenario", func(t *testing.T) {
		steps := []struct {
			at       time.Time
			accepted bool
			count    int64
		}{
			{t0, true, 1},
			{t0.Add(2 * time.Second), false, 1},
			{t0.Add(10 * time.Second), false, 1},
			{t0.Add(15 * time.Second), true, 2},
		}
		for i, s := range steps {
			tr, err := ledger.Mark(ctx, "104", s.at, window, appendAudit("104", s.at))
			if err != nil {
				t.Fatalf("Step %d: mark failed: %v", i, err)
			}
			if tr.Accepted != s.accepted || tr.Next.TotalCount != s.count {
				t.Errorf("Step %d: got accepted=%v count=%d", i, tr.Accepted, tr.Next.TotalCount)
			}
		}

		n, err := audit.CountByIdentity(ctx, "104")
		if err != nil {
			t.Fatalf("Failed to count audit rows: %v", err)
		}
		if n != 2 {
			t.Errorf("Expected 2 audit rows, got %d", n)
		}

		entries, err := audit.ListByIdentity(ctx, "104", 10)
		if err != nil {
			t.Fatalf("Failed to list audit rows: %v", err)
		}
		if len(entries) != 2 || entries[0].CountAfter != 2 {
			t.Errorf("Expected newest entry first, got %+v", entries)
		}
	})

	t.Run("AuditFailureRollsBack", func(t *testing.T) {
		boom := errors.New("audit unavailable")
		_, err := ledger.Mark(ctx, "205", t0, window, func(context.Context, attendance.Record) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("Expected audit error, got %v", err)
		}
		rec, err := ledger.Get(ctx, "205")
		if err != nil {
			t.Fatalf("Failed to get record: %v", err)
		}
		if rec.TotalCount != 0 || rec.Attended() {
			t.Errorf("Expected rolled back record, got %+v", rec)
		}
	})

	t.Run("AppendIsIdempotent", func(t *testing.T) {
		entry := attendance.AuditEntry{
			ID:          "6f1c2d3e-4a5b-5c6d-8e7f-000000000407",
			IdentityID:  "407",
			DisplayName: "Petr",
			CountAfter:  1,
			Timestamp:   t0,
		}
		for range 2 {
			if err := audit.Append(ctx, entry); err != nil {
				t.Fatalf("Failed to append audit entry: %v", err)
			}
		}
		entries, err := audit.ListByIdentity(ctx, "407", 10)
		if err != nil {
			t.Fatalf("Failed to list audit entries: %v", err)
		}
		if len(entries) != 1 {
			t.Errorf("Expected 1 audit row for a repeated ID, got %d", len(entries))
		}
	})

	t.Run("ConcurrentMarksAcceptOnce", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr, err := ledger.Mark(ctx, "306", t0, window, nil)
				if err != nil {
					t.Errorf("Mark failed: %v", err)
					return
				}
				if tr.Accepted {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if accepted != 1 {
			t.Errorf("Expected exactly one accepted mark, got %d", accepted)
		}
	})
}

func TestIdentityRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewIdentityRepository(pool)
	ledger := NewLedgerRepository(pool)

	if err := repo.UpsertIdentity(ctx, attendance.Identity{ID: "104", DisplayName: "Jana"}); err != nil {
		t.Fatalf("Failed to upsert identity: %v", err)
	}
	if _, err := ledger.Mark(ctx, "104", time.Now(), time.Second, nil); err != nil {
		t.Fatalf("Failed to mark: %v", err)
	}
	// Renaming keeps the count.
	if err := repo.UpsertIdentity(ctx, attendance.Identity{ID: "104", DisplayName: "Jana Nováková"}); err != nil {
		t.Fatalf("Failed to rename identity: %v", err)
	}

	identity, err := repo.Lookup(ctx, "104")
	if err != nil {
		t.Fatalf("Failed to lookup: %v", err)
	}
	if identity.DisplayName != "Jana Nováková" {
		t.Errorf("Expected renamed identity, got %q", identity.DisplayName)
	}

	if _, err := repo.Lookup(ctx, "999"); !errors.Is(err, attendance.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	roster, err := repo.ListRoster(ctx)
	if err != nil {
		t.Fatalf("Failed to list roster: %v", err)
	}
	if len(roster) != 1 || roster[0].Record.TotalCount != 1 {
		t.Errorf("Unexpected roster: %+v", roster)
	}
}

func TestGalleryRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewGalleryRepository(pool)

	faces := []database.EnrolledFace{
		{IdentityID: "104", Embedding: []float32{0.1, 0.2, 0.3}, Model: "dlib"},
		{IdentityID: "205", Embedding: []float32{0.3, 0.2, 0.1}},
		{IdentityID: "104", Embedding: []float32{0.1, 0.2, 0.31}},
	}
	if err := repo.SaveFaces(ctx, faces); err != nil {
		t.Fatalf("Failed to save faces: %v", err)
	}

	got, err := repo.LoadFaces(ctx)
	if err != nil {
		t.Fatalf("Failed to load faces: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 faces, got %d", len(got))
	}
	for i := range faces {
		if got[i].IdentityID != faces[i].IdentityID {
			t.Errorf("Face %d: expected %s, got %s (enrollment order lost)", i, faces[i].IdentityID, got[i].IdentityID)
		}
		if got[i].Dim != 3 || len(got[i].Embedding) != 3 {
			t.Errorf("Face %d: unexpected dimension %d", i, got[i].Dim)
		}
	}
	if got[0].Model != "dlib" || got[1].Model != "" {
		t.Errorf("Unexpected models %q %q", got[0].Model, got[1].Model)
	}

	deleted, err := repo.DeleteIdentityFaces(ctx, "104")
	if err != nil {
		t.Fatalf("Failed to delete faces: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted faces, got %d", deleted)
	}
	count, _ := repo.Count(ctx)
	if count != 1 {
		t.Errorf("Expected 1 remaining face, got %d", count)
	}
}
