package stores

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that migrations create the expected tables
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"markers", "credentials", "install_sessions"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		if err := store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestMarkerCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	marker := &Marker{
		StepID:        "install-toolchain",
		SchemaVersion: 2,
		CompletedAt:   now,
	}
	if err := store.PutMarker(ctx, marker); err != nil {
		t.Fatalf("failed to put marker: %v", err)
	}

	got, err := store.GetMarker(ctx, "install-toolchain")
	if err != nil {
		t.Fatalf("failed to get marker: %v", err)
	}
	if got == nil {
		t.Fatal("marker not found")
	}
	if got.SchemaVersion != 2 {
		t.Errorf("expected schema version 2, got %d", got.SchemaVersion)
	}
	if !got.CompletedAt.Equal(now) {
		t.Errorf("expected completed at %v, got %v", now, got.CompletedAt)
	}

	// Upsert replaces the existing row
	marker.SchemaVersion = 3
	if err := store.PutMarker(ctx, marker); err != nil {
		t.Fatalf("failed to upsert marker: %v", err)
	}
	got, err = store.GetMarker(ctx, "install-toolchain")
	if err != nil {
		t.Fatalf("failed to get marker: %v", err)
	}
	if got.SchemaVersion != 3 {
		t.Errorf("upsert did not replace: schema version %d", got.SchemaVersion)
	}

	markers, err := store.ListMarkers(ctx)
	if err != nil {
		t.Fatalf("failed to list markers: %v", err)
	}
	if len(markers) != 1 {
		t.Errorf("expected 1 marker, got %d", len(markers))
	}

	if err := store.DeleteMarkers(ctx); err != nil {
		t.Fatalf("failed to delete markers: %v", err)
	}
	markers, err = store.ListMarkers(ctx)
	if err != nil {
		t.Fatalf("failed to list markers: %v", err)
	}
	if len(markers) != 0 {
		t.Errorf("expected empty marker list, got %d", len(markers))
	}
}

func TestGetMarkerMissing(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	got, err := store.GetMarker(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing marker, got %+v", got)
	}
}

func TestCredentialCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	ciphertext := []byte{0x61, 0x67, 0x65, 0x00, 0x01, 0xfe}

	if err := store.PutCredential(ctx, "oauth_refresh_token", ciphertext); err != nil {
		t.Fatalf("failed to put credential: %v", err)
	}

	got, err := store.GetCredential(ctx, "oauth_refresh_token")
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if got == nil {
		t.Fatal("credential not found")
	}
	if !bytes.Equal(got.Ciphertext, ciphertext) {
		t.Error("ciphertext does not round-trip")
	}

	// Upsert replaces the blob
	replaced := []byte{0xde, 0xad}
	if err := store.PutCredential(ctx, "oauth_refresh_token", replaced); err != nil {
		t.Fatalf("failed to upsert credential: %v", err)
	}
	got, err = store.GetCredential(ctx, "oauth_refresh_token")
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if !bytes.Equal(got.Ciphertext, replaced) {
		t.Error("upsert did not replace ciphertext")
	}

	if err := store.DeleteCredential(ctx, "oauth_refresh_token"); err != nil {
		t.Fatalf("failed to delete credential: %v", err)
	}
	got, err = store.GetCredential(ctx, "oauth_refresh_token")
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if got != nil {
		t.Error("credential survived deletion")
	}
}

func TestSessionJournal(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	first := &InstallSession{ID: "sess-a", PackageName: "toolchain", OpenedAt: time.Now().UTC().Add(-time.Minute)}
	second := &InstallSession{ID: "sess-b", PackageName: "runtime"}
	if err := store.JournalSession(ctx, first); err != nil {
		t.Fatalf("failed to journal session: %v", err)
	}
	if err := store.JournalSession(ctx, second); err != nil {
		t.Fatalf("failed to journal session: %v", err)
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "sess-a" {
		t.Errorf("expected oldest session first, got %s", sessions[0].ID)
	}

	if err := store.ClearSession(ctx, "sess-a"); err != nil {
		t.Fatalf("failed to clear session: %v", err)
	}
	sessions, err = store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-b" {
		t.Errorf("unexpected journal contents after clear: %+v", sessions)
	}

	// Clearing an unknown id is a no-op
	if err := store.ClearSession(ctx, "never-journaled"); err != nil {
		t.Fatalf("clear of unknown session failed: %v", err)
	}
}
