package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalServiceInstallLandsInRoot(t *testing.T) {
	root := t.TempDir()
	svc, err := NewLocalService(root)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	statusCh := make(chan *Status, 1)
	svc.SetSink(func(_ string, status *Status) {
		statusCh <- status
	})

	ctx := context.Background()
	sess, err := svc.Open(ctx, testIdentity)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if _, err := sess.Write(ctx, []byte("payload")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := sess.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	select {
	case status := <-statusCh:
		if status.Code != StatusSuccess {
			t.Fatalf("expected success, got %s: %s", status.Code, status.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no status delivered")
	}

	final := filepath.Join(root, "toolchain-1.4.2")
	data, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("committed artifact missing: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("artifact content %q, expected %q", data, "payload")
	}
}

func TestLocalServiceAbandonRemovesStagedFile(t *testing.T) {
	root := t.TempDir()
	svc, err := NewLocalService(root)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx := context.Background()
	sess, err := svc.Open(ctx, testIdentity)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := sess.Write(ctx, []byte("partial")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := svc.Abandon(ctx, sess.ID()); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}

	staged := filepath.Join(root, ".staging", sess.ID())
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged file survived abandonment")
	}
}

func TestLocalServiceAbandonUnknownID(t *testing.T) {
	svc, err := NewLocalService(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	// Ids from a prior run's journal have no in-memory session.
	if err := svc.Abandon(context.Background(), "journal-only-id"); err != nil {
		t.Fatalf("abandon of unknown id failed: %v", err)
	}
}

func TestLocalServiceOpenRequiresName(t *testing.T) {
	svc, err := NewLocalService(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, err := svc.Open(context.Background(), Identity{Version: "1.0"}); err == nil {
		t.Fatal("expected error for empty package name")
	}
}
