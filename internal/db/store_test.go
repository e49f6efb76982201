package db

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "agentbridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store
}

func TestSaveSessionUpserts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := SessionRecord{
		SessionID:   "sess-1",
		BackendKind: "stream",
		Snapshot:    []byte{0x01, 0x02},
		History:     []byte{0x03},
		UpdatedAt:   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("save session: %v", err)
	}

	rec.Snapshot = []byte{0x0a, 0x0b, 0x0c}
	rec.BackendKind = "rpc"
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	if err := store.SaveSession(ctx, rec); err != nil {
		t.Fatalf("save session again: %v", err)
	}

	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.BackendKind != "rpc" {
		t.Fatalf("backend_kind = %q, want rpc", got.BackendKind)
	}
	if !bytes.Equal(got.Snapshot, []byte{0x0a, 0x0b, 0x0c}) {
		t.Fatalf("snapshot = %v, want updated blob", got.Snapshot)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("updated_at = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}

	count, err := store.CountSessions(ctx)
	if err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestSaveSessionRequiresID(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := store.SaveSession(ctx, SessionRecord{}); err == nil {
		t.Fatal("expected error for empty session_id")
	}
}

func TestListSessionsOrderedByUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"sess-c", "sess-a", "sess-b"} {
		rec := SessionRecord{
			SessionID: id,
			Snapshot:  []byte{byte(i)},
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveSession(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	recs, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	want := []string{"sess-c", "sess-a", "sess-b"}
	for i, rec := range recs {
		if rec.SessionID != want[i] {
			t.Fatalf("recs[%d] = %q, want %q", i, rec.SessionID, want[i])
		}
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.SaveSession(ctx, SessionRecord{SessionID: "sess-1", Snapshot: []byte{0x01}}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if err := store.DeleteSession(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
	if _, err := store.GetSession(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	if err := RollbackAll(ctx, store.DB()); err != nil {
		t.Fatalf("rollback all: %v", err)
	}
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
}
