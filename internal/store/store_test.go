package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ehrlich-b/replink/internal/workspace"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "replink.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetWorkspace(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	d := workspace.Descriptor{ID: "ws-1", Owner: "alice", Slug: "demo", Engine: "goval", CanUseShellRunner: true}
	if err := s.UpsertWorkspace(d, now); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetWorkspace("ws-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil workspace")
	}
	if diff := cmp.Diff(d, got.Descriptor); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
	if !got.OpenedAt.Equal(now) {
		t.Errorf("opened_at = %v, want %v", got.OpenedAt, now)
	}

	// upsert again with updated values
	d.Engine = "pid2"
	d.CanUseShellRunner = false
	later := now.Add(time.Minute)
	if err := s.UpsertWorkspace(d, later); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	got, _ = s.GetWorkspace("ws-1")
	if got.Engine != "pid2" || got.CanUseShellRunner {
		t.Errorf("after upsert = %+v", got.Descriptor)
	}
	if !got.OpenedAt.Equal(later) {
		t.Errorf("opened_at after upsert = %v, want %v", got.OpenedAt, later)
	}
}

func TestUpsertRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertWorkspace(workspace.Descriptor{Owner: "alice"}, time.Now()); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestGetWorkspaceNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetWorkspace("nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestFindWorkspace(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	s.UpsertWorkspace(workspace.Descriptor{ID: "ws-1", Owner: "Alice", Slug: "Demo"}, now)
	s.UpsertWorkspace(workspace.Descriptor{ID: "ws-2", Owner: "bob", Slug: "demo"}, now)

	got, err := s.FindWorkspace("alice", "demo")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.ID != "ws-1" {
		t.Fatalf("find = %+v, want ws-1", got)
	}

	got, err = s.FindWorkspace("carol", "demo")
	if err != nil || got != nil {
		t.Errorf("find miss = %+v, %v", got, err)
	}
}

func TestRecentWorkspaces(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"ws-a", "ws-b", "ws-c"} {
		s.UpsertWorkspace(workspace.Descriptor{ID: id}, base.Add(time.Duration(i)*time.Minute))
	}

	recent, err := s.RecentWorkspaces(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	var ids []string
	for _, w := range recent {
		ids = append(ids, w.ID)
	}
	if diff := cmp.Diff([]string{"ws-c", "ws-b"}, ids); diff != "" {
		t.Errorf("recent ids (-want +got):\n%s", diff)
	}
}

func TestDeleteWorkspace(t *testing.T) {
	s := openTestStore(t)
	s.UpsertWorkspace(workspace.Descriptor{ID: "ws-1"}, time.Now())
	if err := s.DeleteWorkspace("ws-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteWorkspace("ws-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if got, _ := s.GetWorkspace("ws-1"); got != nil {
		t.Errorf("workspace survived delete: %+v", got)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replink.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.UpsertWorkspace(workspace.Descriptor{ID: "ws-1", Slug: "demo"}, time.Now())
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetWorkspace("ws-1")
	if err != nil || got == nil || got.Slug != "demo" {
		t.Errorf("after reopen = %+v, %v", got, err)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	s := openTestStore(t)
	// Running migrate again should not fail
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestAllTablesExist(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"workspaces", "schema_migrations"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
		if err != nil {
			t.Fatalf("check table %s: %v", name, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", name)
		}
	}
}
