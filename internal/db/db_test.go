package db_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsprackett/prd-relay/internal/auth"
	"github.com/zsprackett/prd-relay/internal/db"
)

func TestMigrate(t *testing.T) {
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	// Re-running must tolerate the already-added columns.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuthSessionCRUD(t *testing.T) {
	store := openTestDB(t)

	if _, ok, err := store.LoadSession(); err != nil || ok {
		t.Fatalf("empty db: ok=%v err=%v", ok, err)
	}

	s := auth.Session{AccessToken: "a1", RefreshToken: "r1", SessionKey: "k1", UserID: "u1", ClientType: "desktop"}
	if err := store.SaveSession(s); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.AccessToken = "a2"
	if err := store.SaveSession(s); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, ok, err := store.LoadSession()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != s {
		t.Errorf("got %+v want %+v", got, s)
	}

	if err := store.DeleteSession(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.LoadSession(); ok {
		t.Error("expected no session after delete")
	}
}

func TestSessionSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	store.Migrate()
	store.SaveSession(auth.Session{AccessToken: "persisted"})
	store.Close()

	store, err = db.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.Migrate()
	got, ok, err := store.LoadSession()
	if err != nil || !ok || got.AccessToken != "persisted" {
		t.Errorf("got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestStreamRuns(t *testing.T) {
	store := openTestDB(t)

	base := time.Now().Truncate(time.Millisecond)
	for i := range 5 {
		r := db.StreamRun{
			ID:        fmt.Sprintf("run-%d", i),
			Kind:      "message",
			Target:    "s1",
			Path:      "/sessions/s1/messages",
			Outcome:   "done",
			Events:    i + 1,
			Bytes:     int64(100 * i),
			StartedAt: base.Add(time.Duration(i) * time.Second),
			EndedAt:   base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
		}
		if err := store.RecordRun(r); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	runs, err := store.RecentRuns(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-4" || runs[2].ID != "run-2" {
		t.Errorf("order: got %s..%s", runs[0].ID, runs[2].ID)
	}
	if runs[0].Duration() != 500*time.Millisecond {
		t.Errorf("duration: got %v", runs[0].Duration())
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Events != 2 || got.Bytes != 100 || !got.StartedAt.Equal(base.Add(time.Second)) {
		t.Errorf("run-1: %+v", got)
	}

	n, err := store.PruneRuns(2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned: got %d want 3", n)
	}
	runs, _ = store.RecentRuns(10)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs after prune, got %d", len(runs))
	}
}

func TestRecordRunStoresError(t *testing.T) {
	store := openTestDB(t)
	now := time.Now()
	store.RecordRun(db.StreamRun{ID: "x", Kind: "preview", Outcome: "error", Error: "HTTP 500", StartedAt: now, EndedAt: now})
	got, err := store.GetRun("x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != "error" || got.Error != "HTTP 500" {
		t.Errorf("got %+v", got)
	}
}

func TestMetadata(t *testing.T) {
	store := openTestDB(t)

	if v, err := store.GetMeta("last_user"); err != nil || v != "" {
		t.Errorf("missing key: got %q err=%v", v, err)
	}
	store.SetMeta("last_user", "alice")
	if v, _ := store.GetMeta("last_user"); v != "alice" {
		t.Errorf("got %q", v)
	}
}
