package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDedupe(t *testing.T) *SQLiteDedupe {
	t.Helper()
	store, err := NewSQLiteDedupe(filepath.Join(t.TempDir(), "dedupe.db"), 24*time.Hour, testLogger())
	if err != nil {
		t.Fatalf("open dedupe store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDedupe_UnmarkedIDIsNew(t *testing.T) {
	store := newTestDedupe(t)

	seen, err := store.Seen(context.Background(), "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("unmarked id should not be seen")
	}
}

func TestDedupe_MarkedIDIsDuplicate(t *testing.T) {
	store := newTestDedupe(t)
	ctx := context.Background()

	if err := store.Mark(ctx, "wamid.1"); err != nil {
		t.Fatal(err)
	}
	seen, err := store.Seen(ctx, "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("marked id should be a duplicate")
	}
}

func TestDedupe_SeenDoesNotRecord(t *testing.T) {
	store := newTestDedupe(t)
	ctx := context.Background()

	// Checking an id must leave no trace: an event that later fails
	// must stay eligible for the provider's retry.
	if _, err := store.Seen(ctx, "wamid.1"); err != nil {
		t.Fatal(err)
	}
	seen, err := store.Seen(ctx, "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("a check alone must not record the id")
	}
}

func TestDedupe_MarkIsIdempotent(t *testing.T) {
	store := newTestDedupe(t)
	ctx := context.Background()

	if err := store.Mark(ctx, "wamid.1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Mark(ctx, "wamid.1"); err != nil {
		t.Fatalf("second mark of the same id: %v", err)
	}
}

func TestDedupe_DistinctIDsIndependent(t *testing.T) {
	store := newTestDedupe(t)
	ctx := context.Background()

	if err := store.Mark(ctx, "wamid.1"); err != nil {
		t.Fatal(err)
	}
	seen, err := store.Seen(ctx, "wamid.2")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("different id should not be a duplicate")
	}
}

func TestDedupe_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedupe.db")
	ctx := context.Background()

	store, err := NewSQLiteDedupe(path, 24*time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Mark(ctx, "wamid.1"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewSQLiteDedupe(path, 24*time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	seen, err := reopened.Seen(ctx, "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("dedupe state should survive a restart")
	}
}

func TestDedupe_ExpiredEntriesPurged(t *testing.T) {
	store := newTestDedupe(t)
	ctx := context.Background()

	// Plant an entry well past the TTL, then trigger a purge cycle.
	old := time.Now().Add(-48 * time.Hour)
	if _, err := store.db.ExecContext(ctx,
		`INSERT INTO processed_messages (id, processed_at) VALUES (?, ?)`,
		"wamid.old", old); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	store.lastPurge = time.Time{}
	store.mu.Unlock()

	if _, err := store.Seen(ctx, "wamid.new"); err != nil {
		t.Fatal(err)
	}

	seen, err := store.Seen(ctx, "wamid.old")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("expired entry should have been purged and count as new")
	}
}
