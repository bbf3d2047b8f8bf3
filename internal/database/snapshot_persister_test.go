package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

func openTestDatabase(t *testing.T) *SnapshotPersister {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "marginalia.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	persister, err := NewSnapshotPersister(SnapshotPersisterConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("new persister: %v", err)
	}
	return persister
}

func TestNewSnapshotPersisterRequiresDatabase(t *testing.T) {
	if _, err := NewSnapshotPersister(SnapshotPersisterConfig{}); err == nil {
		t.Fatalf("expected error without database")
	}
}

func TestSnapshotPersisterLoadMissingCollection(t *testing.T) {
	persister := openTestDatabase(t)
	if persister.Collection() != DefaultCollection {
		t.Fatalf("expected default collection, got %q", persister.Collection())
	}
	data, err := persister.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil payload, got %q", data)
	}
}

func TestSnapshotPersisterSaveOverwrites(t *testing.T) {
	persister := openTestDatabase(t)
	ctx := context.Background()
	for _, payload := range []string{`{"commenters":{},"comments":{}}`, `{"commenters":{"a":{}},"comments":{}}`} {
		if err := persister.Save(ctx, []byte(payload)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	data, err := persister.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != `{"commenters":{"a":{}},"comments":{}}` {
		t.Fatalf("unexpected payload %q", data)
	}
	names, err := Collections(ctx, persister.db)
	if err != nil {
		t.Fatalf("collections: %v", err)
	}
	if len(names) != 1 || names[0] != DefaultCollection {
		t.Fatalf("expected one collection row, got %v", names)
	}
}

func TestSnapshotPersisterBacksAnnotationStore(t *testing.T) {
	persister := openTestDatabase(t)
	ctx := context.Background()

	store, err := annotations.Open(ctx, annotations.StoreConfig{Persister: persister, ActiveProfile: "alice"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.AddProfile(ctx, annotations.CommenterProfile{ID: "alice", Name: "Alice", Color: "#123456"}); err != nil {
		t.Fatalf("add profile: %v", err)
	}
	if _, err := store.AddComment(ctx, "doc.md", "text", "body", nil); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	before, err := store.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	reopened, err := annotations.Open(ctx, annotations.StoreConfig{Persister: persister})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	after, err := reopened.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("state changed across reopen:\n%s\n%s", before, after)
	}
}
