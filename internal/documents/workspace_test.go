package documents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	workspace, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return workspace
}

func TestWorkspaceReadWriteRoundTrip(t *testing.T) {
	workspace := newTestWorkspace(t)
	ctx := context.Background()
	path := annotations.DocumentPath("notes/chapter one.md")

	if err := workspace.Write(ctx, path, "hello |0|world||"); err != nil {
		t.Fatalf("write: %v", err)
	}
	text, err := workspace.Read(ctx, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if text != "hello |0|world||" {
		t.Fatalf("unexpected text %q", text)
	}
	entries, err := os.ReadDir(filepath.Join(workspace.Root(), "notes"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("staging files must not remain, found %d entries", len(entries))
	}
}

func TestWorkspaceRejectsEscapingPaths(t *testing.T) {
	workspace := newTestWorkspace(t)
	for _, raw := range []string{"../secret.md", "notes/../../secret.md", ".."} {
		if _, err := workspace.Resolve(annotations.DocumentPath(raw)); !errors.Is(err, ErrOutsideWorkspace) {
			t.Fatalf("expected ErrOutsideWorkspace for %q, got %v", raw, err)
		}
	}
	if _, err := workspace.Resolve(""); !errors.Is(err, annotations.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for empty path, got %v", err)
	}
}

func TestWorkspaceReadRejectsBinary(t *testing.T) {
	workspace := newTestWorkspace(t)
	if err := os.WriteFile(filepath.Join(workspace.Root(), "blob.md"), []byte{0xff, 0xfe, 0x00}, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := workspace.Read(context.Background(), "blob.md"); !errors.Is(err, ErrNotText) {
		t.Fatalf("expected ErrNotText, got %v", err)
	}
}

func TestWorkspaceWalkFiltersAndSorts(t *testing.T) {
	workspace := newTestWorkspace(t)
	ctx := context.Background()
	for _, path := range []string{"b.md", "a/notes.TXT", "image.png", ".git/config.md", "a/z.md"} {
		location := filepath.Join(workspace.Root(), filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(location, []byte("text"), 0o644); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	paths, err := workspace.Walk(ctx, nil)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []annotations.DocumentPath{"a/notes.TXT", "a/z.md", "b.md"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for index := range want {
		if paths[index] != want[index] {
			t.Fatalf("expected %v, got %v", want, paths)
		}
	}
}

func TestNewWorkspaceRequiresDirectory(t *testing.T) {
	if _, err := NewWorkspace(""); err == nil {
		t.Fatalf("expected error for empty root")
	}
	file := filepath.Join(t.TempDir(), "file.md")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewWorkspace(file); err == nil {
		t.Fatalf("expected error for file root")
	}
}

func TestWorkspaceRefusesReservedPaths(t *testing.T) {
	root := t.TempDir()
	statePath := filepath.Join(root, "_comments.json")
	databasePath := filepath.Join(root, "data", "marginalia.db")
	if err := os.WriteFile(statePath, []byte(`{"commenters":{},"comments":{}}`), 0o644); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "kept.md"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	workspace, err := NewWorkspace(root, statePath, databasePath)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	ctx := context.Background()

	for _, raw := range []string{"_comments.json", "./_comments.json", "data/marginalia.db", "data/marginalia.db-wal", "data/x/../marginalia.db-journal"} {
		if _, err := workspace.Resolve(annotations.DocumentPath(raw)); !errors.Is(err, ErrReservedPath) {
			t.Fatalf("expected ErrReservedPath for %q, got %v", raw, err)
		}
	}
	if err := workspace.Write(ctx, "_comments.json", "|0|x||"); !errors.Is(err, ErrReservedPath) {
		t.Fatalf("expected write to be refused, got %v", err)
	}
	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if string(data) != `{"commenters":{},"comments":{}}` {
		t.Fatalf("state file was modified: %q", data)
	}
	if _, err := workspace.Resolve("data/marginalia.db.md"); err != nil {
		t.Fatalf("unrelated sibling should resolve: %v", err)
	}

	paths, err := workspace.Walk(ctx, []string{".md", ".json"})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(paths) != 1 || paths[0] != "kept.md" {
		t.Fatalf("walk must skip reserved files, got %v", paths)
	}
}
