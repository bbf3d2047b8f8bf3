// Package documents exposes the annotated files under one workspace root.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

var (
	// ErrOutsideWorkspace reports a document path escaping the workspace root.
	ErrOutsideWorkspace = errors.New("documents: path escapes workspace root")
	// ErrNotText reports a document that is not valid UTF-8.
	ErrNotText = errors.New("documents: not a UTF-8 text document")
	// ErrReservedPath reports a document path naming a file the engine keeps its own state in.
	ErrReservedPath = errors.New("documents: path is reserved for annotation state")

	errMissingRoot = errors.New("workspace root is required")
)

// DefaultExtensions are the file types Walk reports.
var DefaultExtensions = []string{".md", ".txt"}

const documentMode fs.FileMode = 0o644

// Workspace reads and rewrites documents addressed by their slash-separated path
// relative to the root.
type Workspace struct {
	root     string
	reserved []string
}

// NewWorkspace resolves root to an absolute directory. Files named in reserved, and their
// `-journal`, `-wal` and `-shm` siblings, are never read or written as documents.
func NewWorkspace(root string, reserved ...string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errMissingRoot
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("documents: resolve root: %w", err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, fmt.Errorf("documents: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("documents: root %q is not a directory", absolute)
	}
	workspace := &Workspace{root: absolute}
	for _, location := range reserved {
		if strings.TrimSpace(location) == "" {
			continue
		}
		// relative entries resolve like the persister opens them, against the working directory
		resolved, err := filepath.Abs(location)
		if err != nil {
			return nil, fmt.Errorf("documents: resolve reserved path: %w", err)
		}
		workspace.reserved = append(workspace.reserved, resolved)
	}
	return workspace, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a document path onto the filesystem.
func (w *Workspace) Resolve(path annotations.DocumentPath) (string, error) {
	if _, err := annotations.NewDocumentPath(path.String()); err != nil {
		return "", err
	}
	cleaned := filepath.Clean(filepath.FromSlash(path.String()))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkspace, path)
	}
	location := filepath.Join(w.root, cleaned)
	if w.isReserved(location) {
		return "", fmt.Errorf("%w: %q", ErrReservedPath, path)
	}
	return location, nil
}

func (w *Workspace) isReserved(location string) bool {
	for _, reserved := range w.reserved {
		if location == reserved {
			return true
		}
		for _, suffix := range []string{"-journal", "-wal", "-shm"} {
			if location == reserved+suffix {
				return true
			}
		}
	}
	return false
}

// Read returns the text of path.
func (w *Workspace) Read(ctx context.Context, path annotations.DocumentPath) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	location, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return "", fmt.Errorf("documents: read %q: %w", path, err)
	}
	if !isText(data) {
		return "", fmt.Errorf("%w: %q", ErrNotText, path)
	}
	return string(data), nil
}

// Write replaces the text of path through a temporary file in the same directory.
func (w *Workspace) Write(ctx context.Context, path annotations.DocumentPath, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	location, err := w.Resolve(path)
	if err != nil {
		return err
	}
	mode := documentMode
	if info, statErr := os.Stat(location); statErr == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return fmt.Errorf("documents: create directory for %q: %w", path, err)
	}
	temp, err := os.CreateTemp(filepath.Dir(location), ".marginalia-*")
	if err != nil {
		return fmt.Errorf("documents: stage %q: %w", path, err)
	}
	tempName := temp.Name()
	defer os.Remove(tempName)

	if _, err := temp.WriteString(text); err != nil {
		temp.Close()
		return fmt.Errorf("documents: write %q: %w", path, err)
	}
	if err := temp.Chmod(mode); err != nil {
		temp.Close()
		return fmt.Errorf("documents: chmod %q: %w", path, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("documents: close %q: %w", path, err)
	}
	if err := os.Rename(tempName, location); err != nil {
		return fmt.Errorf("documents: replace %q: %w", path, err)
	}
	return nil
}

// Walk lists every document under the root whose extension is in extensions, sorted by path.
// Hidden directories are skipped.
func (w *Workspace) Walk(ctx context.Context, extensions []string) ([]annotations.DocumentPath, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	wanted := make(map[string]bool, len(extensions))
	for _, extension := range extensions {
		wanted[strings.ToLower(extension)] = true
	}

	var paths []annotations.DocumentPath
	err := filepath.WalkDir(w.root, func(location string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if location != w.root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !wanted[strings.ToLower(filepath.Ext(entry.Name()))] || w.isReserved(location) {
			return nil
		}
		relative, err := filepath.Rel(w.root, location)
		if err != nil {
			return err
		}
		paths = append(paths, annotations.DocumentPath(filepath.ToSlash(relative)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("documents: walk %q: %w", w.root, err)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths, nil
}

func isText(data []byte) bool {
	return utf8.Valid(data)
}
