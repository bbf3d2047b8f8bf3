// Package bridge is the surface external collaborators drive: it turns host events into store
// mutations, marker splices, reconciliations and focus renders, one event at a time.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marginalia/internal/anchors"
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/focus"
	"github.com/MarcoPoloResearchLab/marginalia/internal/markers"
)

var noOpLogger = zap.NewNop()

// Documents supplies raw document text and accepts spliced replacements.
type Documents interface {
	Read(ctx context.Context, path annotations.DocumentPath) (string, error)
	Write(ctx context.Context, path annotations.DocumentPath, text string) error
}

// EventType names a change pushed to collaborators.
type EventType string

const (
	// EventAnchorsChanged follows every reconciliation of a document.
	EventAnchorsChanged EventType = "anchors-changed"
	// EventThreadsChanged follows a mutation that leaves marker positions untouched.
	EventThreadsChanged EventType = "threads-changed"
)

// Event describes one change to a document's annotations.
type Event struct {
	Type      EventType
	Path      annotations.DocumentPath
	Revision  uint64
	CommentID *annotations.CommentID
}

// Notifier receives change events after they are committed.
type Notifier interface {
	Notify(event Event)
}

// Config describes the dependencies of a Bridge.
type Config struct {
	Store     *annotations.Store
	Documents Documents
	Notifier  Notifier
	Logger    *zap.Logger
	// Focus overrides the stock opacities when set; zero opacities are honored.
	Focus *focus.Options
}

// Snapshot is one reconciliation result. Hosts drop snapshots older than the newest revision they hold.
type Snapshot struct {
	Path     annotations.DocumentPath `json:"path"`
	Revision uint64                   `json:"revision"`
	anchors.Set
}

// ScrollTarget locates an anchor for scroll-into-view and the caret placed at its payload start.
type ScrollTarget struct {
	ID    annotations.CommentID `json:"id"`
	Span  anchors.Span          `json:"span"`
	Caret int                   `json:"caret"`
}

// Bridge serializes every collaborator event, so the store it owns sees a single mutator.
type Bridge struct {
	mu        sync.Mutex
	store     *annotations.Store
	documents Documents
	notifier  Notifier
	logger    *zap.Logger
	options   focus.Options

	revisions   map[annotations.DocumentPath]uint64
	sets        map[annotations.DocumentPath]anchors.Set
	controllers map[annotations.DocumentPath]*focus.Controller
}

// New constructs a Bridge. A nil Focus falls back to the stock opacities.
func New(cfg Config) (*Bridge, error) {
	if cfg.Store == nil {
		return nil, newOperationError(opNew, reasonMissingStore, errMissingStore)
	}
	if cfg.Documents == nil {
		return nil, newOperationError(opNew, reasonMissingDocuments, errMissingDocuments)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	options := focus.DefaultOptions()
	if cfg.Focus != nil {
		options = *cfg.Focus
	}
	return &Bridge{
		store:       cfg.Store,
		documents:   cfg.Documents,
		notifier:    cfg.Notifier,
		logger:      logger,
		options:     options,
		revisions:   make(map[annotations.DocumentPath]uint64),
		sets:        make(map[annotations.DocumentPath]anchors.Set),
		controllers: make(map[annotations.DocumentPath]*focus.Controller),
	}, nil
}

type profileContextKey struct{}

// ContextWithProfile binds the acting commenter for the operations called with ctx.
// Without a binding the store's configured active profile acts.
func ContextWithProfile(ctx context.Context, id annotations.ProfileID) context.Context {
	return context.WithValue(ctx, profileContextKey{}, id)
}

// ProfileFromContext returns the acting commenter bound to ctx.
func ProfileFromContext(ctx context.Context) (annotations.ProfileID, bool) {
	id, ok := ctx.Value(profileContextKey{}).(annotations.ProfileID)
	return id, ok && id != ""
}

// bind applies the context profile for one operation and returns the restore func.
// Must be called with b.mu held.
func (b *Bridge) bind(ctx context.Context) func() {
	actor, ok := ProfileFromContext(ctx)
	if !ok {
		return func() {}
	}
	previous := b.store.ActiveProfile()
	b.store.SetActiveProfile(actor)
	return func() {
		if previous == actor {
			// a rename during the operation moves the default identity along with it
			previous = b.store.ActiveProfile()
		}
		b.store.SetActiveProfile(previous)
	}
}

func (b *Bridge) requireActiveProfile(operation string) (annotations.ProfileID, error) {
	active := b.store.ActiveProfile()
	if active == "" || !b.store.HasProfile(active) {
		return "", newOperationError(operation, reasonNoActiveProfile, ErrNoActiveProfile)
	}
	return active, nil
}

// CreateAnnotation comments on text[start:end]. The marker is spliced into the document only after
// the comment is persisted; a failed splice removes the comment again.
func (b *Bridge) CreateAnnotation(ctx context.Context, path annotations.DocumentPath, start, end int, body string) (annotations.Comment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.bind(ctx)()

	if _, err := annotations.NewDocumentPath(path.String()); err != nil {
		return annotations.Comment{}, newOperationError(opCreate, reasonInvalidPath, err)
	}
	if _, err := b.requireActiveProfile(opCreate); err != nil {
		return annotations.Comment{}, err
	}
	text, err := b.read(ctx, opCreate, path)
	if err != nil {
		return annotations.Comment{}, err
	}
	if start < 0 || end > len(text) || start > end {
		cause := fmt.Errorf("%w: [%d,%d) in %d bytes", ErrSelectionOutOfRange, start, end, len(text))
		return annotations.Comment{}, newOperationError(opCreate, reasonOutOfRange, cause)
	}
	if start == end {
		return annotations.Comment{}, newOperationError(opCreate, reasonEmptySelection, ErrEmptySelection)
	}
	selected := text[start:end]
	if strings.Contains(selected, markers.Terminator) {
		return annotations.Comment{}, newOperationError(opCreate, reasonPayloadDelimiter, markers.ErrPayloadDelimiter)
	}
	current := b.reconcileText(path, text)
	if current.Touching(start, end) {
		return annotations.Comment{}, newOperationError(opCreate, reasonOverlap, ErrOverlappingAnchor)
	}

	var spliceErr error
	comment, err := b.store.AddComment(ctx, path, selected, body, func(created annotations.Comment) {
		spliced, wrapErr := markers.Wrap(text, start, end, created.ID)
		if wrapErr != nil {
			spliceErr = wrapErr
			return
		}
		spliceErr = b.documents.Write(ctx, path, spliced)
	})
	if err != nil {
		return annotations.Comment{}, err
	}
	if spliceErr != nil {
		b.logError(opCreate, reasonWriteFailed, spliceErr, zap.String("document_path", path.String()), zap.Int64("comment_id", int64(comment.ID)))
		if rollbackErr := b.store.RemoveComment(ctx, path, comment.ID, nil); rollbackErr != nil {
			b.logError(opCreate, reasonRollbackFailed, rollbackErr, zap.String("document_path", path.String()))
			return annotations.Comment{}, newOperationError(opCreate, reasonRollbackFailed, errors.Join(spliceErr, rollbackErr))
		}
		return annotations.Comment{}, newOperationError(opCreate, reasonWriteFailed, spliceErr)
	}

	if _, err := b.refresh(ctx, opCreate, path); err != nil {
		return annotations.Comment{}, err
	}
	return comment, nil
}

// EditAnnotation replaces the comment body. Non-authors are ignored.
func (b *Bridge) EditAnnotation(ctx context.Context, path annotations.DocumentPath, id annotations.CommentID, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.bind(ctx)()

	if err := b.store.EditComment(ctx, path, id, body); err != nil {
		return err
	}
	b.notify(EventThreadsChanged, path, &id)
	return nil
}

// ResolveAnnotation sets the resolved flag. Non-authors are ignored.
func (b *Bridge) ResolveAnnotation(ctx context.Context, path annotations.DocumentPath, id annotations.CommentID, resolved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.bind(ctx)()

	if err := b.store.ResolveComment(ctx, path, id, resolved); err != nil {
		return err
	}
	if _, err := b.refresh(ctx, opResolve, path); err != nil {
		return err
	}
	return nil
}

// RemoveAnnotation deletes the comment and splices its commented text back over the first marker
// carrying its id. Non-authors are ignored.
func (b *Bridge) RemoveAnnotation(ctx context.Context, path annotations.DocumentPath, id annotations.CommentID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.bind(ctx)()

	var spliceErr error
	removed := false
	err := b.store.RemoveComment(ctx, path, id, func(comment annotations.Comment) {
		removed = true
		text, readErr := b.documents.Read(ctx, path)
		if readErr != nil {
			spliceErr = readErr
			return
		}
		restored, _, found := markers.Unwrap(text, comment)
		if !found {
			b.logger.Debug("removed comment had no marker",
				zap.String("document_path", path.String()),
				zap.Int64("comment_id", int64(comment.ID)))
			return
		}
		spliceErr = b.documents.Write(ctx, path, restored)
	})
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	if spliceErr != nil {
		b.logError(opRemove, reasonWriteFailed, spliceErr, zap.String("document_path", path.String()), zap.Int64("comment_id", int64(id)))
		return newOperationError(opRemove, reasonWriteFailed, spliceErr)
	}
	if _, err := b.refresh(ctx, opRemove, path); err != nil {
		return err
	}
	return nil
}

// AddReply appends a reply from the active profile.
func (b *Bridge) AddReply(ctx context.Context, path annotations.DocumentPath, id annotations.CommentID, text string) (annotations.CommentReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.bind(ctx)()

	if _, err := b.requireActiveProfile(opReply); err != nil {
		return annotations.CommentReply{}, err
	}
	reply, err := b.store.AddReply(ctx, path, id, text)
	if err != nil {
		return annotations.CommentReply{}, err
	}
	b.notify(EventThreadsChanged, path, &id)
	return reply, nil
}

// AnchorsForPath reconciles the current document text and returns the ordered anchor set.
func (b *Bridge) AnchorsForPath(ctx context.Context, path annotations.DocumentPath) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconcile(ctx, opAnchors, path)
}

// DocumentChanged handles a host edit: it reconciles, revalidates focus and notifies subscribers.
// Calling it redundantly is harmless.
func (b *Bridge) DocumentChanged(ctx context.Context, path annotations.DocumentPath) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh(ctx, opAnchors, path)
}

// FocusAt moves the caret of path to position and returns the full visual state.
func (b *Bridge) FocusAt(ctx context.Context, path annotations.DocumentPath, position int) (focus.VisualState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, err := b.currentSet(ctx, path)
	if err != nil {
		return focus.VisualState{}, err
	}
	state := b.controller(path).MoveCaret(set, position)
	return focus.Render(set, state, b.options), nil
}

// FocusComment focuses id directly, as selecting a thread in the side panel does.
func (b *Bridge) FocusComment(ctx context.Context, path annotations.DocumentPath, id annotations.CommentID) (focus.VisualState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, err := b.currentSet(ctx, path)
	if err != nil {
		return focus.VisualState{}, err
	}
	state := b.controller(path).Focus(set, id)
	return focus.Render(set, state, b.options), nil
}

// VisualState renders the current focus of path without moving it.
func (b *Bridge) VisualState(ctx context.Context, path annotations.DocumentPath) (focus.VisualState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, err := b.currentSet(ctx, path)
	if err != nil {
		return focus.VisualState{}, err
	}
	state := b.controller(path).Refresh(set)
	return focus.Render(set, state, b.options), nil
}

// ScrollTargetFor returns the outer span of the first marker carrying id.
func (b *Bridge) ScrollTargetFor(ctx context.Context, path annotations.DocumentPath, id annotations.CommentID) (ScrollTarget, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot, err := b.reconcile(ctx, opScroll, path)
	if err != nil {
		return ScrollTarget{}, err
	}
	anchor, ok := snapshot.First(id)
	if !ok {
		cause := fmt.Errorf("%w: marker %s in %q", annotations.ErrNotFound, id, path)
		return ScrollTarget{}, newOperationError(opScroll, reasonMarkerNotFound, cause)
	}
	return ScrollTarget{ID: id, Span: anchor.Outer, Caret: anchor.Inner.Start}, nil
}

// Revision returns the number of reconciliations performed for path.
func (b *Bridge) Revision(path annotations.DocumentPath) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revisions[path]
}

func (b *Bridge) read(ctx context.Context, operation string, path annotations.DocumentPath) (string, error) {
	text, err := b.documents.Read(ctx, path)
	if err != nil {
		b.logError(operation, reasonReadFailed, err, zap.String("document_path", path.String()))
		return "", newOperationError(operation, reasonReadFailed, err)
	}
	return text, nil
}

func (b *Bridge) reconcileText(path annotations.DocumentPath, text string) anchors.Set {
	comments, _ := b.store.CommentsForPath(path)
	return anchors.Reconcile(text, comments, b.store)
}

// reconcile rescans path, replacing any cached set. Must be called with b.mu held.
func (b *Bridge) reconcile(ctx context.Context, operation string, path annotations.DocumentPath) (Snapshot, error) {
	if _, err := annotations.NewDocumentPath(path.String()); err != nil {
		return Snapshot{}, newOperationError(operation, reasonInvalidPath, err)
	}
	text, err := b.read(ctx, operation, path)
	if err != nil {
		return Snapshot{}, err
	}
	set := b.reconcileText(path, text)
	b.revisions[path]++
	b.sets[path] = set
	b.controller(path).Refresh(set)

	for _, id := range set.Diagnostics.OrphanIDs {
		b.logger.Debug("orphan marker",
			zap.String("document_path", path.String()),
			zap.Int64("comment_id", int64(id)))
	}
	for _, span := range set.Diagnostics.MalformedSpans {
		b.logger.Debug("malformed marker",
			zap.String("document_path", path.String()),
			zap.Int("offset", span.Start))
	}
	return Snapshot{Path: path, Revision: b.revisions[path], Set: set}, nil
}

// refresh reconciles and tells subscribers. Must be called with b.mu held.
func (b *Bridge) refresh(ctx context.Context, operation string, path annotations.DocumentPath) (Snapshot, error) {
	snapshot, err := b.reconcile(ctx, operation, path)
	if err != nil {
		return Snapshot{}, err
	}
	b.notify(EventAnchorsChanged, path, nil)
	return snapshot, nil
}

func (b *Bridge) currentSet(ctx context.Context, path annotations.DocumentPath) (anchors.Set, error) {
	if set, ok := b.sets[path]; ok {
		return set, nil
	}
	snapshot, err := b.reconcile(ctx, opFocus, path)
	if err != nil {
		return anchors.Set{}, err
	}
	return snapshot.Set, nil
}

func (b *Bridge) controller(path annotations.DocumentPath) *focus.Controller {
	controller, ok := b.controllers[path]
	if !ok {
		controller = focus.NewController()
		b.controllers[path] = controller
	}
	return controller
}

func (b *Bridge) notify(eventType EventType, path annotations.DocumentPath, id *annotations.CommentID) {
	if b.notifier == nil {
		return
	}
	b.notifier.Notify(Event{Type: eventType, Path: path, Revision: b.revisions[path], CommentID: id})
}

func (b *Bridge) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	b.logger.Error("bridge error", attrs...)
}
