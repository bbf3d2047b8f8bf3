package annotations

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Persister     Persister
	Clock         func() time.Time
	Logger        *zap.Logger
	ActiveProfile ProfileID
}

// Store owns comment threads and commenter profiles. It assumes a single mutator;
// callers that deliver events from several goroutines must serialize them.
type Store struct {
	persister Persister
	clock     func() time.Time
	logger    *zap.Logger

	state         State
	activeProfile ProfileID
	// watermarks holds the next id per path so ids of removed comments are not handed out again.
	watermarks map[DocumentPath]CommentID
}

// ProfileUpdate describes an edit to a commenter profile. Empty fields are left unchanged.
type ProfileUpdate struct {
	NewID ProfileID
	Name  string
	Color string
}

// Open loads the state document, initializing the backing store when it is missing or empty.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Persister == nil {
		return nil, newServiceError(opOpen, reasonMissingPersister, errMissingPersister)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	store := &Store{
		persister:     cfg.Persister,
		clock:         clock,
		logger:        logger,
		activeProfile: cfg.ActiveProfile,
		watermarks:    make(map[DocumentPath]CommentID),
	}
	if err := store.load(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) load(ctx context.Context) error {
	data, err := s.persister.Load(ctx)
	if err != nil {
		s.logError(opOpen, reasonLoadFailed, err)
		return newServiceError(opOpen, reasonLoadFailed, fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	if len(data) == 0 {
		if err := s.persister.Save(ctx, []byte(EmptyStateDocument)); err != nil {
			s.logError(opOpen, reasonInitFailed, err)
			return newServiceError(opOpen, reasonInitFailed, fmt.Errorf("%w: %v", ErrPersistence, err))
		}
		data = []byte(EmptyStateDocument)
	}
	state, err := DecodeState(data)
	if err != nil {
		s.logError(opOpen, reasonDecodeFailed, err)
		return newServiceError(opOpen, reasonDecodeFailed, err)
	}
	s.state = state
	for path, comments := range state.Comments {
		s.watermarks[path] = comments.NextID()
	}
	s.logger.Debug("annotation store loaded",
		zap.Int("documents", len(state.Comments)),
		zap.Int("commenters", len(state.Commenters)))
	return nil
}

// SetActiveProfile changes the identity used to stamp and authorize mutations.
func (s *Store) SetActiveProfile(id ProfileID) {
	s.activeProfile = id
}

// ActiveProfile returns the identity used to stamp and authorize mutations.
func (s *Store) ActiveProfile() ProfileID {
	return s.activeProfile
}

// AddComment stores a new thread for selectedText and hands it to postAdd once it is persisted,
// so the caller can embed the marker in the document.
func (s *Store) AddComment(ctx context.Context, path DocumentPath, selectedText, body string, postAdd func(Comment)) (Comment, error) {
	if _, err := NewDocumentPath(path.String()); err != nil {
		return Comment{}, newServiceError(opAddComment, reasonInvalidPath, err)
	}
	author, err := NewProfileID(s.activeProfile.String())
	if err != nil {
		return Comment{}, newServiceError(opAddComment, reasonInvalidProfile, err)
	}

	existing := s.state.Comments[path]
	id := existing.NextID()
	if watermark := s.watermarks[path]; watermark > id {
		id = watermark
	}

	comment := Comment{
		ID:               id,
		CommenterProfile: author,
		CommentedText:    selectedText,
		Comment:          body,
		DateTime:         NewTimestamp(s.clock()),
		Replies:          []CommentReply{},
		Resolved:         false,
	}

	next := s.state.clone()
	comments := existing.Clone()
	comments[id] = comment
	next.Comments[path] = comments
	if err := s.commit(ctx, opAddComment, next); err != nil {
		return Comment{}, err
	}
	s.watermarks[path] = id + 1

	s.logger.Debug("comment added",
		zap.String("document_path", path.String()),
		zap.Int64("comment_id", int64(id)),
		zap.String("profile_id", author.String()))

	if postAdd != nil {
		postAdd(comment.clone())
	}
	return comment.clone(), nil
}

// EditComment replaces the body. Callers other than the author are ignored.
func (s *Store) EditComment(ctx context.Context, path DocumentPath, id CommentID, newBody string) error {
	return s.mutateComment(ctx, opEditComment, path, id, func(comment *Comment) {
		comment.Comment = newBody
	})
}

// ResolveComment sets the resolved flag. Callers other than the author are ignored.
func (s *Store) ResolveComment(ctx context.Context, path DocumentPath, id CommentID, resolved bool) error {
	return s.mutateComment(ctx, opResolve, path, id, func(comment *Comment) {
		comment.Resolved = resolved
	})
}

func (s *Store) mutateComment(ctx context.Context, operation string, path DocumentPath, id CommentID, mutate func(*Comment)) error {
	comment, err := s.lookup(operation, path, id)
	if err != nil {
		return err
	}
	if !s.isAuthor(operation, path, comment) {
		return nil
	}
	updated := comment.clone()
	mutate(&updated)

	next := s.state.clone()
	comments := s.state.Comments[path].Clone()
	comments[id] = updated
	next.Comments[path] = comments
	return s.commit(ctx, operation, next)
}

// RemoveComment deletes the thread and passes the removed record to postRemove so the caller
// can restore its commented text in place of the marker. Callers other than the author are ignored.
func (s *Store) RemoveComment(ctx context.Context, path DocumentPath, id CommentID, postRemove func(Comment)) error {
	comment, err := s.lookup(opRemoveComment, path, id)
	if err != nil {
		return err
	}
	if !s.isAuthor(opRemoveComment, path, comment) {
		return nil
	}

	next := s.state.clone()
	comments := s.state.Comments[path].Clone()
	delete(comments, id)
	next.Comments[path] = comments
	if err := s.commit(ctx, opRemoveComment, next); err != nil {
		return err
	}

	s.logger.Debug("comment removed",
		zap.String("document_path", path.String()),
		zap.Int64("comment_id", int64(id)))

	if postRemove != nil {
		postRemove(comment.clone())
	}
	return nil
}

// AddReply appends a reply authored by the active profile. Any profile may reply.
func (s *Store) AddReply(ctx context.Context, path DocumentPath, id CommentID, text string) (CommentReply, error) {
	comment, err := s.lookup(opAddReply, path, id)
	if err != nil {
		return CommentReply{}, err
	}
	author, err := NewProfileID(s.activeProfile.String())
	if err != nil {
		return CommentReply{}, newServiceError(opAddReply, reasonInvalidProfile, err)
	}

	reply := CommentReply{
		CommenterProfile: author,
		Reply:            text,
		DateTime:         NewTimestamp(s.clock()),
	}
	updated := comment.clone()
	updated.Replies = append(updated.Replies, reply)

	next := s.state.clone()
	comments := s.state.Comments[path].Clone()
	comments[id] = updated
	next.Comments[path] = comments
	if err := s.commit(ctx, opAddReply, next); err != nil {
		return CommentReply{}, err
	}
	return reply, nil
}

// AddProfile stores or replaces a commenter profile.
func (s *Store) AddProfile(ctx context.Context, profile CommenterProfile) error {
	if err := profile.Validate(); err != nil {
		return newServiceError(opAddProfile, reasonInvalidProfile, err)
	}
	next := s.state.clone()
	next.Commenters[profile.ID] = profile
	return s.commit(ctx, opAddProfile, next)
}

// RenameProfile moves a profile to newID and rewrites every comment and reply it authored.
func (s *Store) RenameProfile(ctx context.Context, oldID, newID ProfileID) error {
	return s.UpdateProfile(ctx, oldID, ProfileUpdate{NewID: newID})
}

// UpdateProfile edits the name and color of a profile and, when NewID differs, renames it.
// The rename cascades to every comment and reply in every document within the same write.
func (s *Store) UpdateProfile(ctx context.Context, id ProfileID, update ProfileUpdate) error {
	profile, ok := s.state.Commenters[id]
	if !ok {
		err := fmt.Errorf("%w: profile %q", ErrNotFound, id)
		return newServiceError(opUpdateProfile, reasonProfileNotFound, err)
	}
	if update.Name != "" {
		profile.Name = update.Name
	}
	if update.Color != "" {
		profile.Color = update.Color
	}
	renaming := update.NewID != "" && update.NewID != id
	if renaming {
		profile.ID = update.NewID
	}
	if err := profile.Validate(); err != nil {
		return newServiceError(opUpdateProfile, reasonInvalidProfile, err)
	}

	next := s.state.clone()
	if renaming {
		delete(next.Commenters, id)
		for path, comments := range s.state.Comments {
			if !authoredBy(comments, id) {
				continue
			}
			rewritten := comments.Clone()
			for commentID, comment := range rewritten {
				if comment.CommenterProfile == id {
					comment.CommenterProfile = update.NewID
				}
				for index := range comment.Replies {
					if comment.Replies[index].CommenterProfile == id {
						comment.Replies[index].CommenterProfile = update.NewID
					}
				}
				rewritten[commentID] = comment
			}
			next.Comments[path] = rewritten
		}
	}
	next.Commenters[profile.ID] = profile
	if err := s.commit(ctx, opUpdateProfile, next); err != nil {
		return err
	}
	if renaming && s.activeProfile == id {
		s.activeProfile = update.NewID
	}
	return nil
}

func authoredBy(comments Comments, id ProfileID) bool {
	for _, comment := range comments {
		if comment.CommenterProfile == id {
			return true
		}
		for _, reply := range comment.Replies {
			if reply.CommenterProfile == id {
				return true
			}
		}
	}
	return false
}

// GetProfile returns the profile or an ErrNotFound failure.
func (s *Store) GetProfile(id ProfileID) (CommenterProfile, error) {
	profile, ok := s.state.Commenters[id]
	if !ok {
		err := fmt.Errorf("%w: profile %q", ErrNotFound, id)
		return CommenterProfile{}, newServiceError(opGetProfile, reasonProfileNotFound, err)
	}
	return profile, nil
}

// LookupProfile reports the profile for id without producing an error.
func (s *Store) LookupProfile(id ProfileID) (CommenterProfile, bool) {
	profile, ok := s.state.Commenters[id]
	return profile, ok
}

// HasProfile reports whether id is a known profile.
func (s *Store) HasProfile(id ProfileID) bool {
	_, ok := s.state.Commenters[id]
	return ok
}

// Profiles lists every profile ordered by id.
func (s *Store) Profiles() []CommenterProfile {
	profiles := make([]CommenterProfile, 0, len(s.state.Commenters))
	for _, profile := range s.state.Commenters {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].ID < profiles[j].ID
	})
	return profiles
}

// CommentsForPath returns a copy of the path's comments. The boolean is false when the path
// has never been annotated, which is distinct from an existing path whose comments were all removed.
func (s *Store) CommentsForPath(path DocumentPath) (Comments, bool) {
	comments, ok := s.state.Comments[path]
	if !ok {
		return nil, false
	}
	return comments.Clone(), true
}

// Comment returns one comment or an ErrNotFound failure.
func (s *Store) Comment(path DocumentPath, id CommentID) (Comment, error) {
	comment, err := s.lookup(opGetComment, path, id)
	if err != nil {
		return Comment{}, err
	}
	return comment.clone(), nil
}

// Paths lists every annotated document path in sorted order.
func (s *Store) Paths() []DocumentPath {
	paths := make([]DocumentPath, 0, len(s.state.Comments))
	for path := range s.state.Comments {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		return paths[i] < paths[j]
	})
	return paths
}

// Encode serializes the current state.
func (s *Store) Encode() ([]byte, error) {
	return s.state.Encode()
}

// Flush writes the current state to the backing store.
func (s *Store) Flush(ctx context.Context) error {
	return s.commit(ctx, opFlush, s.state)
}

func (s *Store) lookup(operation string, path DocumentPath, id CommentID) (Comment, error) {
	if _, err := NewDocumentPath(path.String()); err != nil {
		return Comment{}, newServiceError(operation, reasonInvalidPath, err)
	}
	comments, ok := s.state.Comments[path]
	if !ok {
		err := fmt.Errorf("%w: document %q", ErrNotFound, path)
		return Comment{}, newServiceError(operation, reasonPathNotFound, err)
	}
	comment, ok := comments[id]
	if !ok {
		err := fmt.Errorf("%w: comment %s in %q", ErrNotFound, id, path)
		return Comment{}, newServiceError(operation, reasonCommentNotFound, err)
	}
	return comment, nil
}

func (s *Store) isAuthor(operation string, path DocumentPath, comment Comment) bool {
	if comment.CommenterProfile == s.activeProfile {
		return true
	}
	s.logger.Debug("mutation ignored for non-author",
		zap.String("operation", operation),
		zap.String("document_path", path.String()),
		zap.Int64("comment_id", int64(comment.ID)),
		zap.String("profile_id", s.activeProfile.String()))
	return false
}

// commit persists next and only then makes it the current state.
func (s *Store) commit(ctx context.Context, operation string, next State) error {
	document, err := next.Encode()
	if err != nil {
		s.logError(operation, reasonEncodeFailed, err)
		return newServiceError(operation, reasonEncodeFailed, fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	if err := s.persister.Save(ctx, document); err != nil {
		s.logError(operation, reasonWriteFailed, err)
		return newServiceError(operation, reasonWriteFailed, fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	s.state = next
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("annotation store error", attrs...)
}
