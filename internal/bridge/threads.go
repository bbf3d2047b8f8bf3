package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marginalia/internal/anchors"
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

// Author is a commenter profile as shown next to a thread, with its parsed color.
type Author struct {
	annotations.CommenterProfile
	RGB     anchors.RGB `json:"rgb"`
	Missing bool        `json:"missing,omitempty"`
}

// ReplyView is one reply with its resolved author.
type ReplyView struct {
	Reply    string                `json:"reply"`
	DateTime annotations.Timestamp `json:"dateTime"`
	Author   Author                `json:"author"`
}

// Thread is one comment as the side panel lists it.
type Thread struct {
	ID            annotations.CommentID `json:"id"`
	CommentedText string                `json:"commentedText"`
	Comment       string                `json:"comment"`
	DateTime      annotations.Timestamp `json:"dateTime"`
	Resolved      bool                  `json:"resolved"`
	Author        Author                `json:"author"`
	Replies       []ReplyView           `json:"replies"`
}

// Threads lists the comments of path ordered by id. A path that was never annotated has no threads.
func (b *Bridge) Threads(ctx context.Context, path annotations.DocumentPath) ([]Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := annotations.NewDocumentPath(path.String()); err != nil {
		return nil, newOperationError(opThreads, reasonInvalidPath, err)
	}
	comments, _ := b.store.CommentsForPath(path)
	ids := make([]annotations.CommentID, 0, len(comments))
	for id := range comments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	threads := make([]Thread, 0, len(ids))
	for _, id := range ids {
		comment := comments[id]
		thread := Thread{
			ID:            comment.ID,
			CommentedText: comment.CommentedText,
			Comment:       comment.Comment,
			DateTime:      comment.DateTime,
			Resolved:      comment.Resolved,
			Author:        b.author(comment.CommenterProfile),
			Replies:       make([]ReplyView, 0, len(comment.Replies)),
		}
		for _, reply := range comment.Replies {
			thread.Replies = append(thread.Replies, ReplyView{
				Reply:    reply.Reply,
				DateTime: reply.DateTime,
				Author:   b.author(reply.CommenterProfile),
			})
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

func (b *Bridge) author(id annotations.ProfileID) Author {
	profile, ok := b.store.LookupProfile(id)
	if !ok {
		return Author{
			CommenterProfile: annotations.CommenterProfile{ID: id, Name: id.String()},
			RGB:              anchors.FallbackColor,
			Missing:          true,
		}
	}
	return Author{CommenterProfile: profile, RGB: anchors.ParseHex(profile.Color)}
}

// Profile returns the commenter profile for id.
func (b *Bridge) Profile(id annotations.ProfileID) (annotations.CommenterProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.GetProfile(id)
}

// Profiles lists every commenter profile ordered by id.
func (b *Bridge) Profiles() []annotations.CommenterProfile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Profiles()
}

// ActiveProfile returns the acting commenter for ctx.
func (b *Bridge) ActiveProfile(ctx context.Context) annotations.ProfileID {
	if id, ok := ProfileFromContext(ctx); ok {
		return id
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.ActiveProfile()
}

// SetupProfile stores a new commenter profile and makes it the default identity of this process,
// as a local host does on first run. An id owned by someone else is refused; re-running setup for
// the default id updates it in place.
func (b *Bridge) SetupProfile(ctx context.Context, profile annotations.CommenterProfile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.bind(ctx)()

	id, err := b.storeProfile(ctx, opSetupProfile, profile, b.store.ActiveProfile())
	if err != nil {
		return err
	}
	b.store.SetActiveProfile(id)
	return nil
}

// RegisterProfile stores a profile on behalf of a remote host. It never changes the default
// identity. An existing id is refused unless ctx is bound to that same profile, which updates
// its name and color in place.
func (b *Bridge) RegisterProfile(ctx context.Context, profile annotations.CommenterProfile) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	owner, _ := ProfileFromContext(ctx)
	_, err := b.storeProfile(ctx, opRegisterProfile, profile, owner)
	return err
}

// storeProfile adds profile, refusing an existing id other than owner. Must be called with b.mu held.
func (b *Bridge) storeProfile(ctx context.Context, operation string, profile annotations.CommenterProfile, owner annotations.ProfileID) (annotations.ProfileID, error) {
	id, err := annotations.NewProfileID(profile.ID.String())
	if err != nil {
		return "", newOperationError(operation, reasonInvalidProfile, err)
	}
	profile.ID = id
	existed := b.store.HasProfile(id)
	if existed && (owner == "" || id != owner) {
		cause := fmt.Errorf("%w: %q", ErrProfileExists, id)
		return "", newOperationError(operation, reasonProfileExists, cause)
	}
	if err := b.store.AddProfile(ctx, profile); err != nil {
		return "", err
	}
	b.logger.Info("commenter profile set up",
		zap.String("operation", operation),
		zap.String("profile_id", id.String()),
		zap.Bool("updated", existed))
	if existed {
		b.rerenderAll(ctx)
	}
	return id, nil
}

// UpdateProfile edits the active profile. A new id must not belong to another profile;
// renaming rewrites authorship everywhere and every document is re-rendered.
func (b *Bridge) UpdateProfile(ctx context.Context, update annotations.ProfileUpdate) (annotations.CommenterProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.bind(ctx)()

	active, err := b.requireActiveProfile(opUpdateProfile)
	if err != nil {
		return annotations.CommenterProfile{}, err
	}
	if update.NewID != "" {
		newID, err := annotations.NewProfileID(update.NewID.String())
		if err != nil {
			return annotations.CommenterProfile{}, newOperationError(opUpdateProfile, reasonInvalidProfile, err)
		}
		update.NewID = newID
		if newID != active && b.store.HasProfile(newID) {
			cause := fmt.Errorf("%w: %q", ErrProfileExists, newID)
			return annotations.CommenterProfile{}, newOperationError(opUpdateProfile, reasonProfileExists, cause)
		}
	}
	if err := b.store.UpdateProfile(ctx, active, update); err != nil {
		return annotations.CommenterProfile{}, err
	}
	b.rerenderAll(ctx)
	return b.store.GetProfile(b.store.ActiveProfile())
}

// RenameProfile moves the active profile to newID.
func (b *Bridge) RenameProfile(ctx context.Context, newID annotations.ProfileID) (annotations.CommenterProfile, error) {
	return b.UpdateProfile(ctx, annotations.ProfileUpdate{NewID: newID})
}

// ActivateProfile switches the default acting commenter and re-renders every open document.
func (b *Bridge) ActivateProfile(ctx context.Context, id annotations.ProfileID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.store.GetProfile(id); err != nil {
		return newOperationError(opActivateProfile, reasonProfileNotFound, err)
	}
	b.store.SetActiveProfile(id)
	b.rerenderAll(ctx)
	return nil
}

// rerenderAll reconciles every document held in the cache. Must be called with b.mu held.
func (b *Bridge) rerenderAll(ctx context.Context) {
	paths := make([]annotations.DocumentPath, 0, len(b.sets))
	for path := range b.sets {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	for _, path := range paths {
		if _, err := b.refresh(ctx, opUpdateProfile, path); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("re-render failed", zap.String("document_path", path.String()), zap.Error(err))
		}
	}
}
