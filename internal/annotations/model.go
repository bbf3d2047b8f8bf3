package annotations

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	maxPathLength      = 1024
	maxProfileIDLength = 190
	timestampLayout    = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// ErrInvalidPath indicates that a document path is empty or exceeds storage bounds.
	ErrInvalidPath = errors.New("annotations: invalid document path")
	// ErrInvalidProfile indicates that a commenter profile is missing an id or carries a malformed color.
	ErrInvalidProfile = errors.New("annotations: invalid commenter profile")

	hexColorPattern = regexp.MustCompile(`^#?[0-9a-fA-F]{6}$`)
)

// DocumentPath identifies an annotated document relative to the workspace root.
type DocumentPath string

// NewDocumentPath validates raw input and returns a DocumentPath.
func NewDocumentPath(rawInput string) (DocumentPath, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if len(trimmed) > maxPathLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPath, maxPathLength)
	}
	return DocumentPath(trimmed), nil
}

// String returns the underlying path.
func (path DocumentPath) String() string {
	return string(path)
}

// CommentID is unique within a single document path.
type CommentID int64

// ParseCommentID parses the decimal form used in markers and JSON keys.
func ParseCommentID(rawInput string) (CommentID, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(rawInput), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("annotations: invalid comment id %q: %w", rawInput, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("annotations: invalid comment id %q: negative", rawInput)
	}
	return CommentID(value), nil
}

// String returns the decimal form of the id.
func (id CommentID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ProfileID is the user-chosen secret that identifies a commenter.
type ProfileID string

// NewProfileID validates raw input and returns a ProfileID.
func NewProfileID(rawInput string) (ProfileID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidProfile)
	}
	if len(trimmed) > maxProfileIDLength {
		return "", fmt.Errorf("%w: id exceeds %d characters", ErrInvalidProfile, maxProfileIDLength)
	}
	return ProfileID(trimmed), nil
}

// String returns the underlying identifier.
func (id ProfileID) String() string {
	return string(id)
}

// Timestamp serializes as an ISO-8601 UTC string with millisecond precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates the value to milliseconds so that it survives a JSON round trip unchanged.
func NewTimestamp(value time.Time) Timestamp {
	return Timestamp{Time: value.UTC().Truncate(time.Millisecond)}
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(ts.UTC().Format(timestampLayout))), nil
}

// UnmarshalJSON accepts any RFC 3339 timestamp.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	raw, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("annotations: timestamp must be a string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("annotations: invalid timestamp %q: %w", raw, err)
	}
	*ts = NewTimestamp(parsed)
	return nil
}

// CommenterProfile identifies an author.
type CommenterProfile struct {
	ID    ProfileID `json:"id"`
	Name  string    `json:"name"`
	Color string    `json:"color"`
}

// Validate checks the id and, when present, the color format.
func (profile CommenterProfile) Validate() error {
	if _, err := NewProfileID(profile.ID.String()); err != nil {
		return err
	}
	if profile.Color != "" && !hexColorPattern.MatchString(profile.Color) {
		return fmt.Errorf("%w: color %q is not #rrggbb", ErrInvalidProfile, profile.Color)
	}
	return nil
}

// CommentReply is appended to a comment thread; replies are never edited.
type CommentReply struct {
	CommenterProfile ProfileID `json:"commenterProfile"`
	Reply            string    `json:"reply"`
	DateTime         Timestamp `json:"dateTime"`
}

// Comment is a thread anchored to a marker in its document.
type Comment struct {
	ID               CommentID      `json:"id"`
	CommenterProfile ProfileID      `json:"commenterProfile"`
	CommentedText    string         `json:"commentedText"`
	Comment          string         `json:"comment"`
	DateTime         Timestamp      `json:"dateTime"`
	Replies          []CommentReply `json:"replies"`
	Resolved         bool           `json:"resolved"`
}

func (comment Comment) clone() Comment {
	copied := comment
	copied.Replies = make([]CommentReply, len(comment.Replies))
	copy(copied.Replies, comment.Replies)
	return copied
}

// Comments maps comment ids to their threads for one document.
type Comments map[CommentID]Comment

// Clone returns a copy that shares no reply slices with the receiver.
func (comments Comments) Clone() Comments {
	cloned := make(Comments, len(comments))
	for id, comment := range comments {
		cloned[id] = comment.clone()
	}
	return cloned
}

// NextID returns one greater than the largest id, or 0 for an empty set.
func (comments Comments) NextID() CommentID {
	if len(comments) == 0 {
		return 0
	}
	var maxID CommentID
	for id := range comments {
		if id > maxID {
			maxID = id
		}
	}
	return maxID + 1
}
