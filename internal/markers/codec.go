// Package markers encodes and scans the inline `|<id>|<commented text>||` delimiters
// that tie a span of document text to a stored comment.
package markers

import (
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

const (
	// Delimiter opens the marker and separates the id from the payload.
	Delimiter = "|"
	// Terminator closes the marker; it may not appear inside the payload.
	Terminator = "||"
)

// MalformedID is carried by a marker whose digits cannot name a comment.
const MalformedID annotations.CommentID = -1

// ErrPayloadDelimiter reports commented text that contains the terminator sequence.
var ErrPayloadDelimiter = errors.New("markers: commented text must not contain \"||\"")

// markerPattern takes the first terminator after the id so adjacent markers never merge.
var markerPattern = regexp.MustCompile(`(?s)\|(\d+)\|(.*?)\|\|`)

// Match is one marker occurrence. Offsets are byte offsets into the scanned text;
// End and PayloadEnd are exclusive. A Malformed match has ID MalformedID.
type Match struct {
	Start        int
	End          int
	ID           annotations.CommentID
	PayloadStart int
	PayloadEnd   int
	Malformed    bool
}

// Payload returns the commented text of the match within text.
func (m Match) Payload(text string) string {
	return text[m.PayloadStart:m.PayloadEnd]
}

// Scan yields markers left to right without overlap. The sequence is lazy and may be ranged over
// any number of times; every iteration rescans text from the start.
func Scan(text string) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		offset := 0
		for offset < len(text) {
			loc := markerPattern.FindStringSubmatchIndex(text[offset:])
			if loc == nil {
				return
			}
			if !yield(toMatch(text, offset, loc)) {
				return
			}
			offset += loc[1]
		}
	}
}

// All collects every marker in text.
func All(text string) []Match {
	var matches []Match
	for match := range Scan(text) {
		matches = append(matches, match)
	}
	return matches
}

func toMatch(text string, base int, loc []int) Match {
	match := Match{
		Start:        base + loc[0],
		End:          base + loc[1],
		PayloadStart: base + loc[4],
		PayloadEnd:   base + loc[5],
	}
	value, err := strconv.ParseInt(text[base+loc[2]:base+loc[3]], 10, 64)
	if err != nil {
		// digits that overflow int64 cannot name a stored comment
		match.ID = MalformedID
		match.Malformed = true
		return match
	}
	match.ID = annotations.CommentID(value)
	return match
}

// Find returns the first well-formed marker carrying id.
func Find(text string, id annotations.CommentID) (Match, bool) {
	for match := range Scan(text) {
		if !match.Malformed && match.ID == id {
			return match, true
		}
	}
	return Match{}, false
}

// Encode produces the literal marker embedding id around commentedText.
func Encode(id annotations.CommentID, commentedText string) (string, error) {
	if strings.Contains(commentedText, Terminator) {
		return "", ErrPayloadDelimiter
	}
	var builder strings.Builder
	builder.Grow(len(commentedText) + len(Terminator) + 2 + 20)
	builder.WriteString(Delimiter)
	builder.WriteString(id.String())
	builder.WriteString(Delimiter)
	builder.WriteString(commentedText)
	builder.WriteString(Terminator)
	return builder.String(), nil
}

// OpeningLength is the byte length of `|<id>|`.
func OpeningLength(id annotations.CommentID) int {
	return len(id.String()) + 2*len(Delimiter)
}

// Restore returns the text to splice back in place of a removed comment's marker.
func Restore(comment annotations.Comment) string {
	return comment.CommentedText
}

// Wrap replaces text[start:end] with a marker for id.
func Wrap(text string, start, end int, id annotations.CommentID) (string, error) {
	if start < 0 || end > len(text) || start > end {
		return "", fmt.Errorf("markers: range [%d,%d) outside text of length %d", start, end, len(text))
	}
	marker, err := Encode(id, text[start:end])
	if err != nil {
		return "", err
	}
	return text[:start] + marker + text[end:], nil
}

// Unwrap replaces the first marker for comment with its stored commented text.
// The boolean is false when the document carries no marker for the comment.
func Unwrap(text string, comment annotations.Comment) (string, Match, bool) {
	match, ok := Find(text, comment.ID)
	if !ok {
		return text, Match{}, false
	}
	return text[:match.Start] + Restore(comment) + text[match.End:], match, true
}
