// Package anchors re-derives highlight anchors from document text and stored comments.
package anchors

import (
	"sort"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/markers"
)

// Status classifies a marker occurrence against the store.
type Status string

const (
	// StatusResolved marks a marker whose id has a stored comment.
	StatusResolved Status = "resolved"
	// StatusOrphan marks a marker whose id has no stored comment.
	StatusOrphan Status = "orphan"
)

// Span is a half-open byte range [Start, End).
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the byte length of the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Contains reports whether position lies inside the span; both edges count so a caret
// placed just after the last character still belongs to the span.
func (s Span) Contains(position int) bool {
	return position >= s.Start && position <= s.End
}

// Touches reports whether [start, end] overlaps or abuts the span.
func (s Span) Touches(start, end int) bool {
	return s.Start <= end && start <= s.End
}

// Anchor is one located marker. Outer covers the whole marker and carries the delimiter decoration;
// Inner covers the payload and carries the commenter color.
type Anchor struct {
	ID        annotations.CommentID `json:"id"`
	Status    Status                `json:"status"`
	Outer     Span                  `json:"outer"`
	Inner     Span                  `json:"inner"`
	Color     RGB                   `json:"color"`
	ProfileID annotations.ProfileID `json:"profileId,omitempty"`
	Resolved  bool                  `json:"resolved"`
	// Malformed orphans carry an id that cannot name any comment.
	Malformed bool `json:"malformed,omitempty"`
}

// Opening returns the `|<id>|` delimiter span.
func (a Anchor) Opening() Span {
	return Span{Start: a.Outer.Start, End: a.Inner.Start}
}

// Closing returns the `||` delimiter span.
func (a Anchor) Closing() Span {
	return Span{Start: a.Inner.End, End: a.Outer.End}
}

// Diagnostics lists desynchronization between document and store.
type Diagnostics struct {
	OrphanIDs    []annotations.CommentID `json:"orphanIds"`
	DuplicateIDs []annotations.CommentID `json:"duplicateIds"`
	// UnanchoredIDs are stored comments with no marker in the document.
	UnanchoredIDs []annotations.CommentID `json:"unanchoredIds"`
	// MalformedSpans locate markers whose id overflows.
	MalformedSpans []Span `json:"malformedSpans"`
}

// Clean reports whether the document and store agree.
func (d Diagnostics) Clean() bool {
	return len(d.OrphanIDs) == 0 && len(d.DuplicateIDs) == 0 && len(d.UnanchoredIDs) == 0 && len(d.MalformedSpans) == 0
}

// ProfileLookup resolves commenter profiles for color assignment.
type ProfileLookup interface {
	LookupProfile(id annotations.ProfileID) (annotations.CommenterProfile, bool)
}

// Set is the ordered, non-overlapping anchor set for one document.
type Set struct {
	Anchors     []Anchor    `json:"anchors"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Reconcile scans text for markers and classifies each against comments. It never fails:
// markers without a record become orphan anchors. Identical inputs produce identical sets.
func Reconcile(text string, comments annotations.Comments, profiles ProfileLookup) Set {
	set := Set{Anchors: []Anchor{}}
	occurrences := make(map[annotations.CommentID]int)

	for match := range markers.Scan(text) {
		anchor := Anchor{
			ID:        match.ID,
			Outer:     Span{Start: match.Start, End: match.End},
			Inner:     Span{Start: match.PayloadStart, End: match.PayloadEnd},
			Status:    StatusOrphan,
			Color:     FallbackColor,
			Malformed: match.Malformed,
		}
		if match.Malformed {
			set.Anchors = append(set.Anchors, anchor)
			continue
		}
		if comment, ok := comments[match.ID]; ok {
			anchor.Status = StatusResolved
			anchor.ProfileID = comment.CommenterProfile
			anchor.Resolved = comment.Resolved
			anchor.Color = colorFor(comment.CommenterProfile, profiles)
		}
		occurrences[match.ID]++
		set.Anchors = append(set.Anchors, anchor)
	}

	set.Diagnostics = diagnose(set.Anchors, occurrences, comments)
	return set
}

func colorFor(id annotations.ProfileID, profiles ProfileLookup) RGB {
	if profiles == nil {
		return FallbackColor
	}
	profile, ok := profiles.LookupProfile(id)
	if !ok {
		return FallbackColor
	}
	return ParseHex(profile.Color)
}

func diagnose(anchors []Anchor, occurrences map[annotations.CommentID]int, comments annotations.Comments) Diagnostics {
	diagnostics := Diagnostics{
		OrphanIDs:      []annotations.CommentID{},
		DuplicateIDs:   []annotations.CommentID{},
		UnanchoredIDs:  []annotations.CommentID{},
		MalformedSpans: []Span{},
	}
	reported := make(map[annotations.CommentID]bool)
	for _, anchor := range anchors {
		if anchor.Malformed {
			diagnostics.MalformedSpans = append(diagnostics.MalformedSpans, anchor.Outer)
			continue
		}
		if reported[anchor.ID] {
			continue
		}
		reported[anchor.ID] = true
		if anchor.Status == StatusOrphan {
			diagnostics.OrphanIDs = append(diagnostics.OrphanIDs, anchor.ID)
		}
		if occurrences[anchor.ID] > 1 {
			diagnostics.DuplicateIDs = append(diagnostics.DuplicateIDs, anchor.ID)
		}
	}
	for id := range comments {
		if occurrences[id] == 0 {
			diagnostics.UnanchoredIDs = append(diagnostics.UnanchoredIDs, id)
		}
	}
	sort.Slice(diagnostics.OrphanIDs, func(i, j int) bool { return diagnostics.OrphanIDs[i] < diagnostics.OrphanIDs[j] })
	sort.Slice(diagnostics.DuplicateIDs, func(i, j int) bool { return diagnostics.DuplicateIDs[i] < diagnostics.DuplicateIDs[j] })
	sort.Slice(diagnostics.UnanchoredIDs, func(i, j int) bool { return diagnostics.UnanchoredIDs[i] < diagnostics.UnanchoredIDs[j] })
	return diagnostics
}

// At returns the resolved anchor whose inner span contains position. Orphans never match.
func (s Set) At(position int) (Anchor, bool) {
	for _, anchor := range s.Anchors {
		if anchor.Outer.Start > position {
			break
		}
		if anchor.Status == StatusResolved && anchor.Inner.Contains(position) {
			return anchor, true
		}
	}
	return Anchor{}, false
}

// First returns the first well-formed anchor carrying id.
func (s Set) First(id annotations.CommentID) (Anchor, bool) {
	for _, anchor := range s.Anchors {
		if !anchor.Malformed && anchor.ID == id {
			return anchor, true
		}
	}
	return Anchor{}, false
}

// Touching reports whether the range [start, end] overlaps or abuts any anchor, which makes it
// an illegal target for a new annotation.
func (s Set) Touching(start, end int) bool {
	for _, anchor := range s.Anchors {
		if anchor.Outer.Touches(start, end) {
			return true
		}
	}
	return false
}

// Equal reports whether two sets describe the same anchors in the same order.
func (s Set) Equal(other Set) bool {
	if len(s.Anchors) != len(other.Anchors) {
		return false
	}
	for index := range s.Anchors {
		if s.Anchors[index] != other.Anchors[index] {
			return false
		}
	}
	return true
}
