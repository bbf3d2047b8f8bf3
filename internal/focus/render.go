package focus

import (
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/marginalia/internal/anchors"
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

// Kind selects the decoration class of an anchor.
type Kind string

const (
	// KindHighlight decorates a resolved anchor.
	KindHighlight Kind = "highlight"
	// KindError decorates an orphan anchor.
	KindError Kind = "error"
)

// Style is the single visual record shared by both tiers of one anchor.
type Style struct {
	Kind             Kind        `json:"kind"`
	Color            anchors.RGB `json:"color"`
	Opacity          float64     `json:"opacity"`
	Focused          bool        `json:"focused"`
	DelimitersHidden bool        `json:"delimitersHidden"`
}

// CSS renders the inline style applied to both tiers.
func (s *Style) CSS() string {
	var builder strings.Builder
	builder.WriteString("--bgc:")
	builder.WriteString(s.Color.String())
	builder.WriteString(";background-color:rgba(var(--bgc), ")
	builder.WriteString(strconv.FormatFloat(s.Opacity, 'f', -1, 64))
	builder.WriteString(");")
	return builder.String()
}

// Decoration links the delimiter tier (Outer) and the payload tier (Inner) of one anchor
// to one Style, so a single style change applies to both.
type Decoration struct {
	AnchorID annotations.CommentID `json:"anchorId"`
	Outer    anchors.Span          `json:"outer"`
	Inner    anchors.Span          `json:"inner"`
	Style    *Style                `json:"style"`
}

// PanelEntry mirrors the focus flag onto the side-panel thread for an anchor id.
type PanelEntry struct {
	ID      annotations.CommentID `json:"id"`
	Focused bool                  `json:"focused"`
}

// VisualState is the complete rendering of one document's highlights.
type VisualState struct {
	FocusedID   *annotations.CommentID `json:"focusedId"`
	Decorations []Decoration           `json:"decorations"`
	Panel       []PanelEntry           `json:"panel"`
}

// Render recomputes every decoration from the anchor set and focus state. It keeps no memory
// of previous renders; repeated calls with the same inputs produce the same output.
func Render(set anchors.Set, state State, options Options) VisualState {
	focusedID, focused := state.ID()
	if focused {
		if anchor, ok := set.First(focusedID); !ok || anchor.Status != anchors.StatusResolved {
			focused = false
		}
	}

	visual := VisualState{
		Decorations: make([]Decoration, 0, len(set.Anchors)),
		Panel:       []PanelEntry{},
	}
	if focused {
		id := focusedID
		visual.FocusedID = &id
	}

	listed := make(map[annotations.CommentID]bool)
	for _, anchor := range set.Anchors {
		if anchor.Status == anchors.StatusOrphan {
			visual.Decorations = append(visual.Decorations, Decoration{
				AnchorID: anchor.ID,
				Outer:    anchor.Outer,
				Inner:    anchor.Outer,
				Style: &Style{
					Kind:    KindError,
					Color:   anchor.Color,
					Opacity: options.UnfocusedOpacity,
				},
			})
			continue
		}

		isFocused := focused && anchor.ID == focusedID
		style := &Style{
			Kind:             KindHighlight,
			Color:            anchor.Color,
			Opacity:          options.UnfocusedOpacity,
			Focused:          isFocused,
			DelimitersHidden: !isFocused,
		}
		if isFocused {
			style.Opacity = options.FocusedOpacity
		}
		visual.Decorations = append(visual.Decorations, Decoration{
			AnchorID: anchor.ID,
			Outer:    anchor.Outer,
			Inner:    anchor.Inner,
			Style:    style,
		})

		if !listed[anchor.ID] {
			listed[anchor.ID] = true
			visual.Panel = append(visual.Panel, PanelEntry{ID: anchor.ID, Focused: isFocused})
		}
	}
	return visual
}
