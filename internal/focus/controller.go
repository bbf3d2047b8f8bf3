// Package focus tracks which anchor the caret sits in and derives the full visual state
// of every highlight from that single fact.
package focus

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/marginalia/internal/anchors"
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

const (
	// DefaultFocusedOpacity applies to the focused anchor.
	DefaultFocusedOpacity = 1.0
	// DefaultUnfocusedOpacity applies to every other anchor.
	DefaultUnfocusedOpacity = 0.75
)

// State is either Unfocused or Focused(id).
type State struct {
	id      annotations.CommentID
	focused bool
}

// Unfocused is the initial state.
var Unfocused = State{}

// Focused returns the Focused(id) state.
func Focused(id annotations.CommentID) State {
	return State{id: id, focused: true}
}

// ID returns the focused id and whether any anchor is focused.
func (s State) ID() (annotations.CommentID, bool) {
	return s.id, s.focused
}

func (s State) String() string {
	if !s.focused {
		return "unfocused"
	}
	return fmt.Sprintf("focused(%d)", s.id)
}

// Options carries the opacities applied by Render.
type Options struct {
	FocusedOpacity   float64
	UnfocusedOpacity float64
}

// DefaultOptions returns the stock opacities.
func DefaultOptions() Options {
	return Options{FocusedOpacity: DefaultFocusedOpacity, UnfocusedOpacity: DefaultUnfocusedOpacity}
}

// Controller holds the focus state for one editor session.
type Controller struct {
	state State
}

// NewController returns a controller in the Unfocused state.
func NewController() *Controller {
	return &Controller{state: Unfocused}
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// MoveCaret focuses the resolved anchor whose inner span contains position, or clears focus.
func (c *Controller) MoveCaret(set anchors.Set, position int) State {
	anchor, ok := set.At(position)
	if !ok {
		c.state = Unfocused
		return c.state
	}
	c.state = Focused(anchor.ID)
	return c.state
}

// Focus requests focus on id directly, as a click in the side panel does. An id without a
// resolved anchor in set leaves the controller Unfocused.
func (c *Controller) Focus(set anchors.Set, id annotations.CommentID) State {
	anchor, ok := set.First(id)
	if !ok || anchor.Status != anchors.StatusResolved {
		c.state = Unfocused
		return c.state
	}
	c.state = Focused(id)
	return c.state
}

// Clear returns to Unfocused.
func (c *Controller) Clear() State {
	c.state = Unfocused
	return c.state
}

// Refresh revalidates the focused id against a new anchor set, dropping focus if its anchor vanished.
func (c *Controller) Refresh(set anchors.Set) State {
	id, focused := c.state.ID()
	if !focused {
		return c.state
	}
	return c.Focus(set, id)
}
