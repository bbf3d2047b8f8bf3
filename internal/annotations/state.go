package annotations

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EmptyStateDocument is written when the backing file is missing or empty.
const EmptyStateDocument = `{"commenters":{},"comments":{}}`

// State is the whole persisted document: profiles plus comments partitioned by document path.
type State struct {
	Commenters map[ProfileID]CommenterProfile `json:"commenters"`
	Comments   map[DocumentPath]Comments      `json:"comments"`
}

// NewState returns an empty state with initialized mappings.
func NewState() State {
	return State{
		Commenters: make(map[ProfileID]CommenterProfile),
		Comments:   make(map[DocumentPath]Comments),
	}
}

// Encode serializes the state; map keys are emitted in sorted order so identical states yield identical bytes.
func (state State) Encode() ([]byte, error) {
	document := state
	if document.Commenters == nil {
		document.Commenters = map[ProfileID]CommenterProfile{}
	}
	if document.Comments == nil {
		document.Comments = map[DocumentPath]Comments{}
	}
	return json.MarshalIndent(document, "", " ")
}

// DecodeState parses a state document, rebuilding the nested path → id → comment mappings.
func DecodeState(data []byte) (State, error) {
	state := NewState()
	if len(bytes.TrimSpace(data)) == 0 {
		return state, nil
	}
	var document State
	if err := json.Unmarshal(data, &document); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	for id, profile := range document.Commenters {
		if profile.ID == "" {
			profile.ID = id
		}
		state.Commenters[id] = profile
	}
	for path, comments := range document.Comments {
		normalized := make(Comments, len(comments))
		for id, comment := range comments {
			comment.ID = id
			if comment.Replies == nil {
				comment.Replies = []CommentReply{}
			}
			normalized[id] = comment
		}
		state.Comments[path] = normalized
	}
	return state, nil
}

// clone copies the top-level mappings; per-path comment maps are shared until replaced.
func (state State) clone() State {
	next := State{
		Commenters: make(map[ProfileID]CommenterProfile, len(state.Commenters)),
		Comments:   make(map[DocumentPath]Comments, len(state.Comments)),
	}
	for id, profile := range state.Commenters {
		next.Commenters[id] = profile
	}
	for path, comments := range state.Comments {
		next.Comments[path] = comments
	}
	return next
}
