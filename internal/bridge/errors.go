package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySelection reports a creation request over zero characters.
	ErrEmptySelection = errors.New("bridge: selection is empty")
	// ErrSelectionOutOfRange reports a selection that does not fit inside the document.
	ErrSelectionOutOfRange = errors.New("bridge: selection outside document")
	// ErrOverlappingAnchor reports a selection touching an existing marker.
	ErrOverlappingAnchor = errors.New("bridge: selection overlaps an existing annotation")
	// ErrProfileExists reports a profile id already owned by another commenter.
	ErrProfileExists = errors.New("bridge: profile already exists")
	// ErrNoActiveProfile reports an operation that needs an author while none is set up.
	ErrNoActiveProfile = errors.New("bridge: no active commenter profile")

	errMissingStore     = errors.New("annotation store is required")
	errMissingDocuments = errors.New("document source is required")
)

// OperationError tags a bridge failure with a `bridge.<operation>.<reason>` code.
type OperationError struct {
	code string
	err  error
}

func (e *OperationError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *OperationError) Unwrap() error {
	return e.err
}

// Code returns the machine readable error code.
func (e *OperationError) Code() string {
	return e.code
}

const (
	opNew             = "bridge.new"
	opCreate          = "bridge.create_annotation"
	opEdit            = "bridge.edit_annotation"
	opResolve         = "bridge.resolve_annotation"
	opRemove          = "bridge.remove_annotation"
	opReply           = "bridge.add_reply"
	opAnchors         = "bridge.anchors_for_path"
	opFocus           = "bridge.focus"
	opScroll          = "bridge.scroll_target"
	opThreads         = "bridge.threads"
	opSetupProfile    = "bridge.setup_profile"
	opRegisterProfile = "bridge.register_profile"
	opUpdateProfile   = "bridge.update_profile"
	opActivateProfile = "bridge.activate_profile"

	reasonMissingStore     = "missing_store"
	reasonMissingDocuments = "missing_documents"
	reasonInvalidPath      = "invalid_path"
	reasonReadFailed       = "read_failed"
	reasonWriteFailed      = "write_failed"
	reasonRollbackFailed   = "rollback_failed"
	reasonEmptySelection   = "empty_selection"
	reasonOutOfRange       = "selection_out_of_range"
	reasonOverlap          = "overlapping_anchor"
	reasonPayloadDelimiter = "payload_delimiter"
	reasonNoActiveProfile  = "no_active_profile"
	reasonProfileExists    = "profile_exists"
	reasonInvalidProfile   = "invalid_profile"
	reasonProfileNotFound  = "profile_not_found"
	reasonMarkerNotFound   = "marker_not_found"
)

func newOperationError(operation, reason string, cause error) error {
	return &OperationError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
