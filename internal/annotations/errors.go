package annotations

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a path, comment or profile lookup miss.
	ErrNotFound = errors.New("annotations: not found")
	// ErrPersistence reports that the backing store rejected a write; the mutation was not committed.
	ErrPersistence = errors.New("annotations: persistence failed")

	errMissingPersister = errors.New("persister is required")
)

// ServiceError carries a stable `annotations.<operation>.<reason>` code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opOpen          = "annotations.open"
	opFlush         = "annotations.flush"
	opAddComment    = "annotations.add_comment"
	opEditComment   = "annotations.edit_comment"
	opResolve       = "annotations.resolve_comment"
	opRemoveComment = "annotations.remove_comment"
	opAddReply      = "annotations.add_reply"
	opAddProfile    = "annotations.add_profile"
	opUpdateProfile = "annotations.update_profile"
	opGetProfile    = "annotations.get_profile"
	opGetComment    = "annotations.get_comment"

	reasonMissingPersister = "missing_persister"
	reasonLoadFailed       = "load_failed"
	reasonDecodeFailed     = "decode_failed"
	reasonInitFailed       = "init_failed"
	reasonEncodeFailed     = "encode_failed"
	reasonWriteFailed      = "write_failed"
	reasonInvalidPath      = "invalid_path"
	reasonInvalidProfile   = "invalid_profile"
	reasonPathNotFound     = "path_not_found"
	reasonCommentNotFound  = "comment_not_found"
	reasonProfileNotFound  = "profile_not_found"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
