package conversation

import "errors"

var (
	// ErrNotFound indicates the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidID indicates a malformed conversation id.
	ErrInvalidID = errors.New("invalid conversation id")
	// ErrInvalidInput indicates a missing platform or external id.
	ErrInvalidInput = errors.New("platform and external id are required")
)
