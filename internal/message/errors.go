package message

import "errors"

var (
	// ErrNotFound indicates the message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidID indicates a malformed message or conversation id.
	ErrInvalidID = errors.New("invalid id")
	// ErrInvalidTransition indicates a status change that would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)
