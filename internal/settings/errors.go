package settings

import "errors"

var (
	// ErrNotFound indicates the settings row is absent.
	ErrNotFound = errors.New("settings row not found")
	// ErrUnknownKey indicates a settings key outside Keys.
	ErrUnknownKey = errors.New("unknown settings key")
	// ErrInvalid indicates a payload that fails validation.
	ErrInvalid = errors.New("invalid settings")
)
