package tokenizer

import "errors"

var (
	// ErrFastPathDisabled is returned by fast-path methods when the
	// service was configured without one.
	ErrFastPathDisabled = errors.New("fast path disabled")
	// ErrChatUnsupported is returned when the encoding has no chat markup
	// tokens.
	ErrChatUnsupported = errors.New("chat template not supported for encoding")
	// ErrUnknownRole is returned for a message role outside Roles.
	ErrUnknownRole = errors.New("unknown chat role")
)
