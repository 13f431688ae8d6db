package realtime

import (
	"errors"
	"fmt"
)

// Error kinds returned by the realtime core. Callers match them with errors.Is.
var (
	// ErrNotFound is returned for an unknown chat, message or post.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor may not perform the requested mutation.
	ErrForbidden = errors.New("forbidden")

	// ErrChatDisabled is returned when a message is sent on an inactive chat.
	ErrChatDisabled = errors.New("chat disabled")

	// ErrInvalidInput is returned for malformed or out-of-bounds arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel kinds above; Msg never carries message text or tokens.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// ErrorCode maps an error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrChatDisabled):
		return "chat_disabled"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
