// Package ims carries the error type shared across the connection core
// for everything surfaced through eventbus payloads, so subscribers can
// errors.As it to recover structured context instead of parsing strings.
package ims

import (
	"fmt"

	"imshost/message"
)

// Error wraps a failure with the operation and handle it happened on.
// It never crosses the SendMsg boundary as a returned error; it
// accompanies a terminal message.Status through an event payload.
type Error struct {
	Op     string
	Handle message.Handle
	Inner  error
}

func (e *Error) Error() string {
	if e.Handle != message.NullMessage {
		return fmt.Sprintf("ims: %s (handle=%d): %v", e.Op, e.Handle, e.Inner)
	}
	return fmt.Sprintf("ims: %s: %v", e.Op, e.Inner)
}

func (e *Error) Unwrap() error { return e.Inner }

// Wrap builds an Error for op/handle around cause. If cause is nil, Wrap
// returns nil so callers can write `if err := ims.Wrap(...); err != nil`.
func Wrap(op string, handle message.Handle, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Op: op, Handle: handle, Inner: cause}
}
