package transport

import (
	"context"
	"errors"
	"fmt"
)

// SMS is one rendered message ready for delivery.
type SMS struct {
	Recipient string // phone number
	Carrier   string
	Body      string
}

// Sender performs one delivery attempt through a specific server. The
// caller owns the attempt timeout via ctx.
type Sender interface {
	// Send delivers msg through the server identified by serverID.
	Send(ctx context.Context, serverID string, msg *SMS) error
}

// SendError represents a delivery error with type information.
type SendError struct {
	Temporary bool
	Message   string
}

func (e *SendError) Error() string {
	return e.Message
}

func temporary(format string, args ...any) *SendError {
	return &SendError{Temporary: true, Message: fmt.Sprintf(format, args...)}
}

func permanent(format string, args ...any) *SendError {
	return &SendError{Temporary: false, Message: fmt.Sprintf(format, args...)}
}

// IsTemporaryError checks if the error is temporary.
func IsTemporaryError(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary
	}
	return true // assume temporary if unknown
}
