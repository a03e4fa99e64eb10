package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class buckets a failure for the retry-or-error policy.
type Class string

const (
	// ClassTransient covers connectivity failures worth retrying:
	// timeouts and data-channel negotiation failures.
	ClassTransient Class = "transient"
	// ClassPermission means the user must act; never auto-retried.
	ClassPermission Class = "permission"
	// ClassConfig means an operator must act; never retryable.
	ClassConfig Class = "config"
	// ClassFatal is any other runtime error; terminal immediately.
	ClassFatal Class = "fatal"
)

// User-visible error strings. Internal diagnostic detail stays in logs.
const (
	msgConfigMissing    = "Agent ID missing - check environment configuration"
	msgPermissionDenied = "Microphone access denied - required for voice chat"
	msgRetriesExhausted = "Connection failed after multiple attempts"
	msgCallFailed       = "Call ended due to a connection problem"
)

// ErrAlreadyActive is returned when Start overlaps an in-flight session.
var ErrAlreadyActive = errors.New("session: already active")

// Error pairs a short user-visible message with the internal cause.
type Error struct {
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("session: %s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is what status consumers may display.
func (e *Error) UserMessage() string { return e.Message }

// Classify buckets an arbitrary failure. Data-channel and SCTP negotiation
// failures surface from the transport as message text, so matching on the
// text is the only portable signal.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"datachannel", "sctp-failure", "sctp failure", "timeout"} {
		if strings.Contains(msg, marker) {
			return ClassTransient
		}
	}
	return ClassFatal
}
