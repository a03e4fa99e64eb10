package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o problem" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"datachannel failure", errors.New("DataChannel negotiation failed"), ClassTransient},
		{"sctp failure", errors.New("transport closed: sctp-failure"), ClassTransient},
		{"timeout text", errors.New("Connection timeout after 8000ms"), ClassTransient},
		{"typed transient", &Error{Class: ClassTransient}, ClassTransient},
		{"typed config", &Error{Class: ClassConfig}, ClassConfig},
		{"typed permission", &Error{Class: ClassPermission}, ClassPermission},
		{"anything else is fatal", errors.New("authorization rejected"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Class: ClassFatal, Message: "Call ended", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Call ended", err.UserMessage())
	assert.Contains(t, err.Error(), "fatal")
}
