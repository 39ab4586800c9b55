package historianerrors

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected string
	}{
		"already exists": {
			err:      &ErrAlreadyExists{Type: "queue lock", Value: "/tmp/q/LOCK", Message: "another historian owns it"},
			expected: `resource "/tmp/q/LOCK" of type "queue lock" already exists; another historian owns it`,
		},
		"already exists no type": {
			err:      &ErrAlreadyExists{Value: "x"},
			expected: `resource "x" already exists`,
		},
		"not found": {
			err:      &ErrNotFound{Type: "topic", Value: "campus/building/point"},
			expected: `resource "campus/building/point" of type "topic" does not exist`,
		},
		"invalid argument": {
			err:      &ErrInvalidArgument{Name: "queue.capacity", Value: "0", Message: "must be positive"},
			expected: `value "0" is invalid for field "queue.capacity"; must be positive`,
		},
		"invalid argument string": {
			err:      &ErrInvalidArgument{Name: "connection.type", Value: "oracle"},
			expected: `value "oracle" is invalid for field "connection.type"`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.err.Error())
		})
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected bool
	}{
		"nil":              {err: nil, expected: false},
		"plain":            {err: errors.New("duplicate key"), expected: false},
		"eof":              {err: errors.WithStack(io.EOF), expected: true},
		"unexpected eof":   {err: io.ErrUnexpectedEOF, expected: true},
		"connection reset": {err: errors.Wrap(syscall.ECONNRESET, "read"), expected: true},
		"op error":         {err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, expected: true},
		"dns":              {err: &net.DNSError{Err: "no such host", Name: "db"}, expected: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsNetworkError(tc.err))
		})
	}
}

func TestIsContextError(t *testing.T) {
	assert.True(t, IsContextError(errors.WithStack(context.Canceled)))
	assert.True(t, IsContextError(context.DeadlineExceeded))
	assert.False(t, IsContextError(io.EOF))
}
