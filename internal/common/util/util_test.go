package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewULID_Monotonic(t *testing.T) {
	previous := NewULID()
	for i := 0; i < 1000; i++ {
		next := NewULID()
		assert.Len(t, next.String(), 26)
		assert.Equal(t, 1, next.Compare(previous))
		previous = next
	}
}

func TestNewThreadsafeRand_Deterministic(t *testing.T) {
	a := NewThreadsafeRand(42)
	b := NewThreadsafeRand(42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Float64(), b.Float64())
	}
}

type failingCloser struct{ closed bool }

func (f *failingCloser) Close() error {
	f.closed = true
	return errors.New("already closed")
}

func TestCloseResource(t *testing.T) {
	c := &failingCloser{}
	CloseResource("test", c)
	assert.True(t, c.closed)
}
