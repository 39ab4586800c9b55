package util

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	m       sync.Mutex
)

// NewULID returns a monotonically increasing ULID. Safe for concurrent use.
func NewULID() ulid.ULID {
	m.Lock()
	defer m.Unlock()
	return ulid.MustNew(ulid.Now(), entropy)
}
