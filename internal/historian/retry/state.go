package retry

import (
	"fmt"
	"time"

	"github.com/G-Research/historian/internal/historian/writer"
)

// State is the position of an in-flight batch in the retry state machine:
//
//	Pending -> Attempting -> Committed
//	                      -> Retrying  -> Attempting
//	                      -> Isolating -> Pending (remainder) or Committed (nothing left)
//	                                   -> Retrying or Abandoned (quarantine failed)
//	                      -> Abandoned -> Pending (after Reset)
//	                      -> Pending   (fatal error or cancelled write, no attempt used)
type State int

const (
	Pending State = iota
	Attempting
	Committed
	Retrying
	Isolating
	Abandoned
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Committed:
		return "committed"
	case Retrying:
		return "retrying"
	case Isolating:
		return "isolating"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RetryState is the per-batch retry bookkeeping.
type RetryState struct {
	Attempts      int
	NextEligible  time.Time
	LastErrorKind writer.ErrorKind
	LastError     error
}

var validTransitions = map[State][]State{
	Pending:    {Attempting},
	Attempting: {Committed, Retrying, Isolating, Abandoned, Pending},
	Retrying:   {Attempting},
	Isolating:  {Pending, Committed, Retrying, Abandoned},
	Abandoned:  {Pending},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
