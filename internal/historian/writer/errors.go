package writer

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrorKind says how a failed write should be handled.
type ErrorKind int

const (
	// Transient failures (connection loss, timeouts, lock contention) are retried with backoff.
	Transient ErrorKind = iota
	// Malformed failures mean the backend permanently rejects some records of the batch.
	Malformed
	// Fatal failures (bad credentials, missing tables) need an operator; writes stop until reset.
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// WriteError is returned by adapters and the Writer to classify a failed write.
type WriteError struct {
	Kind ErrorKind
	// Why each offending record was rejected, by sequence id. Only set for Malformed errors, and empty when the
	// backend could not tell which record it rejected.
	Reasons map[uint64]string
	Err     error
}

func (e *WriteError) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("%s write error: %s (offending records %v)", e.Kind, e.Err, e.Offending())
	}
	return fmt.Sprintf("%s write error: %s", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Offending returns the sequence ids of the rejected records in ascending order.
func (e *WriteError) Offending() []uint64 {
	seqs := maps.Keys(e.Reasons)
	slices.Sort(seqs)
	return seqs
}

func NewTransientError(err error) *WriteError {
	return &WriteError{Kind: Transient, Err: err}
}

func NewFatalError(err error) *WriteError {
	return &WriteError{Kind: Fatal, Err: err}
}

// NewMalformedError returns a Malformed error naming the offending records. reasons may be empty.
func NewMalformedError(err error, reasons map[uint64]string) *WriteError {
	return &WriteError{Kind: Malformed, Reasons: reasons, Err: err}
}

// Classify returns the WriteError in err's chain. Errors that carry no classification are Transient.
func Classify(err error) *WriteError {
	var writeErr *WriteError
	if errors.As(err, &writeErr) {
		return writeErr
	}
	return NewTransientError(err)
}
