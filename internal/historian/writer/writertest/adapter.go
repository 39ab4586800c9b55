// Package writertest provides an in-memory writer.Adapter for tests of the components that drive writes.
package writertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/writer"
)

type RowKey struct {
	Topic     string
	Timestamp time.Time
}

// Adapter behaves like a SQL backend with a ledger of committed batch keys and rows upserted on (topic, time).
// Failures are scripted with FailNext and Reject.
type Adapter struct {
	mu       sync.Mutex
	ledger   map[string]model.Commit
	rows     map[RowKey]model.Record
	failures []error
	rejected map[uint64]string
	// When false, rejections are reported without naming the offending records.
	nameRejected bool
	calls        []Call
	block        chan struct{}
	// When set, the first write of every key fails with this error
	failFirst error
	attempted map[string]bool
}

// Call records one WriteBatch invocation.
type Call struct {
	Key       string
	Sequences []uint64
	Err       error
}

func NewAdapter() *Adapter {
	return &Adapter{
		ledger:       map[string]model.Commit{},
		rows:         map[RowKey]model.Record{},
		rejected:     map[uint64]string{},
		nameRejected: true,
		attempted:    map[string]bool{},
	}
}

// FailFirstAttempt makes the first write of every batch key fail with err.
func (a *Adapter) FailFirstAttempt(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failFirst = err
}

// FailNext makes the next len(errs) writes fail with errs, in order.
func (a *Adapter) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
}

// Reject makes every write containing seq fail as Malformed. If named is false the error does not say which
// record was at fault.
func (a *Adapter) Reject(seq uint64, reason string, named bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected[seq] = reason
	a.nameRejected = named
}

// Block makes writes wait until Unblock is called or their context is done.
func (a *Adapter) Block() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.block = make(chan struct{})
}

func (a *Adapter) Unblock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.block != nil {
		close(a.block)
		a.block = nil
	}
}

func (a *Adapter) WriteBatch(ctx context.Context, key string, records []model.Record) (model.Commit, error) {
	a.mu.Lock()
	block := a.block
	a.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			a.record(key, records, ctx.Err())
			return model.Commit{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	call := Call{Key: key}
	for _, r := range records {
		call.Sequences = append(call.Sequences, r.SequenceId)
	}
	commit, err := a.write(key, records)
	call.Err = err
	a.calls = append(a.calls, call)
	return commit, err
}

func (a *Adapter) write(key string, records []model.Record) (model.Commit, error) {
	first := !a.attempted[key]
	a.attempted[key] = true
	if first && a.failFirst != nil {
		return model.Commit{}, a.failFirst
	}
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return model.Commit{}, err
	}
	if commit, ok := a.ledger[key]; ok {
		commit.Duplicate = true
		commit.Rows = 0
		return commit, nil
	}
	reasons := map[uint64]string{}
	for _, r := range records {
		if reason, ok := a.rejected[r.SequenceId]; ok {
			reasons[r.SequenceId] = reason
		}
	}
	if len(reasons) > 0 {
		err := errors.New("rejected by backend")
		if !a.nameRejected {
			return model.Commit{}, writer.NewMalformedError(err, nil)
		}
		return model.Commit{}, writer.NewMalformedError(err, reasons)
	}
	for _, r := range records {
		a.rows[RowKey{Topic: strings.ToLower(r.Topic), Timestamp: r.Timestamp}] = r
	}
	commit := model.Commit{IdempotencyKey: key, Rows: len(records)}
	a.ledger[key] = commit
	return commit, nil
}

func (a *Adapter) record(key string, records []model.Record, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	call := Call{Key: key, Err: err}
	for _, r := range records {
		call.Sequences = append(call.Sequences, r.SequenceId)
	}
	a.calls = append(a.calls, call)
}

// Rows returns the stored records ordered by sequence id.
func (a *Adapter) Rows() []model.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := make([]model.Record, 0, len(a.rows))
	for _, r := range a.rows {
		rows = append(rows, r)
	}
	slices.SortFunc(rows, func(a, b model.Record) bool { return a.SequenceId < b.SequenceId })
	return rows
}

// Sequences returns the sequence ids of the stored records in ascending order.
func (a *Adapter) Sequences() []uint64 {
	rows := a.Rows()
	seqs := make([]uint64, len(rows))
	for i, r := range rows {
		seqs[i] = r.SequenceId
	}
	return seqs
}

func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	calls := make([]Call, len(a.calls))
	copy(calls, a.calls)
	return calls
}

func (a *Adapter) Committed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ledger)
}
