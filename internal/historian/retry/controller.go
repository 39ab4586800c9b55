// Package retry drives batches to a terminal outcome at the backend: it retries transient failures with backoff,
// isolates records the backend rejects, stops on fatal errors and advances the durable queue's cursor over the
// batches it has resolved.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/common/util"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/writer"
)

// Writer makes a single write attempt.
type Writer interface {
	Write(ctx context.Context, batch *model.Batch) (model.Commit, error)
}

// Queue is the part of the durable queue the controller resolves records in.
type Queue interface {
	Quarantine(record model.Record, reason string) error
	RemoveUpTo(seq uint64) error
}

type Options struct {
	Backoff     Backoff
	MaxAttempts int
}

func (o Options) Validate() error {
	if o.MaxAttempts < 1 {
		return &historianerrors.ErrInvalidArgument{Name: "MaxAttempts", Value: fmt.Sprint(o.MaxAttempts), Message: "must be at least 1"}
	}
	return o.Backoff.Validate()
}

type flight struct {
	batch *model.Batch
	// Highest sequence id this flight accounts for. Stays put when trailing records are quarantined.
	upTo  uint64
	state State
	retry RetryState
}

// Controller owns every admitted batch until it is resolved. Batches are resolved in sequence order: the queue's
// cursor only moves over a prefix of admitted batches that are all committed or quarantined.
//
// Step must only be called from one goroutine; the other methods are safe to call concurrently with it.
type Controller struct {
	writer  Writer
	queue   Queue
	options Options
	clock   clock.PassiveClock
	metrics *metrics.Metrics
	random  *rand.Rand
	newId   func() ulid.ULID

	mu      sync.Mutex
	flights []*flight
	halted  bool
	haltErr error
	// Resolved sequence id not yet persisted because RemoveUpTo failed
	unpersisted uint64
	resolved    uint64
}

func NewController(writer Writer, queue Queue, options Options, clock clock.PassiveClock, metrics *metrics.Metrics, resolved uint64) (*Controller, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		writer:   writer,
		queue:    queue,
		options:  options,
		clock:    clock,
		metrics:  metrics,
		random:   util.NewThreadsafeRand(clock.Now().UnixNano()),
		newId:    util.NewULID,
		resolved: resolved,
	}, nil
}

// Admit takes ownership of batch. Batches must be admitted in sequence order.
func (c *Controller) Admit(batch *model.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flights = append(c.flights, &flight{
		batch: batch,
		upTo:  batch.MaxSequenceId(),
		state: Pending,
	})
	c.metrics.SetInFlight(len(c.flights))
}

// Step makes at most one write attempt, for the oldest batch that is eligible, and returns whether it attempted
// anything. It returns an error only if the queue could not persist progress.
func (c *Controller) Step(ctx *agentcontext.Context) (bool, error) {
	f := c.claim()
	if f == nil {
		return false, c.persist()
	}

	log := ctx.Log.WithFields(logrus.Fields{
		"batchId":  f.batch.Id.String(),
		"records":  len(f.batch.Records),
		"firstSeq": f.batch.MinSequenceId(),
		"lastSeq":  f.batch.MaxSequenceId(),
	})
	start := c.clock.Now()
	commit, err := c.writer.Write(ctx, f.batch)
	duration := c.clock.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.transition(f, Committed)
		c.metrics.RecordCommit(commit.Rows, commit.Duplicate, duration)
		log.WithFields(logrus.Fields{
			"rows":      commit.Rows,
			"duplicate": commit.Duplicate,
			"attempts":  f.retry.Attempts + 1,
		}).Debugf("Committed batch in %s", duration)
	case ctx.Err() != nil:
		// Shutting down. The batch will be written by the next run.
		c.transition(f, Pending)
		log.WithError(err).Info("Write cancelled")
	default:
		writeErr := writer.Classify(err)
		c.metrics.RecordWriteError(writeErr.Kind.String(), duration)
		switch writeErr.Kind {
		case writer.Fatal:
			c.fail(log, f, writeErr)
		case writer.Malformed:
			c.isolate(log, f, writeErr)
		default:
			c.retryLater(log, f, writeErr)
		}
	}
	c.advance(log)
	c.metrics.SetInFlight(len(c.flights))
	return true, c.persistLocked()
}

// claim picks the oldest eligible batch and marks it Attempting.
func (c *Controller) claim() *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted {
		return nil
	}
	now := c.clock.Now()
	for _, f := range c.flights {
		if f.state == Pending || (f.state == Retrying && !now.Before(f.retry.NextEligible)) {
			c.transition(f, Attempting)
			return f
		}
	}
	return nil
}

func (c *Controller) transition(f *flight, to State) {
	if !canTransition(f.state, to) {
		panic(fmt.Sprintf("invalid retry state transition from %s to %s for batch %s", f.state, to, f.batch))
	}
	f.state = to
}

func (c *Controller) retryLater(log *logrus.Entry, f *flight, writeErr *writer.WriteError) {
	f.retry.Attempts++
	f.retry.LastErrorKind = writeErr.Kind
	f.retry.LastError = writeErr
	log = log.WithField("attempts", f.retry.Attempts)
	if f.retry.Attempts >= c.options.MaxAttempts {
		c.transition(f, Abandoned)
		c.metrics.RecordAbandoned()
		logging.WithStacktrace(log, writeErr).Error("Abandoning batch after exhausting its attempts; its records stay queued until reset")
		return
	}
	delay := c.options.Backoff.Delay(f.retry.Attempts, c.random.Float64())
	f.retry.NextEligible = c.clock.Now().Add(delay)
	c.transition(f, Retrying)
	log.WithError(writeErr).Warnf("Batch write failed; retrying in %s", delay)
}

func (c *Controller) fail(log *logrus.Entry, f *flight, writeErr *writer.WriteError) {
	f.retry.LastErrorKind = writeErr.Kind
	f.retry.LastError = writeErr
	c.transition(f, Pending)
	c.halted = true
	c.haltErr = writeErr
	logging.WithStacktrace(log, writeErr).Error("Fatal backend error; writes are halted until reset")
}

// isolate quarantines the records the backend named and re-pends the rest of the batch. If the backend did not
// say which records it rejected, the batch is split in two so that each half can be tried on its own.
func (c *Controller) isolate(log *logrus.Entry, f *flight, writeErr *writer.WriteError) {
	c.transition(f, Isolating)
	f.retry.LastErrorKind = writeErr.Kind
	f.retry.LastError = writeErr
	log = log.WithField("attempts", f.retry.Attempts+1)

	offending := map[uint64]bool{}
	for _, r := range f.batch.Records {
		if _, ok := writeErr.Reasons[r.SequenceId]; ok {
			offending[r.SequenceId] = true
		}
	}
	if len(offending) == 0 && len(f.batch.Records) == 1 {
		offending[f.batch.Records[0].SequenceId] = true
	}

	if len(offending) == 0 {
		mid := len(f.batch.Records) / 2
		left, right := f.batch.Split(mid, c.newId(), c.newId())
		log.WithError(writeErr).Warnf("Batch rejected without naming a record; splitting into %s and %s", left.Id, right.Id)
		leftFlight := &flight{batch: left, upTo: left.MaxSequenceId(), state: Pending}
		c.transition(f, Pending)
		f.batch = right
		f.retry = RetryState{}
		c.insertBefore(f, leftFlight)
		return
	}

	quarantined := 0
	for _, r := range f.batch.Records {
		if !offending[r.SequenceId] {
			continue
		}
		reason, ok := writeErr.Reasons[r.SequenceId]
		if !ok {
			reason = writeErr.Err.Error()
		}
		if err := c.queue.Quarantine(r, reason); err != nil {
			// The records are still queued. Try the whole batch again later.
			c.retryLater(log, f, writer.NewTransientError(errors.WithMessage(err, "error quarantining record")))
			return
		}
		quarantined++
	}
	c.metrics.RecordQuarantined(quarantined)

	remaining := f.batch.Without(offending)
	log.WithError(writeErr).Warnf("Quarantined %d records; %d remain", quarantined, len(remaining))
	if len(remaining) == 0 {
		c.transition(f, Committed)
		return
	}
	f.batch = f.batch.Subset(c.newId(), remaining)
	f.retry = RetryState{}
	c.transition(f, Pending)
}

func (c *Controller) insertBefore(f *flight, inserted *flight) {
	for i, existing := range c.flights {
		if existing == f {
			c.flights = append(c.flights[:i], append([]*flight{inserted}, c.flights[i:]...)...)
			return
		}
	}
}

// advance drops the resolved prefix of the in-flight batches.
func (c *Controller) advance(log *logrus.Entry) {
	n := 0
	for n < len(c.flights) && c.flights[n].state == Committed {
		c.resolved = c.flights[n].upTo
		n++
	}
	if n == 0 {
		return
	}
	c.flights = append(c.flights[:0:0], c.flights[n:]...)
	c.unpersisted = c.resolved
	log.Debugf("Resolved up to sequence id %d", c.resolved)
}

func (c *Controller) persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

func (c *Controller) persistLocked() error {
	if c.unpersisted == 0 {
		return nil
	}
	if err := c.queue.RemoveUpTo(c.unpersisted); err != nil {
		return errors.WithMessagef(err, "error advancing queue cursor to %d", c.unpersisted)
	}
	c.unpersisted = 0
	return nil
}

// NextWake returns when Step next has work to do: now if a batch is pending, the earliest retry time otherwise.
// It returns false if nothing is eligible, including while halted.
func (c *Controller) NextWake() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted {
		return time.Time{}, false
	}
	var wake time.Time
	found := false
	for _, f := range c.flights {
		switch f.state {
		case Pending:
			return c.clock.Now(), true
		case Retrying:
			if !found || f.retry.NextEligible.Before(wake) {
				wake = f.retry.NextEligible
				found = true
			}
		}
	}
	if !found && c.unpersisted != 0 {
		return c.clock.Now(), true
	}
	return wake, found
}

// Reset clears a halt and gives abandoned batches a fresh set of attempts. It returns true if anything changed.
func (c *Controller) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.halted
	if c.halted {
		logrus.WithError(c.haltErr).Info("Clearing halt")
	}
	c.halted = false
	c.haltErr = nil
	for _, f := range c.flights {
		if f.state == Abandoned {
			logrus.WithField("batchId", f.batch.Id.String()).Info("Re-pending abandoned batch")
			c.transition(f, Pending)
			f.retry = RetryState{}
			changed = true
		}
	}
	return changed
}

// Halted reports whether a fatal error has stopped writes, and the error.
func (c *Controller) Halted() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted, c.haltErr
}

// InFlight returns the number of admitted batches not yet resolved.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// Abandoned returns the number of batches that exhausted their attempts.
func (c *Controller) Abandoned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.flights {
		if f.state == Abandoned {
			n++
		}
	}
	return n
}

// Resolved returns the highest sequence id up to which every record is committed or quarantined.
func (c *Controller) Resolved() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Drop forgets every unresolved batch and returns the resolved sequence id. Their records are still queued and
// are batched again after rewinding the batcher.
func (c *Controller) Drop() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flights = nil
	c.metrics.SetInFlight(0)
	return c.resolved
}

// Snapshot describes an in-flight batch.
type Snapshot struct {
	BatchId  string
	State    State
	Retry    RetryState
	FirstSeq uint64
	LastSeq  uint64
	Records  int
}

// Flights returns a snapshot of the in-flight batches in sequence order.
func (c *Controller) Flights() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshots := make([]Snapshot, len(c.flights))
	for i, f := range c.flights {
		snapshots[i] = Snapshot{
			BatchId:  f.batch.Id.String(),
			State:    f.state,
			Retry:    f.retry,
			FirstSeq: f.batch.MinSequenceId(),
			LastSeq:  f.batch.MaxSequenceId(),
			Records:  len(f.batch.Records),
		}
	}
	return snapshots
}
