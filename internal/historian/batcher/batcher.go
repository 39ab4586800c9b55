package batcher

import (
	"time"

	"github.com/oklog/ulid"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/util"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/queue"
)

// Source is the part of the durable queue the batcher reads from.
type Source interface {
	Id() string
	PeekBatch(after uint64, maxCount int, maxBytes int) ([]model.Record, error)
	PendingAfter(after uint64) (int, int)
	OldestAfter(after uint64) (queue.Entry, bool)
}

type Options struct {
	MaxCount int
	MaxBytes int
	MaxWait  time.Duration
}

// Batcher cuts batches of queued records. A batch is due whenever MaxCount records are waiting, the waiting
// records reach MaxBytes, or the oldest waiting record was enqueued MaxWait ago, whichever happens first.
// Records restored from disk at startup are due immediately.
//
// The batcher remembers the highest sequence id it has handed out; records up to that id are claimed and are not
// offered again unless Rewind is called. Not safe for concurrent use.
type Batcher struct {
	source  Source
	options Options
	clock   clock.PassiveClock
	claimed uint64
	newId   func() ulid.ULID
}

// New returns a batcher that starts claiming records after the sequence id claimed.
func New(source Source, options Options, clock clock.PassiveClock, claimed uint64) *Batcher {
	return &Batcher{
		source:  source,
		options: options,
		clock:   clock,
		claimed: claimed,
		newId:   util.NewULID,
	}
}

// NextBatch returns the next due batch, or nil if no batch is due yet. Records are only read from disk once a
// batch is due.
func (b *Batcher) NextBatch() (*model.Batch, error) {
	oldest, ok := b.source.OldestAfter(b.claimed)
	if !ok {
		return nil, nil
	}
	due := oldest.Restored || !b.clock.Now().Before(oldest.EnqueuedAt.Add(b.options.MaxWait))
	if !due {
		count, bytes := b.source.PendingAfter(b.claimed)
		full := count >= b.options.MaxCount || (b.options.MaxBytes > 0 && bytes >= b.options.MaxBytes)
		if !full {
			return nil, nil
		}
	}

	records, err := b.source.PeekBatch(b.claimed, b.options.MaxCount, b.maxBytes())
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	b.claimed = records[len(records)-1].SequenceId
	batch := model.NewBatch(b.newId(), records)
	batch.QueueId = b.source.Id()
	return batch, nil
}

func (b *Batcher) maxBytes() int {
	if b.options.MaxBytes <= 0 {
		return int(^uint(0) >> 1)
	}
	return b.options.MaxBytes
}

// Deadline returns the time at which the oldest unclaimed record becomes due. It returns false if there are
// no unclaimed records.
func (b *Batcher) Deadline() (time.Time, bool) {
	oldest, ok := b.source.OldestAfter(b.claimed)
	if !ok {
		return time.Time{}, false
	}
	if oldest.Restored {
		return b.clock.Now(), true
	}
	return oldest.EnqueuedAt.Add(b.options.MaxWait), true
}

// Claimed returns the highest sequence id handed out in a batch.
func (b *Batcher) Claimed() uint64 {
	return b.claimed
}

// Rewind makes every record after the sequence id after eligible for batching again.
func (b *Batcher) Rewind(after uint64) {
	b.claimed = after
}
