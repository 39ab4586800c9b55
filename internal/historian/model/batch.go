package model

import (
	"fmt"
	"time"

	"github.com/oklog/ulid"
)

// Batch is an ordered group of records submitted to the backend as one write.
type Batch struct {
	Id ulid.ULID
	// Id of the durable queue the records were read from
	QueueId string
	Records []Record
}

// NewBatch wraps records, which must be non-empty and sorted by sequence id.
func NewBatch(id ulid.ULID, records []Record) *Batch {
	return &Batch{Id: id, Records: records}
}

func (b *Batch) MinSequenceId() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[0].SequenceId
}

func (b *Batch) MaxSequenceId() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].SequenceId
}

// IdempotencyKey identifies the batch content. A batch rebuilt from the same records after a retry or a restart
// gets the same key, so the backend can recognise it was already committed. Sequence ids are only unique within
// one queue, so the key leads with the queue id.
func (b *Batch) IdempotencyKey() string {
	return fmt.Sprintf("%s-%020d-%020d-%d", b.QueueId, b.MinSequenceId(), b.MaxSequenceId(), len(b.Records))
}

// Subset returns a batch with the given id holding records, which must come from b, for the same queue.
func (b *Batch) Subset(id ulid.ULID, records []Record) *Batch {
	return &Batch{Id: id, QueueId: b.QueueId, Records: records}
}

func (b *Batch) Size() int {
	size := 0
	for _, r := range b.Records {
		size += r.Size()
	}
	return size
}

// Split divides the batch at index i, returning two batches that share no records.
func (b *Batch) Split(i int, leftId, rightId ulid.ULID) (*Batch, *Batch) {
	left := make([]Record, i)
	copy(left, b.Records[:i])
	right := make([]Record, len(b.Records)-i)
	copy(right, b.Records[i:])
	return b.Subset(leftId, left), b.Subset(rightId, right)
}

// Without returns the records of b whose sequence ids are not in excluded, preserving order.
func (b *Batch) Without(excluded map[uint64]bool) []Record {
	remaining := make([]Record, 0, len(b.Records))
	for _, r := range b.Records {
		if !excluded[r.SequenceId] {
			remaining = append(remaining, r)
		}
	}
	return remaining
}

func (b *Batch) String() string {
	return fmt.Sprintf("%s[%d..%d]#%d", b.Id, b.MinSequenceId(), b.MaxSequenceId(), len(b.Records))
}

// Commit is the backend's acknowledgement of a batch write.
type Commit struct {
	BatchId        ulid.ULID
	IdempotencyKey string
	// Number of rows inserted or updated
	Rows int
	// True when the key was already in the ledger and nothing was written
	Duplicate   bool
	CommittedAt time.Time
}
