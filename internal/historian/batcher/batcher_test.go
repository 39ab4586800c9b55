package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/queue"
)

var baseTime = time.Date(2023, 3, 1, 10, 0, 0, 0, time.UTC)

const maxWait = 2 * time.Second

func setup(t *testing.T, dir string, options Options) (*queue.Queue, *Batcher, *clock.FakePassiveClock) {
	t.Helper()
	fakeClock := clock.NewFakePassiveClock(baseTime)
	q, err := queue.Open(queue.Options{
		Dir:         dir,
		MaxRecords:  1000,
		MaxBytes:    16 * 1024 * 1024,
		SegmentSize: 1024 * 1024,
	}, fakeClock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, New(q, options, fakeClock, q.Cursor()), fakeClock
}

func enqueue(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(model.NewRecord("campus/building/point", baseTime.Add(time.Duration(i)*time.Second), []byte(`1.5`), nil))
		require.NoError(t, err)
	}
}

func seqRange(b *model.Batch) []uint64 {
	return []uint64{b.MinSequenceId(), b.MaxSequenceId(), uint64(len(b.Records))}
}

func TestNextBatch_Empty(t *testing.T) {
	_, b, _ := setup(t, t.TempDir(), Options{MaxCount: 10, MaxWait: maxWait})
	batch, err := b.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)
	_, ok := b.Deadline()
	assert.False(t, ok)
}

func TestNextBatch_FlushesOnCount(t *testing.T) {
	q, b, _ := setup(t, t.TempDir(), Options{MaxCount: 100, MaxWait: maxWait})
	enqueue(t, q, 250)

	var batches [][]uint64
	for {
		batch, err := b.NextBatch()
		require.NoError(t, err)
		if batch == nil {
			break
		}
		batches = append(batches, seqRange(batch))
	}
	// the remaining 50 wait for max wait
	assert.Equal(t, [][]uint64{{1, 100, 100}, {101, 200, 100}}, batches)
	assert.Equal(t, uint64(200), b.Claimed())
}

func TestNextBatch_FlushesOnMaxWait(t *testing.T) {
	q, b, fakeClock := setup(t, t.TempDir(), Options{MaxCount: 100, MaxWait: maxWait})
	enqueue(t, q, 5)

	batch, err := b.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)

	deadline, ok := b.Deadline()
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(maxWait), deadline)

	fakeClock.SetTime(baseTime.Add(maxWait - time.Millisecond))
	batch, err = b.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)

	fakeClock.SetTime(baseTime.Add(maxWait))
	batch, err = b.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, []uint64{1, 5, 5}, seqRange(batch))

	_, ok = b.Deadline()
	assert.False(t, ok)
}

func TestNextBatch_FlushesOnBytes(t *testing.T) {
	record := model.NewRecord("campus/building/point", baseTime, []byte(`1.5`), nil)
	q, b, _ := setup(t, t.TempDir(), Options{MaxCount: 100, MaxBytes: 3*record.Size() + 1, MaxWait: maxWait})

	enqueue(t, q, 3)
	batch, err := b.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)

	enqueue(t, q, 1)
	batch, err = b.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, []uint64{1, 3, 3}, seqRange(batch))
}

func TestNextBatch_FlushesOnExactlyMaxBytes(t *testing.T) {
	record := model.NewRecord("campus/building/point", baseTime, []byte(`1.5`), nil)
	q, b, _ := setup(t, t.TempDir(), Options{MaxCount: 100, MaxBytes: 3 * record.Size(), MaxWait: maxWait})

	enqueue(t, q, 2)
	batch, err := b.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)

	// the waiting records now add up to MaxBytes, so the batch is cut before MaxWait
	enqueue(t, q, 1)
	batch, err = b.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, []uint64{1, 3, 3}, seqRange(batch))
	assert.Equal(t, 3*record.Size(), batch.Size())
}

// countingSource counts reads of record payloads from the queue.
type countingSource struct {
	*queue.Queue
	peeks int
}

func (s *countingSource) PeekBatch(after uint64, maxCount int, maxBytes int) ([]model.Record, error) {
	s.peeks++
	return s.Queue.PeekBatch(after, maxCount, maxBytes)
}

func TestNextBatch_DoesNotReadRecordsUntilDue(t *testing.T) {
	record := model.NewRecord("campus/building/point", baseTime, []byte(`1.5`), nil)
	q, _, fakeClock := setup(t, t.TempDir(), Options{})
	source := &countingSource{Queue: q}
	b := New(source, Options{MaxCount: 100, MaxBytes: 50 * record.Size(), MaxWait: maxWait}, fakeClock, q.Cursor())

	enqueue(t, q, 10)
	for i := 0; i < 20; i++ {
		batch, err := b.NextBatch()
		require.NoError(t, err)
		assert.Nil(t, batch)
	}
	assert.Equal(t, 0, source.peeks)

	fakeClock.SetTime(baseTime.Add(maxWait))
	batch, err := b.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, []uint64{1, 10, 10}, seqRange(batch))
	assert.Equal(t, 1, source.peeks)
}

func TestNextBatch_CarriesQueueId(t *testing.T) {
	q, b, _ := setup(t, t.TempDir(), Options{MaxCount: 2, MaxWait: maxWait})
	enqueue(t, q, 2)

	batch, err := b.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, q.Id(), batch.QueueId)
	assert.Contains(t, batch.IdempotencyKey(), q.Id())
}

func TestNextBatch_RestoredRecordsDueImmediately(t *testing.T) {
	dir := t.TempDir()
	q, _, _ := setup(t, dir, Options{MaxCount: 100, MaxWait: maxWait})
	enqueue(t, q, 5)
	require.NoError(t, q.RemoveUpTo(2))
	require.NoError(t, q.Close())

	q, b, fakeClock := setup(t, dir, Options{MaxCount: 100, MaxWait: time.Hour})
	deadline, ok := b.Deadline()
	require.True(t, ok)
	assert.Equal(t, fakeClock.Now(), deadline)

	batch, err := b.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, []uint64{3, 5, 3}, seqRange(batch))

	// new arrivals wait as usual
	enqueue(t, q, 1)
	batch, err = b.NextBatch()
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestRewind(t *testing.T) {
	q, b, fakeClock := setup(t, t.TempDir(), Options{MaxCount: 2, MaxWait: maxWait})
	enqueue(t, q, 4)

	first, err := b.NextBatch()
	require.NoError(t, err)
	second, err := b.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 2}, seqRange(second))

	b.Rewind(first.MaxSequenceId())
	fakeClock.SetTime(baseTime.Add(maxWait))
	again, err := b.NextBatch()
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, second.IdempotencyKey(), again.IdempotencyKey())
	assert.NotEqual(t, second.Id, again.Id)
}
