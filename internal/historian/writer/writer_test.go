package writer_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/writer"
	"github.com/G-Research/historian/internal/historian/writer/writertest"
)

var (
	baseTime = time.Date(2023, 3, 1, 10, 0, 0, 0, time.UTC)
	batchId  = ulid.MustParse("01GTJ4ZTPJ0000000000000000")
)

func record(seq uint64, topic string, ts time.Time, value string) model.Record {
	return model.NewRecord(topic, ts, []byte(value), nil).WithSequenceId(seq)
}

func newWriter(adapter writer.Adapter) *writer.Writer {
	return writer.New(adapter, writer.Options{MaxTopicLength: 32, WriteTimeout: time.Second}, clock.NewFakePassiveClock(baseTime))
}

func TestWrite_Commits(t *testing.T) {
	adapter := writertest.NewAdapter()
	batch := model.NewBatch(batchId, []model.Record{
		record(1, "a/b", baseTime, `1`),
		record(2, "a/c", baseTime, `{"x":2}`),
	})

	commit, err := newWriter(adapter).Write(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, model.Commit{
		BatchId:        batchId,
		IdempotencyKey: batch.IdempotencyKey(),
		Rows:           2,
		CommittedAt:    baseTime,
	}, commit)
	assert.Equal(t, []uint64{1, 2}, adapter.Sequences())
}

func TestWrite_DuplicateBatchIsAcknowledged(t *testing.T) {
	adapter := writertest.NewAdapter()
	w := newWriter(adapter)
	batch := model.NewBatch(batchId, []model.Record{record(1, "a/b", baseTime, `1`)})

	_, err := w.Write(context.Background(), batch)
	require.NoError(t, err)
	commit, err := w.Write(context.Background(), batch)
	require.NoError(t, err)
	assert.True(t, commit.Duplicate)
	assert.Equal(t, 1, adapter.Committed())
	assert.Len(t, adapter.Rows(), 1)
}

func TestWrite_ValidationRejectsBeforeBackend(t *testing.T) {
	adapter := writertest.NewAdapter()
	batch := model.NewBatch(batchId, []model.Record{
		record(1, "a/b", baseTime, `1`),
		record(2, "", baseTime, `1`),
		record(3, "a/b/c/d/e/f/g/h/i/j/k/l/m/n/o/p/q/r", baseTime, `1`),
		record(4, "a/b", time.Time{}, `1`),
		record(5, "a/b", baseTime, `{oops`),
	})

	_, err := newWriter(adapter).Write(context.Background(), batch)
	writeErr := writer.Classify(err)
	assert.Equal(t, writer.Malformed, writeErr.Kind)
	assert.Equal(t, map[uint64]string{
		2: "empty topic",
		3: "topic longer than 32 characters",
		4: "missing timestamp",
		5: "value is not valid json",
	}, writeErr.Reasons)
	assert.Equal(t, []uint64{2, 3, 4, 5}, writeErr.Offending())
	assert.Empty(t, adapter.Calls())
}

func TestWrite_Classification(t *testing.T) {
	tests := map[string]struct {
		err          error
		expectedKind writer.ErrorKind
	}{
		"unclassified": {err: errors.New("boom"), expectedKind: writer.Transient},
		"transient":    {err: writer.NewTransientError(errors.New("connection reset")), expectedKind: writer.Transient},
		"fatal":        {err: errors.WithStack(writer.NewFatalError(errors.New("password authentication failed"))), expectedKind: writer.Fatal},
		"malformed":    {err: writer.NewMalformedError(errors.New("bad row"), nil), expectedKind: writer.Malformed},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			adapter := writertest.NewAdapter()
			adapter.FailNext(tc.err)
			batch := model.NewBatch(batchId, []model.Record{record(1, "a/b", baseTime, `1`)})

			_, err := newWriter(adapter).Write(context.Background(), batch)
			require.Error(t, err)
			assert.Equal(t, tc.expectedKind, writer.Classify(err).Kind)
		})
	}
}

func TestWrite_Timeout(t *testing.T) {
	adapter := writertest.NewAdapter()
	adapter.Block()
	defer adapter.Unblock()
	w := writer.New(adapter, writer.Options{WriteTimeout: 10 * time.Millisecond}, clock.NewFakePassiveClock(baseTime))

	_, err := w.Write(context.Background(), model.NewBatch(batchId, []model.Record{record(1, "a/b", baseTime, `1`)}))
	require.Error(t, err)
	assert.Equal(t, writer.Transient, writer.Classify(err).Kind)
}

func TestWrite_CancelledContext(t *testing.T) {
	adapter := writertest.NewAdapter()
	adapter.Block()
	defer adapter.Unblock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newWriter(adapter).Write(ctx, model.NewBatch(batchId, []model.Record{record(1, "a/b", baseTime, `1`)}))
	assert.ErrorIs(t, err, context.Canceled)
	var writeErr *writer.WriteError
	assert.False(t, errors.As(err, &writeErr))
}

func TestConflate(t *testing.T) {
	records := []model.Record{
		record(1, "a/b", baseTime, `1`),
		record(2, "a/c", baseTime, `2`),
		record(3, "A/B", baseTime, `3`),
		record(4, "a/b", baseTime.Add(time.Second), `4`),
	}
	conflated := writer.Conflate(records)
	seqs := make([]uint64, len(conflated))
	for i, r := range conflated {
		seqs[i] = r.SequenceId
	}
	assert.Equal(t, []uint64{2, 3, 4}, seqs)

	unique := records[:2]
	assert.Equal(t, unique, writer.Conflate(unique))
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "transient", writer.Transient.String())
	assert.Equal(t, "malformed", writer.Malformed.String())
	assert.Equal(t, "fatal", writer.Fatal.String())
	assert.Equal(t, "ErrorKind(7)", writer.ErrorKind(7).String())
}

func TestWriteErrorMessage(t *testing.T) {
	err := writer.NewMalformedError(errors.New("rejected"), map[uint64]string{9: "x", 3: "y"})
	assert.Equal(t, "malformed write error: rejected (offending records [3 9])", err.Error())
	assert.Equal(t, "fatal write error: denied", writer.NewFatalError(errors.New("denied")).Error())
}
