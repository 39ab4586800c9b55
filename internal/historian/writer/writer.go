// Package writer performs single write attempts of batches against a backend adapter and classifies the outcome.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/historian/model"
)

// Adapter writes records to a backend in one transaction. key identifies the batch: an adapter that finds key
// in its ledger acknowledges the batch without writing, reporting Commit.Duplicate. Failures should be returned
// as *WriteError; anything else is treated as Transient.
type Adapter interface {
	WriteBatch(ctx context.Context, key string, records []model.Record) (model.Commit, error)
}

type Options struct {
	// Topics longer than this are rejected before reaching the backend. Zero means no limit.
	MaxTopicLength int
	// Upper bound on a single write. Zero means no timeout beyond the caller's context.
	WriteTimeout time.Duration
}

// Writer validates and conflates batches before handing them to an Adapter.
type Writer struct {
	adapter Adapter
	options Options
	clock   clock.PassiveClock
}

func New(adapter Adapter, options Options, clock clock.PassiveClock) *Writer {
	return &Writer{
		adapter: adapter,
		options: options,
		clock:   clock,
	}
}

// Write makes one attempt at writing batch. On failure the returned error is a *WriteError unless ctx was
// cancelled, in which case ctx's error is returned.
func (w *Writer) Write(ctx context.Context, batch *model.Batch) (model.Commit, error) {
	if reasons := w.validate(batch.Records); len(reasons) > 0 {
		return model.Commit{}, NewMalformedError(errors.Errorf("batch %s failed validation", batch.Id), reasons)
	}
	records := Conflate(batch.Records)

	writeCtx := ctx
	if w.options.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, w.options.WriteTimeout)
		defer cancel()
	}
	commit, err := w.adapter.WriteBatch(writeCtx, batch.IdempotencyKey(), records)
	if err != nil {
		if ctx.Err() != nil {
			return model.Commit{}, errors.WithStack(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return model.Commit{}, NewTransientError(errors.Wrapf(err, "write timed out after %s", w.options.WriteTimeout))
		}
		return model.Commit{}, Classify(err)
	}
	commit.BatchId = batch.Id
	commit.IdempotencyKey = batch.IdempotencyKey()
	if commit.CommittedAt.IsZero() {
		commit.CommittedAt = w.clock.Now()
	}
	return commit, nil
}

// validate returns the reason each invalid record would be rejected by any backend.
func (w *Writer) validate(records []model.Record) map[uint64]string {
	var reasons map[uint64]string
	reject := func(seq uint64, reason string) {
		if reasons == nil {
			reasons = map[uint64]string{}
		}
		reasons[seq] = reason
	}
	for _, r := range records {
		switch {
		case strings.TrimSpace(r.Topic) == "":
			reject(r.SequenceId, "empty topic")
		case w.options.MaxTopicLength > 0 && len(r.Topic) > w.options.MaxTopicLength:
			reject(r.SequenceId, fmt.Sprintf("topic longer than %d characters", w.options.MaxTopicLength))
		case r.Timestamp.IsZero():
			reject(r.SequenceId, "missing timestamp")
		case !json.Valid(r.Value):
			reject(r.SequenceId, "value is not valid json")
		}
	}
	return reasons
}

type conflationKey struct {
	topic string
	ts    int64
}

// Conflate drops every record that is followed in records by another record with the same topic (compared case
// insensitively) and timestamp. The backend upserts on (topic, timestamp), so only the last such record would
// survive the write anyway, and a single statement cannot touch the same row twice.
func Conflate(records []model.Record) []model.Record {
	last := make(map[conflationKey]int, len(records))
	for i, r := range records {
		last[conflationKey{topic: strings.ToLower(r.Topic), ts: r.Timestamp.UnixNano()}] = i
	}
	if len(last) == len(records) {
		return records
	}
	result := make([]model.Record, 0, len(last))
	for i, r := range records {
		if last[conflationKey{topic: strings.ToLower(r.Topic), ts: r.Timestamp.UnixNano()}] == i {
			result = append(result, r)
		}
	}
	return result
}
