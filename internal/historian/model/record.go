package model

import (
	"encoding/json"
	"time"

	"golang.org/x/exp/maps"
)

// Record is a single timestamped observation published on the bus. Records are treated as immutable once
// created: NewRecord copies the caller's value and metadata so later mutation of those cannot alter the record.
type Record struct {
	// Assigned by the durable queue on enqueue. Zero until then.
	SequenceId uint64            `json:"seq"`
	Topic      string            `json:"topic"`
	Timestamp  time.Time         `json:"ts"`
	Value      json.RawMessage   `json:"value"`
	Metadata   map[string]string `json:"meta,omitempty"`
}

// NewRecord returns a record with its timestamp normalised to UTC.
func NewRecord(topic string, ts time.Time, value []byte, metadata map[string]string) Record {
	var v json.RawMessage
	if value != nil {
		v = make(json.RawMessage, len(value))
		copy(v, value)
	}
	var m map[string]string
	if len(metadata) > 0 {
		m = maps.Clone(metadata)
	}
	return Record{
		Topic:     topic,
		Timestamp: ts.UTC(),
		Value:     v,
		Metadata:  m,
	}
}

// WithSequenceId returns a copy of r carrying seq.
func (r Record) WithSequenceId(seq uint64) Record {
	r.SequenceId = seq
	return r
}

// Size approximates the number of bytes the record contributes to a batch write.
func (r Record) Size() int {
	size := len(r.Topic) + len(r.Value) + 8 + 8
	for k, v := range r.Metadata {
		size += len(k) + len(v)
	}
	return size
}
