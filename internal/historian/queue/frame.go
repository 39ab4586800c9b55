package queue

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/G-Research/historian/internal/historian/model"
)

// Each entry on disk is framed as
//
//	uint32 payload length | uint32 crc32 (IEEE) of payload | payload
//
// where payload is the snappy-compressed json encoding of a diskEntry. Integers are little endian.
const frameHeaderSize = 8

var (
	errTornFrame    = errors.New("torn frame")
	errCorruptFrame = errors.New("corrupt frame")
)

// diskEntry holds the value as plain bytes: records whose value is not valid json are still queued, the writer
// rejects them later.
type diskEntry struct {
	SequenceId uint64            `json:"seq"`
	Topic      string            `json:"topic"`
	Timestamp  time.Time         `json:"ts"`
	Value      []byte            `json:"value"`
	Metadata   map[string]string `json:"meta,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

func (e diskEntry) record() model.Record {
	return model.Record{
		SequenceId: e.SequenceId,
		Topic:      e.Topic,
		Timestamp:  e.Timestamp,
		Value:      e.Value,
		Metadata:   e.Metadata,
	}
}

func encodeFrame(record model.Record, enqueuedAt time.Time) ([]byte, error) {
	js, err := json.Marshal(diskEntry{
		SequenceId: record.SequenceId,
		Topic:      record.Topic,
		Timestamp:  record.Timestamp,
		Value:      record.Value,
		Metadata:   record.Metadata,
		EnqueuedAt: enqueuedAt,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	payload := snappy.Encode(nil, js)
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// readFrame reads the frame starting at offset in a file of the given size. It returns the decoded entry and the
// total length of the frame. errTornFrame means the file ends inside the frame; errCorruptFrame means the frame
// is complete but its checksum or encoding is wrong, in which case the frame length is still returned.
func readFrame(r io.ReaderAt, offset int64, size int64) (diskEntry, int64, error) {
	if offset+frameHeaderSize > size {
		return diskEntry{}, 0, errTornFrame
	}
	header := make([]byte, frameHeaderSize)
	if _, err := r.ReadAt(header, offset); err != nil {
		return diskEntry{}, 0, errors.WithStack(err)
	}
	length := int64(binary.LittleEndian.Uint32(header[0:4]))
	checksum := binary.LittleEndian.Uint32(header[4:8])
	if offset+frameHeaderSize+length > size {
		return diskEntry{}, 0, errTornFrame
	}
	payload := make([]byte, length)
	if _, err := r.ReadAt(payload, offset+frameHeaderSize); err != nil {
		return diskEntry{}, 0, errors.WithStack(err)
	}
	frameLength := frameHeaderSize + length
	if crc32.ChecksumIEEE(payload) != checksum {
		return diskEntry{}, frameLength, errCorruptFrame
	}
	js, err := snappy.Decode(nil, payload)
	if err != nil {
		return diskEntry{}, frameLength, errors.Wrap(errCorruptFrame, err.Error())
	}
	var entry diskEntry
	if err := json.Unmarshal(js, &entry); err != nil {
		return diskEntry{}, frameLength, errors.Wrap(errCorruptFrame, err.Error())
	}
	return entry, frameLength, nil
}
