package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/historian/internal/historian/model"
)

// QuarantineMarker records a record the backend permanently rejected, and why. Value holds the raw payload as a
// string since it is not necessarily valid json.
type QuarantineMarker struct {
	SequenceId    uint64            `json:"seq"`
	Topic         string            `json:"topic"`
	Timestamp     time.Time         `json:"ts"`
	Value         string            `json:"value"`
	Metadata      map[string]string `json:"meta,omitempty"`
	Reason        string            `json:"reason"`
	QuarantinedAt time.Time         `json:"quarantined_at"`
}

// Quarantine durably appends a marker for record to the quarantine log and drops the record from the pending
// index, so it is neither offered again nor restored after a restart. Quarantining a record twice writes one marker.
func (q *Queue) Quarantine(record model.Record, reason string) error {
	marker := QuarantineMarker{
		SequenceId:    record.SequenceId,
		Topic:         record.Topic,
		Timestamp:     record.Timestamp,
		Value:         string(record.Value),
		Metadata:      record.Metadata,
		Reason:        reason,
		QuarantinedAt: q.clock.Now().UTC(),
	}
	line, err := json.Marshal(marker)
	if err != nil {
		return errors.WithStack(err)
	}
	line = append(line, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("durable queue is closed")
	}
	if record.SequenceId <= q.cursor || q.quarantined[record.SequenceId] {
		return nil
	}
	if _, err := q.quarantine.Write(line); err != nil {
		return errors.WithStack(err)
	}
	if err := q.quarantine.Sync(); err != nil {
		return errors.WithStack(err)
	}
	q.quarantined[record.SequenceId] = true
	if i := q.search(record.SequenceId - 1); i < len(q.index) && q.index[i].SequenceId == record.SequenceId {
		q.drop(i)
	}
	log.WithFields(log.Fields{
		"seq":    record.SequenceId,
		"topic":  record.Topic,
		"reason": reason,
	}).Warn("Quarantined record")
	return nil
}

// ReadQuarantine returns every marker in the quarantine log of the queue in dir. It does not need the queue to be
// open, so operators can inspect the log of a running historian.
func ReadQuarantine(dir string) ([]QuarantineMarker, error) {
	f, err := os.Open(filepath.Join(dir, quarantineFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var markers []QuarantineMarker
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var marker QuarantineMarker
		if err := json.Unmarshal(scanner.Bytes(), &marker); err != nil {
			// A crash can leave a partial final line.
			log.Warnf("Skipping unreadable quarantine marker on line %d: %s", line, err)
			continue
		}
		markers = append(markers, marker)
	}
	return markers, errors.WithStack(scanner.Err())
}

// Status summarises a queue directory.
type Status struct {
	Id         string
	Cursor     uint64
	Pending    int
	Bytes      int64
	NextSeq    uint64
	Oldest     *Entry
	Segments   int
	Quarantine int
}

// Status returns a summary of the queue's state.
func (q *Queue) Status() (Status, error) {
	markers, err := ReadQuarantine(q.options.Dir)
	if err != nil {
		return Status{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	status := Status{
		Id:         q.id,
		Cursor:     q.cursor,
		Pending:    len(q.index),
		Bytes:      q.pendingBytes,
		NextSeq:    q.nextSeq,
		Segments:   len(q.segments),
		Quarantine: len(markers),
	}
	if len(q.index) > 0 {
		oldest := q.index[0].Entry
		status.Oldest = &oldest
	}
	return status, nil
}
