// Package queue implements the historian's durable local buffer: an append-only log of records, split into
// segment files, with a cursor marking the last record resolved at the backend.
package queue

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/common/util"
	"github.com/G-Research/historian/internal/historian/model"
)

const (
	lockFileName       = "LOCK"
	cursorFileName     = "cursor"
	idFileName         = "id"
	quarantineFileName = "quarantine.log"
)

// ErrQueueFull is returned by Enqueue when accepting the record would exceed the queue's record or byte capacity.
var ErrQueueFull = errors.New("durable queue is full")

type Options struct {
	Dir string
	// Maximum number of records held, including those claimed by in-flight batches
	MaxRecords int
	// Maximum number of bytes held on disk by pending records
	MaxBytes int64
	// Segments are rotated once they reach this size
	SegmentSize int64
}

func (o Options) Validate() error {
	if o.Dir == "" {
		return &historianerrors.ErrInvalidArgument{Name: "Dir", Value: o.Dir, Message: "queue directory must be set"}
	}
	if o.MaxRecords <= 0 {
		return &historianerrors.ErrInvalidArgument{Name: "MaxRecords", Value: strconv.Itoa(o.MaxRecords), Message: "must be positive"}
	}
	if o.MaxBytes <= 0 {
		return &historianerrors.ErrInvalidArgument{Name: "MaxBytes", Value: strconv.FormatInt(o.MaxBytes, 10), Message: "must be positive"}
	}
	if o.SegmentSize <= 0 {
		return &historianerrors.ErrInvalidArgument{Name: "SegmentSize", Value: strconv.FormatInt(o.SegmentSize, 10), Message: "must be positive"}
	}
	return nil
}

// Entry describes a pending record without reading it from disk.
type Entry struct {
	SequenceId uint64
	EnqueuedAt time.Time
	// True for records found on disk when the queue was opened
	Restored bool
}

type indexEntry struct {
	Entry
	segment *segment
	offset  int64
	length  int64
	// Record.Size of the record, and the running total of sizes of this and every earlier index entry
	size    int
	cumSize int64
}

// Queue is a durable, bounded FIFO of records. Records leave the queue through RemoveUpTo, which persists the
// cursor, or through Quarantine.
// All methods are safe for concurrent use.
type Queue struct {
	options Options
	clock   clock.PassiveClock

	mu         sync.Mutex
	id         string
	lockFile   *os.File
	quarantine *os.File
	segments   []*segment
	// Pending entries, ordered by sequence id
	index        []indexEntry
	pendingBytes int64
	sizeTotal    int64
	// Quarantined sequence ids above the cursor
	quarantined map[uint64]bool
	cursor      uint64
	nextSeq     uint64
	notify      chan struct{}
	closed      bool
}

// Open opens the queue in options.Dir, creating it if necessary, and rebuilds the index of pending records from
// the segment files. Only one Queue may have a directory open at a time.
func Open(options Options, clock clock.PassiveClock) (*Queue, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(options.Dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	lockFile, err := acquireLock(options.Dir)
	if err != nil {
		return nil, err
	}
	q := &Queue{
		options:     options,
		clock:       clock,
		lockFile:    lockFile,
		quarantined: map[uint64]bool{},
		notify:      make(chan struct{}, 1),
	}
	if err := q.load(); err != nil {
		return nil, multierror.Append(err, q.Close()).ErrorOrNil()
	}
	q.quarantine, err = os.OpenFile(filepath.Join(options.Dir, quarantineFileName), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, multierror.Append(errors.WithStack(err), q.Close()).ErrorOrNil()
	}
	log.WithFields(log.Fields{
		"dir":     options.Dir,
		"id":      q.id,
		"pending": len(q.index),
		"cursor":  q.cursor,
		"nextSeq": q.nextSeq,
	}).Info("Opened durable queue")
	if len(q.index) > 0 {
		q.signal()
	}
	return q, nil
}

func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &historianerrors.ErrAlreadyExists{
				Type:    "queue lock",
				Value:   path,
				Message: "the queue directory is in use by another process",
			}
		}
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (q *Queue) load() error {
	id, err := readOrCreateId(q.options.Dir)
	if err != nil {
		return err
	}
	q.id = id
	cursor, err := readCursor(q.options.Dir)
	if err != nil {
		return err
	}
	q.cursor = cursor
	markers, err := ReadQuarantine(q.options.Dir)
	if err != nil {
		return err
	}
	for _, m := range markers {
		if m.SequenceId > cursor {
			q.quarantined[m.SequenceId] = true
		}
	}

	paths, firstSeqs, err := listSegments(q.options.Dir)
	if err != nil {
		return err
	}
	maxSeq := cursor
	for i, path := range paths {
		last := i == len(paths)-1
		var seg *segment
		seg, err = scanSegment(path, firstSeqs[i], last, func(e diskEntry, offset int64, length int64) {
			if e.SequenceId > maxSeq {
				maxSeq = e.SequenceId
			}
			if e.SequenceId <= cursor || q.quarantined[e.SequenceId] {
				return
			}
			if n := len(q.index); n > 0 && q.index[n-1].SequenceId >= e.SequenceId {
				log.Warnf("Ignoring out of order entry %d in %s", e.SequenceId, path)
				return
			}
			q.append(indexEntry{
				Entry:  Entry{SequenceId: e.SequenceId, EnqueuedAt: e.EnqueuedAt, Restored: true},
				offset: offset,
				length: length,
				size:   e.record().Size(),
			})
		})
		if err != nil {
			return err
		}
		q.segments = append(q.segments, seg)
		// The index refers to segments by pointer, fill in the ones just appended.
		for j := len(q.index) - 1; j >= 0 && q.index[j].segment == nil; j-- {
			q.index[j].segment = seg
		}
	}
	q.nextSeq = maxSeq + 1
	return q.removeResolvedSegments()
}

// Enqueue durably appends record and returns it with its sequence id assigned.
// The record is on disk and fsynced when Enqueue returns.
func (q *Queue) Enqueue(record model.Record) (model.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.Record{}, errors.New("durable queue is closed")
	}
	if len(q.index) >= q.options.MaxRecords {
		return model.Record{}, ErrQueueFull
	}

	now := q.clock.Now()
	record = record.WithSequenceId(q.nextSeq)
	frame, err := encodeFrame(record, now)
	if err != nil {
		return model.Record{}, err
	}
	length := int64(len(frame))
	if length > q.options.MaxBytes {
		return model.Record{}, &historianerrors.ErrInvalidArgument{
			Name:    "record",
			Value:   record.Topic,
			Message: "record is larger than the queue's byte capacity",
		}
	}
	if q.pendingBytes+length > q.options.MaxBytes {
		return model.Record{}, ErrQueueFull
	}

	seg, err := q.activeSegment(length)
	if err != nil {
		return model.Record{}, err
	}
	if _, err := seg.file.WriteAt(frame, seg.size); err != nil {
		_ = seg.file.Truncate(seg.size)
		return model.Record{}, errors.WithStack(err)
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Truncate(seg.size)
		return model.Record{}, errors.WithStack(err)
	}

	q.append(indexEntry{
		Entry:   Entry{SequenceId: record.SequenceId, EnqueuedAt: now},
		segment: seg,
		offset:  seg.size,
		length:  length,
		size:    record.Size(),
	})
	seg.size += length
	seg.lastSeq = record.SequenceId
	q.nextSeq++
	q.signal()
	return record, nil
}

func (q *Queue) append(e indexEntry) {
	q.sizeTotal += int64(e.size)
	e.cumSize = q.sizeTotal
	q.index = append(q.index, e)
	q.pendingBytes += e.length
}

// drop removes the entry at index i, which need not be the first.
func (q *Queue) drop(i int) {
	e := q.index[i]
	for j := i + 1; j < len(q.index); j++ {
		q.index[j].cumSize -= int64(e.size)
	}
	q.sizeTotal -= int64(e.size)
	q.pendingBytes -= e.length
	q.index = append(q.index[:i], q.index[i+1:]...)
}

// activeSegment returns the segment the next frame of the given length is appended to, rotating if needed.
func (q *Queue) activeSegment(frameLength int64) (*segment, error) {
	if n := len(q.segments); n > 0 {
		seg := q.segments[n-1]
		if !seg.sealed && (seg.size == 0 || seg.size+frameLength <= q.options.SegmentSize) {
			return seg, nil
		}
	}
	seg, err := createSegment(q.options.Dir, q.nextSeq)
	if err != nil {
		return nil, err
	}
	q.segments = append(q.segments, seg)
	return seg, nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value whenever records have been added to the queue.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// PeekBatch returns, in sequence order, pending records with sequence ids greater than after. At most maxCount
// records are returned and their total Size does not exceed maxBytes, except that the first record is always
// returned however large it is. The records stay in the queue.
func (q *Queue) PeekBatch(after uint64, maxCount int, maxBytes int) ([]model.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var records []model.Record
	bytes := 0
	for i := q.search(after); i < len(q.index) && len(records) < maxCount; i++ {
		record, err := q.read(q.index[i])
		if err != nil {
			return nil, err
		}
		size := record.Size()
		if len(records) > 0 && bytes+size > maxBytes {
			break
		}
		records = append(records, record)
		bytes += size
	}
	return records, nil
}

// Restore reads every pending record back from disk.
func (q *Queue) Restore() ([]model.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	records := make([]model.Record, 0, len(q.index))
	for _, e := range q.index {
		record, err := q.read(e)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (q *Queue) read(e indexEntry) (model.Record, error) {
	entry, _, err := readFrame(e.segment.file, e.offset, e.offset+e.length)
	if err != nil {
		return model.Record{}, errors.WithMessagef(err, "error reading entry %d from %s", e.SequenceId, e.segment.path)
	}
	return entry.record(), nil
}

// search returns the index of the first pending entry with a sequence id greater than after.
func (q *Queue) search(after uint64) int {
	return sort.Search(len(q.index), func(i int) bool {
		return q.index[i].SequenceId > after
	})
}

// PendingAfter returns the number and the total Record.Size of pending records with sequence ids greater than
// after, without reading them from disk.
func (q *Queue) PendingAfter(after uint64) (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.search(after)
	if i == len(q.index) {
		return 0, 0
	}
	before := q.index[i].cumSize - int64(q.index[i].size)
	return len(q.index) - i, int(q.sizeTotal - before)
}

// OldestAfter returns the first pending entry with a sequence id greater than after.
func (q *Queue) OldestAfter(after uint64) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.search(after)
	if i == len(q.index) {
		return Entry{}, false
	}
	return q.index[i].Entry, true
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Bytes returns the number of bytes held on disk by pending records.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingBytes
}

// Id returns the queue's instance id. It is generated when the directory is first opened and never changes, so
// sequence ids from different queue directories can be told apart.
func (q *Queue) Id() string {
	return q.id
}

// Capacity returns the maximum number of records the queue holds.
func (q *Queue) Capacity() int {
	return q.options.MaxRecords
}

// Cursor returns the sequence id of the last resolved record.
func (q *Queue) Cursor() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// RemoveUpTo marks every record with a sequence id up to and including seq as resolved. The cursor is persisted
// before the records are dropped from the index, and segments holding only resolved records are deleted.
func (q *Queue) RemoveUpTo(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq <= q.cursor {
		return nil
	}
	if seq >= q.nextSeq {
		return &historianerrors.ErrInvalidArgument{
			Name:    "seq",
			Value:   strconv.FormatUint(seq, 10),
			Message: "sequence id has not been assigned yet",
		}
	}
	if err := writeCursor(q.options.Dir, seq); err != nil {
		return err
	}
	q.cursor = seq
	i := q.search(seq)
	for _, e := range q.index[:i] {
		q.pendingBytes -= e.length
	}
	q.index = append(q.index[:0:0], q.index[i:]...)
	for s := range q.quarantined {
		if s <= seq {
			delete(q.quarantined, s)
		}
	}
	return q.removeResolvedSegments()
}

// removeResolvedSegments deletes every segment except the last whose records are all at or below the cursor.
func (q *Queue) removeResolvedSegments() error {
	var result *multierror.Error
	kept := q.segments[:0]
	for i, seg := range q.segments {
		last := i == len(q.segments)-1
		if !last && seg.lastSeq <= q.cursor {
			if err := seg.remove(); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}
		kept = append(kept, seg)
	}
	q.segments = kept
	return result.ErrorOrNil()
}

// Close releases the queue directory. Pending records stay on disk.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var result *multierror.Error
	for _, seg := range q.segments {
		if err := seg.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if q.quarantine != nil {
		if err := q.quarantine.Close(); err != nil {
			result = multierror.Append(result, errors.WithStack(err))
		}
	}
	if err := q.lockFile.Close(); err != nil {
		result = multierror.Append(result, errors.WithStack(err))
	}
	return result.ErrorOrNil()
}

func readCursor(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, cursorFileName))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	cursor, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cursor file in %s", dir)
	}
	return cursor, nil
}

// readOrCreateId returns the id stored in dir, writing a new one if there is none.
func readOrCreateId(dir string) (string, error) {
	path := filepath.Join(dir, idFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", errors.Errorf("empty queue id file in %s", dir)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", errors.WithStack(err)
	}
	id := util.NewULID().String()
	if err := writeFileAtomic(dir, idFileName, id+"\n"); err != nil {
		return "", err
	}
	return id, nil
}

// writeCursor replaces the cursor file atomically.
func writeCursor(dir string, seq uint64) error {
	return writeFileAtomic(dir, cursorFileName, strconv.FormatUint(seq, 10)+"\n")
}

func writeFileAtomic(dir string, name string, contents string) error {
	tmp := filepath.Join(dir, name+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := f.WriteString(contents); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return errors.WithStack(err)
	}
	return syncDir(dir)
}
