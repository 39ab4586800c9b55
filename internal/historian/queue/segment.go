package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const segmentSuffix = ".seg"

type segment struct {
	firstSeq uint64
	lastSeq  uint64
	path     string
	file     *os.File
	size     int64
	// Set when a scan stopped before the end of the file. Nothing is appended to a sealed segment.
	sealed bool
}

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%020d%s", firstSeq, segmentSuffix)
}

func createSegment(dir string, firstSeq uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(firstSeq))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := syncDir(dir); err != nil {
		_ = file.Close()
		return nil, err
	}
	return &segment{firstSeq: firstSeq, path: path, file: file}, nil
}

// listSegments returns the segment paths in dir ordered by first sequence id.
func listSegments(dir string) ([]string, []uint64, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	var paths []string
	var firstSeqs []uint64
	for _, e := range dirEntries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		firstSeq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			log.Warnf("Ignoring unexpected file %s in queue directory", name)
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
		firstSeqs = append(firstSeqs, firstSeq)
	}
	sort.Sort(bySeq{paths, firstSeqs})
	return paths, firstSeqs, nil
}

type bySeq struct {
	paths []string
	seqs  []uint64
}

func (s bySeq) Len() int           { return len(s.paths) }
func (s bySeq) Less(i, j int) bool { return s.seqs[i] < s.seqs[j] }
func (s bySeq) Swap(i, j int) {
	s.paths[i], s.paths[j] = s.paths[j], s.paths[i]
	s.seqs[i], s.seqs[j] = s.seqs[j], s.seqs[i]
}

// scanSegment opens the segment at path and calls fn for every intact entry. A torn or corrupt frame at the end
// of the last segment is truncated away; anywhere else it ends the scan of that segment.
func scanSegment(path string, firstSeq uint64, last bool, fn func(entry diskEntry, offset int64, length int64)) (*segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.WithStack(err)
	}
	seg := &segment{firstSeq: firstSeq, path: path, file: file, size: info.Size()}

	var offset int64
	for offset < seg.size {
		entry, length, err := readFrame(file, offset, seg.size)
		if err != nil {
			if !errors.Is(err, errTornFrame) && !errors.Is(err, errCorruptFrame) {
				_ = file.Close()
				return nil, err
			}
			if last && (errors.Is(err, errTornFrame) || offset+length == seg.size) {
				log.Warnf("Truncating %s at offset %d: %s", path, offset, err)
				if err := file.Truncate(offset); err != nil {
					_ = file.Close()
					return nil, errors.WithStack(err)
				}
				if err := file.Sync(); err != nil {
					_ = file.Close()
					return nil, errors.WithStack(err)
				}
				seg.size = offset
			} else {
				log.Warnf("Stopping scan of %s at offset %d: %s", path, offset, err)
				seg.sealed = true
			}
			break
		}
		if entry.SequenceId > seg.lastSeq {
			seg.lastSeq = entry.SequenceId
		}
		fn(entry, offset, length)
		offset += length
	}
	return seg, nil
}

func (s *segment) close() error {
	return errors.WithStack(s.file.Close())
}

func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	return errors.WithStack(os.Remove(s.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()
	return errors.WithStack(d.Sync())
}
