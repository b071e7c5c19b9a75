package shuffle

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pierrec/lz4"

	"github.com/go-strata/strata"
	serrors "github.com/go-strata/strata/errors"
)

// Store holds the shuffle partitions a worker has produced, one committed
// segment per (job, stage, partition). Writes go to a temporary file and
// become visible atomically on Commit; until then readers see the previous
// segment, if any. Re-executions of a task overwrite its partition, last
// commit wins.
type Store struct {
	root   string
	logger log.Logger

	mu    sync.RWMutex
	index map[strata.TaskID]entry
}

type entry struct {
	path    string
	attempt int
	stats   strata.PartitionStats
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create shuffle root %s: %w", dir, err)
	}
	return &Store{
		root:   dir,
		logger: logger,
		index:  make(map[strata.TaskID]entry),
	}, nil
}

// Root returns the directory the Store writes under.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) partitionDir(id strata.TaskID) string {
	return filepath.Join(s.root, id.Job, fmt.Sprintf("s%d", id.Stage), fmt.Sprintf("p%d", id.Partition))
}

// CreateWriter begins writing one partition's segment for the given task
// attempt. The partition is invisible to readers until Commit.
func (s *Store) CreateWriter(id strata.TaskID, attempt int) (*Writer, error) {
	dir := s.partitionDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create partition dir %s: %w", dir, err)
	}
	final := filepath.Join(dir, fmt.Sprintf("data-a%d.seg", attempt))
	file, err := os.OpenFile(final+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to create segment file: %w", err)
	}
	count := &countingWriter{w: file}
	lz := lz4.NewWriter(count)
	return &Writer{
		store: s,
		id:    id,
		tmp:   final + ".tmp",
		final: final,
		file:  file,
		count: count,
		lz:    lz,
		buf:   bufio.NewWriter(lz),
		stats: strata.PartitionStats{Partition: id.Partition},
		entry: entry{path: final, attempt: attempt},
	}, nil
}

// Writer streams batches into one partition segment.
type Writer struct {
	store *Store
	id    strata.TaskID
	tmp   string
	final string
	file  *os.File
	count *countingWriter
	lz    *lz4.Writer
	buf   *bufio.Writer
	stats strata.PartitionStats
	entry entry
	done  bool
}

// Append encodes one batch into the segment.
func (w *Writer) Append(b *strata.Batch) error {
	if w.done {
		return fmt.Errorf("segment writer for %s already closed", w.id)
	}
	if err := writeBatch(w.buf, b); err != nil {
		return err
	}
	w.stats.Batches++
	w.stats.Rows += int64(b.NumRows())
	return nil
}

// Commit seals the segment and publishes it under its partition key,
// replacing any earlier attempt's segment.
func (w *Writer) Commit() (strata.PartitionStats, error) {
	if w.done {
		return strata.PartitionStats{}, fmt.Errorf("segment writer for %s already closed", w.id)
	}
	w.done = true
	if err := w.buf.Flush(); err != nil {
		w.abandon()
		return strata.PartitionStats{}, err
	}
	if err := w.lz.Close(); err != nil {
		w.abandon()
		return strata.PartitionStats{}, err
	}
	if err := w.file.Close(); err != nil {
		w.abandon()
		return strata.PartitionStats{}, err
	}
	if err := os.Rename(w.tmp, w.final); err != nil {
		os.Remove(w.tmp)
		return strata.PartitionStats{}, fmt.Errorf("unable to publish segment: %w", err)
	}
	w.stats.Bytes = w.count.n

	w.store.mu.Lock()
	old, existed := w.store.index[w.id]
	w.entry.stats = w.stats
	w.store.index[w.id] = w.entry
	w.store.mu.Unlock()

	if existed && old.path != w.final {
		// The superseded attempt's segment is no longer reachable.
		os.Remove(old.path)
	}
	level.Debug(w.store.logger).Log(
		"msg", "committed shuffle partition",
		"task", w.id.String(),
		"rows", w.stats.Rows,
		"bytes", w.stats.Bytes,
	)
	return w.stats, nil
}

// Discard abandons the segment without publishing it. Calling Discard after
// Commit is a no-op, so it can sit in a defer.
func (w *Writer) Discard() {
	if w.done {
		return
	}
	w.done = true
	w.abandon()
}

func (w *Writer) abandon() {
	w.file.Close()
	os.Remove(w.tmp)
}

// countingWriter counts the compressed bytes reaching disk.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Open streams the committed segment of one partition. It returns a
// PartitionNotFoundError if the partition was never committed here or has
// been evicted.
func (s *Store) Open(id strata.TaskID) (*Reader, error) {
	s.mu.RLock()
	e, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &serrors.PartitionNotFoundError{Job: id.Job, Stage: id.Stage, Partition: id.Partition}
	}
	f, err := os.Open(e.path)
	if err != nil {
		return nil, &serrors.PartitionNotFoundError{Job: id.Job, Stage: id.Stage, Partition: id.Partition}
	}
	r := NewReader(f)
	r.src = f
	return r, nil
}

// OpenRaw returns the committed segment's compressed bytes and size, for
// serving the partition over the wire without re-encoding it.
func (s *Store) OpenRaw(id strata.TaskID) (io.ReadCloser, int64, error) {
	s.mu.RLock()
	e, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, &serrors.PartitionNotFoundError{Job: id.Job, Stage: id.Stage, Partition: id.Partition}
	}
	f, err := os.Open(e.path)
	if err != nil {
		return nil, 0, &serrors.PartitionNotFoundError{Job: id.Job, Stage: id.Stage, Partition: id.Partition}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Stats returns the committed stats of one partition.
func (s *Store) Stats(id strata.TaskID) (strata.PartitionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	if !ok {
		return strata.PartitionStats{}, false
	}
	return e.stats, true
}

// Jobs lists the jobs with at least one partition committed here.
func (s *Store) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var jobs []string
	for id := range s.index {
		if !seen[id.Job] {
			seen[id.Job] = true
			jobs = append(jobs, id.Job)
		}
	}
	return jobs
}

// Evict removes every partition of a job from the index and from disk,
// returning the number of partitions dropped.
func (s *Store) Evict(job string) int {
	s.mu.Lock()
	n := 0
	for id := range s.index {
		if id.Job == job {
			delete(s.index, id)
			n++
		}
	}
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, job)); err != nil {
		level.Warn(s.logger).Log("msg", "unable to remove evicted job dir", "job", job, "error", err)
	}
	if n > 0 {
		level.Debug(s.logger).Log("msg", "evicted shuffle partitions", "job", job, "partitions", n)
	}
	return n
}
