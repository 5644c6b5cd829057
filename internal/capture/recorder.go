// Package capture implements the proxy's optional, bounded diagnostic
// trace: a Snappy-compressed JSON-lines stream of per-chunk rate-limiter
// decisions, plus a retention sweep over the capture directory.
package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/example/throttlebox/internal/logging"
)

// Direction identifies which leg of the pump a CaptureRecord describes.
type Direction string

const (
	DirectionClientToBroker Direction = "c2b"
	DirectionBrokerToClient Direction = "b2c"
)

// Decision identifies the rate-limiter disposition of a captured chunk.
// Broker-to-client records always carry DecisionNotApplicable.
type Decision string

const (
	DecisionAllow          Decision = "allow"
	DecisionDeny           Decision = "deny"
	DecisionNotApplicable  Decision = "n/a"
)

// record is one JSON line written to the capture stream.
type record struct {
	Time        time.Time `json:"time"`
	Fingerprint string    `json:"fingerprint"`
	Direction   Direction `json:"direction"`
	Bytes       int       `json:"bytes"`
	Decision    Decision  `json:"decision"`
}

const recordChannelCapacity = 4096

// Recorder owns a single Snappy-compressed JSON-lines file for the process
// lifetime and a bounded channel serviced by one background goroutine.
// Record never blocks the caller: a full channel drops the record.
type Recorder struct {
	clock func() time.Time

	mu       sync.Mutex
	disabled bool

	records chan record
	done    chan struct{}

	file    *os.File
	writer  *snappy.Writer
	encoder *json.Encoder

	logger *logging.Logger

	dropped int64
}

// NewRecorder creates (or reuses) dir and opens a new capture file named
// by the current Unix-nanosecond timestamp for the process lifetime.
func NewRecorder(dir string, clock func() time.Time, logger *logging.Logger) (*Recorder, error) {
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: create directory: %w", err)
	}

	name := strconv.FormatInt(clock().UnixNano(), 10) + ".jsonl.sz"
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: create file: %w", err)
	}

	w := snappy.NewBufferedWriter(f)
	r := &Recorder{
		clock:   clock,
		records: make(chan record, recordChannelCapacity),
		done:    make(chan struct{}),
		file:    f,
		writer:  w,
		encoder: json.NewEncoder(w),
		logger:  logger,
	}

	go r.run()
	return r, nil
}

// Record enqueues one capture record. It never blocks: if the channel is
// full, the record is dropped and counted; the running count is reported
// by Dropped.
func (r *Recorder) Record(fingerprint string, direction Direction, n int, decision Decision) {
	r.mu.Lock()
	disabled := r.disabled
	r.mu.Unlock()
	if disabled {
		return
	}

	rec := record{
		Time:        r.clock(),
		Fingerprint: fingerprint,
		Direction:   direction,
		Bytes:       n,
		Decision:    decision,
	}

	select {
	case r.records <- rec:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped returns the cumulative number of records dropped due to a full
// channel since the Recorder was created.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.records {
		if err := r.encoder.Encode(rec); err != nil {
			if r.logger != nil {
				r.logger.Warn("capture write failed, disabling recorder", logging.Error(err))
			}
			r.mu.Lock()
			r.disabled = true
			r.mu.Unlock()
			// Drain without writing so callers' sends keep succeeding
			// until Close, rather than piling up on a full channel.
			for range r.records {
			}
			return
		}
	}
}

// Close stops the background goroutine, flushes, and closes the
// underlying file.
func (r *Recorder) Close() error {
	close(r.records)
	<-r.done
	if err := r.writer.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("capture: flush: %w", err)
	}
	return r.file.Close()
}

// Cleaner enforces a capture directory's retention policy: files older
// than maxAge, or beyond the newest maxFiles, are deleted.
type Cleaner struct {
	dir      string
	maxAge   time.Duration
	maxFiles int
	logger   *logging.Logger
}

// NewCleaner builds a Cleaner for dir.
func NewCleaner(dir string, maxAge time.Duration, maxFiles int, logger *logging.Logger) *Cleaner {
	return &Cleaner{dir: dir, maxAge: maxAge, maxFiles: maxFiles, logger: logger}
}

// RunOnce performs a single sweep of the capture directory. Idempotent:
// running it twice in succession deletes nothing on the second pass.
func (c *Cleaner) RunOnce() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("capture cleaner: read directory failed", logging.Error(err))
		}
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}

	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(c.dir, entry.Name()), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	cutoff := time.Now().Add(-c.maxAge)

	for i, f := range files {
		remove := i >= c.maxFiles
		if c.maxAge > 0 && f.modTime.Before(cutoff) {
			remove = true
		}
		if remove {
			if err := os.Remove(f.path); err != nil && c.logger != nil {
				c.logger.Warn("capture cleaner: remove failed", logging.String("path", f.path), logging.Error(err))
			}
		}
	}
}

// Run invokes RunOnce immediately, then again every interval until done is
// closed.
func (c *Cleaner) Run(done <-chan struct{}, interval time.Duration) {
	c.RunOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}
