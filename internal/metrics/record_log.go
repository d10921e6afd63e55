package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Record is one line of the processing metrics log, written once per
// finished index job. Optional fields stay null when the job never got far
// enough to produce them.
type Record struct {
	Timestamp            time.Time `json:"timestamp"`
	Status               bool      `json:"status"`
	DocumentID           int64     `json:"document_id"`
	ChatID               string    `json:"chat_id,omitempty"`
	User                 string    `json:"user,omitempty"`
	Filename             string    `json:"filename,omitempty"`
	Mime                 string    `json:"mime,omitempty"`
	OriginalSizeBytes    *int64    `json:"original_size_bytes"`
	ParsedSizeBytes      *int64    `json:"parsed_size_bytes"`
	QueueWaitSec         *int64    `json:"queue_wait_sec"`
	ProcessingElapsedSec *float64  `json:"processing_elapsed_sec"`
	ChunkCount           *int      `json:"chunk_count"`
	Error                string    `json:"error,omitempty"`
}

// SizeBytes is the size the estimator keys on: parsed text when known,
// otherwise the original upload.
func (r Record) SizeBytes() int64 {
	if r.ParsedSizeBytes != nil && *r.ParsedSizeBytes > 0 {
		return *r.ParsedSizeBytes
	}
	if r.OriginalSizeBytes != nil {
		return *r.OriginalSizeBytes
	}
	return 0
}

func (r Record) ElapsedSec() float64 {
	if r.ProcessingElapsedSec == nil {
		return 0
	}
	return *r.ProcessingElapsedSec
}

// RecordLog is the append-only metrics file. Each Append is a single
// O_APPEND write, so concurrent workers never interleave lines. Once the
// file reaches rotateBytes it is moved to <path>.1, which bounds what a
// reader has to scan to two generations. Rotation holds an flock on
// <path>.lock so workers in other processes cannot rotate the same
// generation twice.
type RecordLog struct {
	path        string
	rotateBytes int64
	mu          sync.Mutex
}

func NewRecordLog(path string, rotateBytes int64) *RecordLog {
	return &RecordLog{path: path, rotateBytes: rotateBytes}
}

func (l *RecordLog) Path() string { return l.path }

func (l *RecordLog) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode metric record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rotateIfNeeded()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return fmt.Errorf("failed to open metrics log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append metric record: %w", err)
	}
	return nil
}

func (l *RecordLog) rotateIfNeeded() {
	if l.rotateBytes <= 0 || !l.oversized() {
		return
	}

	lock, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o664)
	if err != nil {
		return
	}
	defer lock.Close()
	fd := int(lock.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	// Another process may have rotated while we waited.
	if l.oversized() {
		_ = os.Rename(l.path, l.path+".1")
	}
}

func (l *RecordLog) oversized() bool {
	info, err := os.Stat(l.path)
	return err == nil && info.Size() >= l.rotateBytes
}

// Scan calls fn for every decodable record, oldest generation first, until fn
// returns false. Missing files are treated as empty and undecodable lines are
// skipped.
func (l *RecordLog) Scan(fn func(Record) bool) error {
	for _, path := range []string{l.path + ".1", l.path} {
		more, err := scanFile(path, fn)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func scanFile(path string, fn func(Record) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("failed to open metrics log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if !fn(rec) {
			return false, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read metrics log: %w", err)
	}
	return true, nil
}
