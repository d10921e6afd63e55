package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/workspace"
	"github.com/docchat/backend/pkg/logger"
)

const (
	jobSuffix   = ".json"
	claimSuffix = ".processing"
)

var (
	ErrAlreadyClaimed = errors.New("job already claimed")
	ErrMalformedJob   = errors.New("malformed job")
)

// Job is the self-describing unit of indexing work. It is immutable once
// written; its state is the directory it sits in.
type Job struct {
	DocumentID        int64  `json:"document_id"`
	ChatID            string `json:"chat_id"`
	User              string `json:"user"`
	EmbeddingModel    string `json:"embedding_model"`
	FilePath          string `json:"file_path"`
	Filename          string `json:"filename"`
	Mime              string `json:"mime"`
	OriginalSizeBytes int64  `json:"original_size_bytes"`
	ParsedSizeBytes   int64  `json:"parsed_size_bytes"`
	QueueTimestamp    int64  `json:"queue_timestamp"`
	CleanupTmp        bool   `json:"cleanup_tmp"`
}

// Claim is a job renamed to a worker-owned name inside the queue directory.
type Claim struct {
	Name string
	Path string
}

type Queue struct {
	paths workspace.Paths
	now   func() time.Time
}

func New(paths workspace.Paths) *Queue {
	return &Queue{paths: paths, now: time.Now}
}

// Enqueue materializes job as a new file in the queue. The file is written
// under a hidden temporary name and renamed into place, so workers never see a
// partial job. Names sort by enqueue time.
func (q *Queue) Enqueue(job Job) (string, error) {
	if job.DocumentID <= 0 {
		return "", fmt.Errorf("%w: document_id must be positive", ErrMalformedJob)
	}
	now := q.now()
	if job.QueueTimestamp == 0 {
		job.QueueTimestamp = now.Unix()
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	tmp, err := os.CreateTemp(q.paths.Queue, ".enqueue-*")
	if err != nil {
		return "", fmt.Errorf("failed to create job file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close job file: %w", err)
	}

	name := fmt.Sprintf("job_%020d_%s%s", now.UnixNano(), strings.ReplaceAll(uuid.NewString(), "-", "")[:12], jobSuffix)
	target := filepath.Join(q.paths.Queue, name)
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to publish job file: %w", err)
	}

	logger.Debug("Job enqueued", zap.Int64("document_id", job.DocumentID), zap.String("job", name))
	return target, nil
}

// Pending lists unclaimed jobs in arrival order.
func (q *Queue) Pending() ([]string, error) {
	entries, err := os.ReadDir(q.paths.Queue)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, jobSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(q.paths.Queue, name)
	}
	return paths, nil
}

func (q *Queue) Depth() (int, error) {
	pending, err := q.Pending()
	return len(pending), err
}

// Claim takes exclusive ownership of a pending job by renaming it. Exactly one
// caller wins; the others get ErrAlreadyClaimed.
func (q *Queue) Claim(path string) (*Claim, error) {
	claimed := path + claimSuffix
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job %s: %w", filepath.Base(path), err)
	}

	// The mtime records the claim so abandoned claims can be found later.
	now := q.now()
	if err := os.Chtimes(claimed, now, now); err != nil {
		logger.Warn("Failed to stamp job claim", zap.String("job", filepath.Base(path)), zap.Error(err))
	}

	return &Claim{Name: filepath.Base(path), Path: claimed}, nil
}

// Decode reads and validates a claimed job.
func (q *Queue) Decode(c *Claim) (*Job, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", c.Name, err)
	}
	return DecodeJob(data)
}

func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.DocumentID <= 0 {
		return nil, fmt.Errorf("%w: document_id must be positive", ErrMalformedJob)
	}
	return &job, nil
}

// Complete archives a claimed job in completed/.
func (q *Queue) Complete(c *Claim) (string, error) {
	return q.archive(c, q.paths.Completed)
}

// Fail archives a claimed job in failed/.
func (q *Queue) Fail(c *Claim) (string, error) {
	return q.archive(c, q.paths.Failed)
}

func (q *Queue) archive(c *Claim, dir string) (string, error) {
	target := filepath.Join(dir, c.Name)
	if err := os.Rename(c.Path, target); err != nil {
		return "", fmt.Errorf("failed to move job %s to %s: %w", c.Name, filepath.Base(dir), err)
	}
	return target, nil
}

// Release hands a claimed job back to the queue untouched, for a worker that
// was interrupted before it could reach a verdict.
func (q *Queue) Release(c *Claim) error {
	if err := os.Rename(c.Path, filepath.Join(q.paths.Queue, c.Name)); err != nil {
		return fmt.Errorf("failed to release job %s: %w", c.Name, err)
	}
	return nil
}

// RecoverStale returns claims older than olderThan to the queue. A worker that
// died mid-job leaves its claim behind; re-running the job is safe because
// the indexer upserts by document.
func (q *Queue) RecoverStale(olderThan time.Duration) ([]string, error) {
	entries, err := os.ReadDir(q.paths.Queue)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}

	cutoff := q.now().Add(-olderThan)
	var recovered []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jobSuffix+claimSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		claimed := filepath.Join(q.paths.Queue, e.Name())
		pending := strings.TrimSuffix(claimed, claimSuffix)
		if err := os.Rename(claimed, pending); err != nil {
			logger.Warn("Failed to requeue stale claim", zap.String("job", e.Name()), zap.Error(err))
			continue
		}
		recovered = append(recovered, filepath.Base(pending))
	}
	return recovered, nil
}

// RemoveForDocuments deletes pending jobs (and their parsed text) that belong
// to the given documents. Jobs a worker already claimed are left alone.
func (q *Queue) RemoveForDocuments(documentIDs []int64) ([]string, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	wanted := make(map[int64]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		wanted[id] = struct{}{}
	}

	pending, err := q.Pending()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, path := range pending {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		job, err := DecodeJob(data)
		if err != nil {
			continue
		}
		if _, ok := wanted[job.DocumentID]; !ok {
			continue
		}

		c, err := q.Claim(path)
		if err != nil {
			continue
		}
		if job.FilePath != "" && q.paths.InParsed(job.FilePath) {
			if err := os.Remove(job.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Failed to remove parsed text", zap.String("path", job.FilePath), zap.Error(err))
			}
		}
		if err := os.Remove(c.Path); err != nil {
			return removed, fmt.Errorf("failed to remove job %s: %w", c.Name, err)
		}
		removed = append(removed, c.Name)
	}
	return removed, nil
}
