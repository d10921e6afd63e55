// Package status holds the advisory per-document progress shown while a
// document is parsed and indexed. Nothing here is authoritative: readiness
// always comes from the database, and a lost status record only costs the
// client a progress message.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/pkg/logger"
)

const (
	StageUploading = "uploading"
	StageParsing   = "parsing"
	StageIndexing  = "indexing"
	StageReady     = "ready"

	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusFailed  = "failed"
)

type Status struct {
	DocumentID int64     `json:"document_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Progress   *int      `json:"progress,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func Progress(p int) *int {
	switch {
	case p < 0:
		p = 0
	case p > 100:
		p = 100
	}
	return &p
}

// Store keeps at most one Status per document. Get returns nil when there is
// none.
type Store interface {
	Get(ctx context.Context, documentID int64) (*Status, error)
	Set(ctx context.Context, documentID int64, st Status) error
	Clear(ctx context.Context, documentID int64) error
}

// Resetter is implemented by stores that can drop every record at once.
type Resetter interface {
	ClearAll(ctx context.Context) (int, error)
}

// FileStore keeps one JSON file per document under dir.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(documentID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("doc_%d.json", documentID))
}

func (s *FileStore) Get(_ context.Context, documentID int64) (*Status, error) {
	data, err := os.ReadFile(s.path(documentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("Ignoring unreadable status file", zap.Int64("document_id", documentID), zap.Error(err))
		return nil, nil
	}
	return &st, nil
}

func (s *FileStore) Set(_ context.Context, documentID int64, st Status) error {
	st.DocumentID = documentID
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o775); err != nil {
		return fmt.Errorf("failed to create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".status-*")
	if err != nil {
		return fmt.Errorf("failed to create status file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(documentID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish status: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context, documentID int64) error {
	if err := os.Remove(s.path(documentID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to clear status: %w", err)
	}
	return nil
}

// ClearAll removes every status file, including leftovers of interrupted
// writes.
func (s *FileStore) ClearAll(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list statuses: %w", err)
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasPrefix(name, "doc_") || strings.HasPrefix(name, ".status-")) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to clear status: %w", err)
		}
		if strings.HasPrefix(name, "doc_") {
			removed++
		}
	}
	return removed, nil
}

// KV is the subset of the Redis client the status store needs.
type KV interface {
	SetStatus(ctx context.Context, documentID int64, value any, ttl time.Duration) error
	GetStatus(ctx context.Context, documentID int64, value any) (bool, error)
	ClearStatus(ctx context.Context, documentID int64) error
	ClearAllStatuses(ctx context.Context) (int, error)
}

// RedisStore keeps statuses in Redis with a TTL, so records orphaned by a
// crashed worker expire on their own.
type RedisStore struct {
	kv  KV
	ttl time.Duration
}

func NewRedisStore(kv KV, ttl time.Duration) *RedisStore {
	return &RedisStore{kv: kv, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, documentID int64) (*Status, error) {
	var st Status
	found, err := s.kv.GetStatus(ctx, documentID, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &st, nil
}

func (s *RedisStore) Set(ctx context.Context, documentID int64, st Status) error {
	st.DocumentID = documentID
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	return s.kv.SetStatus(ctx, documentID, st, s.ttl)
}

func (s *RedisStore) Clear(ctx context.Context, documentID int64) error {
	return s.kv.ClearStatus(ctx, documentID)
}

func (s *RedisStore) ClearAll(ctx context.Context) (int, error) {
	return s.kv.ClearAllStatuses(ctx)
}
