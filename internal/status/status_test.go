package status

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/storage/models"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewFileStore(dir)

	got, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Set(ctx, 7, Status{Stage: StageIndexing, Status: StatusQueued, Progress: Progress(60)}))
	assert.FileExists(t, filepath.Join(dir, "doc_7.json"))

	got, err = s.Get(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.DocumentID)
	assert.Equal(t, StageIndexing, got.Stage)
	assert.Equal(t, 60, *got.Progress)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.Clear(ctx, 7))
	require.NoError(t, s.Clear(ctx, 7))
	got, err = s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStoreIgnoresGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc_3.json"), []byte("{oops"), 0o644))
	got, err := NewFileStore(dir).Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStoreClearAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewFileStore(dir)
	require.NoError(t, s.Set(ctx, 1, Status{Stage: StageIndexing}))
	require.NoError(t, s.Set(ctx, 2, Status{Stage: StageIndexing}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".status-123"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	var r Resetter = s
	n, err := r.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())

	n, err = NewFileStore(filepath.Join(dir, "missing")).ClearAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProgressClamps(t *testing.T) {
	assert.Equal(t, 0, *Progress(-5))
	assert.Equal(t, 100, *Progress(250))
	assert.Equal(t, 42, *Progress(42))
}

type memKV struct {
	data map[int64][]byte
	ttl  time.Duration
}

func (m *memKV) SetStatus(_ context.Context, id int64, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[id] = b
	m.ttl = ttl
	return nil
}

func (m *memKV) GetStatus(_ context.Context, id int64, v any) (bool, error) {
	b, ok := m.data[id]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (m *memKV) ClearStatus(_ context.Context, id int64) error {
	delete(m.data, id)
	return nil
}

func (m *memKV) ClearAllStatuses(_ context.Context) (int, error) {
	n := len(m.data)
	m.data = map[int64][]byte{}
	return n, nil
}

func TestRedisStoreClearAll(t *testing.T) {
	ctx := context.Background()
	kv := &memKV{data: map[int64][]byte{}}
	s := NewRedisStore(kv, time.Hour)
	require.NoError(t, s.Set(ctx, 1, Status{Stage: StageIndexing}))
	require.NoError(t, s.Set(ctx, 2, Status{Stage: StageIndexing}))

	var r Resetter = s
	n, err := r.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, kv.data)
}

func TestRedisStoreUsesTTL(t *testing.T) {
	ctx := context.Background()
	kv := &memKV{data: map[int64][]byte{}}
	s := NewRedisStore(kv, time.Hour)

	require.NoError(t, s.Set(ctx, 5, Status{Stage: StageIndexing, Status: StatusFailed, Message: "boom"}))
	assert.Equal(t, time.Hour, kv.ttl)

	got, err := s.Get(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, int64(5), got.DocumentID)

	require.NoError(t, s.Clear(ctx, 5))
	got, err = s.Get(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, got)
}

type fakeReadiness struct {
	rows  map[int64]models.Readiness
	err   error
	calls int
}

func (f *fakeReadiness) DocumentReadiness(_ context.Context, _ string, ids []int64) (map[int64]models.Readiness, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[int64]models.Readiness{}
	for _, id := range ids {
		if r, ok := f.rows[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func TestNormalizeIDs(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 2}, NormalizeIDs([]int64{3, 0, 1, -4, 3, 2, 1}))
	assert.Empty(t, NormalizeIDs(nil))
}

func TestCheckEmptyIsAllReady(t *testing.T) {
	db := &fakeReadiness{}
	svc := NewService(db, NewFileStore(t.TempDir()))

	report, err := svc.Check(context.Background(), "alice", []int64{0, -1})
	require.NoError(t, err)
	assert.True(t, report.AllReady)
	assert.NotNil(t, report.Documents)
	assert.Empty(t, report.Documents)
	assert.Zero(t, db.calls)
}

func TestCheckReportsAndSelfHeals(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	db := &fakeReadiness{rows: map[int64]models.Readiness{
		1: {DocumentID: 1, Source: models.SourceUpload, Ready: true},
		2: {DocumentID: 2, Source: models.SourceUpload, Ready: false},
	}}
	svc := NewService(db, store)

	require.NoError(t, store.Set(ctx, 1, Status{Stage: StageIndexing, Status: StatusRunning}))
	require.NoError(t, store.Set(ctx, 2, Status{Stage: StageIndexing, Status: StatusFailed, Message: "indexer crashed"}))
	require.NoError(t, store.Set(ctx, 3, Status{Stage: StageIndexing, Status: StatusQueued}))

	report, err := svc.Check(ctx, "alice", []int64{1, 2, 3, 2})
	require.NoError(t, err)
	assert.False(t, report.AllReady)
	require.Len(t, report.Documents, 3)

	assert.True(t, report.Documents[0].Ready)
	assert.Nil(t, report.Documents[0].Processing)

	assert.False(t, report.Documents[1].Ready)
	require.NotNil(t, report.Documents[1].Processing)
	assert.Equal(t, StatusFailed, report.Documents[1].Processing.Status)

	// invisible to the caller: no status leaks out
	assert.False(t, report.Documents[2].Ready)
	assert.Nil(t, report.Documents[2].Processing)

	healed, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, healed)
}

func TestCheckAllReady(t *testing.T) {
	db := &fakeReadiness{rows: map[int64]models.Readiness{
		1: {DocumentID: 1, Source: models.SourceImage, Ready: true},
	}}
	report, err := NewService(db, NewFileStore(t.TempDir())).Check(context.Background(), "alice", []int64{1})
	require.NoError(t, err)
	assert.True(t, report.AllReady)
}

func TestCheckPropagatesDatabaseError(t *testing.T) {
	db := &fakeReadiness{err: errors.New("locked")}
	_, err := NewService(db, NewFileStore(t.TempDir())).Check(context.Background(), "alice", []int64{1})
	assert.Error(t, err)
}
