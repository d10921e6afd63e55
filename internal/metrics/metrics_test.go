package metrics

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }
func float64p(v float64) *float64 { return &v }

func collect(t *testing.T, l *RecordLog) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, l.Scan(func(r Record) bool {
		out = append(out, r)
		return true
	}))
	return out
}

func TestRecordLogAppendAndScan(t *testing.T) {
	l := NewRecordLog(filepath.Join(t.TempDir(), "processing_metrics.log"), 0)

	require.NoError(t, l.Append(Record{
		Status:               true,
		DocumentID:           1,
		Mime:                 "application/pdf",
		ParsedSizeBytes:      int64p(2048),
		ProcessingElapsedSec: float64p(3.5),
	}))
	require.NoError(t, l.Append(Record{DocumentID: 2, Error: "boom"}))

	recs := collect(t, l)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Status)
	assert.Equal(t, int64(2048), recs[0].SizeBytes())
	assert.Equal(t, 3.5, recs[0].ElapsedSec())
	assert.False(t, recs[0].Timestamp.IsZero())
	assert.False(t, recs[1].Status)
	assert.Equal(t, "boom", recs[1].Error)
	assert.Zero(t, recs[1].SizeBytes())
}

func TestRecordLogMissingFileIsEmpty(t *testing.T) {
	l := NewRecordLog(filepath.Join(t.TempDir(), "absent.log"), 0)
	assert.Empty(t, collect(t, l))
}

func TestRecordLogSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.log")
	content := "not json\n\n{\"status\":true,\"document_id\":7,\"original_size_bytes\":10}\n{\"status\":"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	recs := collect(t, NewRecordLog(path, 0))
	require.Len(t, recs, 1)
	assert.Equal(t, int64(7), recs[0].DocumentID)
	assert.Equal(t, int64(10), recs[0].SizeBytes())
}

func TestRecordLogRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.log")
	l := NewRecordLog(path, 1)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, l.Append(Record{DocumentID: i, Timestamp: ts}))
	}

	// every append past the threshold rotates, so only the last two survive
	recs := collect(t, l)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].DocumentID)
	assert.Equal(t, int64(3), recs[1].DocumentID)

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err)
}

func TestRecordLogRotationWaitsForOtherRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.log")
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := NewRecordLog(path, 0)
	require.NoError(t, first.Append(Record{DocumentID: 1, Timestamp: ts}))

	// Stands in for a worker in another process mid-rotation.
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o664)
	require.NoError(t, err)
	defer lock.Close()
	require.NoError(t, unix.Flock(int(lock.Fd()), unix.LOCK_EX))

	second := NewRecordLog(path, 1)
	done := make(chan struct{})
	go func() {
		second.rotateIfNeeded()
		close(done)
	}()

	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, nil, 0o664))
	require.NoError(t, unix.Flock(int(lock.Fd()), unix.LOCK_UN))
	<-done

	recs := collect(t, first)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].DocumentID)
	_, err = os.Stat(path)
	assert.NoError(t, err, "fresh generation must not be rotated over .1")
}

func TestRecordLogConcurrentAppend(t *testing.T) {
	l := NewRecordLog(filepath.Join(t.TempDir(), "m.log"), 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, l.Append(Record{DocumentID: id, Status: true}))
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Len(t, collect(t, l), 20)
}

func TestScanStopsEarly(t *testing.T) {
	l := NewRecordLog(filepath.Join(t.TempDir(), "m.log"), 0)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, l.Append(Record{DocumentID: i}))
	}
	seen := 0
	require.NoError(t, l.Scan(func(Record) bool {
		seen++
		return seen < 2
	}))
	assert.Equal(t, 2, seen)
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(StatusPolls)
	StatusPolls.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(StatusPolls))
}
