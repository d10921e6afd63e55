package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCreatesLayout(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "rag"))
	require.NoError(t, p.Ensure())

	for _, dir := range []string{p.Parsed, p.Queue, p.Completed, p.Failed, p.Logs, p.Status, p.Uploads} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(p.Logs, "processing_metrics.log"), p.MetricsLog())
}

func TestJobLogName(t *testing.T) {
	p := New("/srv/rag")
	at := time.Date(2024, 3, 5, 7, 8, 9, 1500, time.UTC)
	assert.Equal(t, "/srv/rag/logs/index_42_20240305_070809_000001500.log", p.JobLog(42, at))

	rerun := at.Add(time.Millisecond)
	assert.NotEqual(t, p.JobLog(42, at), p.JobLog(42, rerun))
}

func TestInParsed(t *testing.T) {
	p := New("/srv/rag")
	assert.True(t, p.InParsed("/srv/rag/parsed/rag_1.txt"))
	assert.False(t, p.InParsed("/srv/rag/parsed"))
	assert.False(t, p.InParsed("/srv/rag/queue/job.json"))
	assert.False(t, p.InParsed("/srv/rag/parsed/../uploads/x"))
	assert.False(t, p.InParsed("/etc/passwd"))
}
