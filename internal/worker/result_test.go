package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scan(t *testing.T, out string) (*Result, error) {
	t.Helper()
	r := strings.NewReader(out)
	return ScanResult(r, int64(len(out)))
}

func TestScanResultTakesLastJSONLine(t *testing.T) {
	res, err := scan(t, `{"ok":false,"error":"first"}
progress 50%
{"ok":true,"chunk_count":7,"elapsed_sec":2.5}
done


`)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 7, res.ChunkCount)
	require.NotNil(t, res.ElapsedSec)
	assert.Equal(t, 2.5, *res.ElapsedSec)
}

func TestScanResultWithoutTrailingNewline(t *testing.T) {
	res, err := scan(t, "noise\n  {\"ok\":true,\"chunk_count\":1}  ")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)
}

func TestScanResultSkipsBrokenJSON(t *testing.T) {
	res, err := scan(t, "{\"ok\":true,\"chunk_count\":2}\n{\"ok\": tru}\n")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunkCount)
}

func TestScanResultAcrossBlocks(t *testing.T) {
	result := `{"ok":true,"chunk_count":9,"error":"` + strings.Repeat("w", 3*scanBlockSize) + `"}`
	out := strings.Repeat("log line\n", 5000) + result + "\n" + strings.Repeat("z", scanBlockSize+10) + "\n"

	res, err := scan(t, out)
	require.NoError(t, err)
	assert.Equal(t, 9, res.ChunkCount)
	assert.Len(t, res.Error, 3*scanBlockSize)
}

func TestScanResultNoResult(t *testing.T) {
	_, err := scan(t, "Traceback\n  boom\n")
	assert.ErrorIs(t, err, ErrNoResult)

	_, err = scan(t, "")
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestTail(t *testing.T) {
	out := "aaaa\nbbbb\n  cccc  \n"
	assert.Equal(t, "cccc", Tail(strings.NewReader(out), int64(len(out)), 8))
	assert.Equal(t, strings.TrimSpace(out), Tail(strings.NewReader(out), int64(len(out)), 1000))
	assert.Empty(t, Tail(strings.NewReader(""), 0, 10))
}

func TestExecutionFailureMessage(t *testing.T) {
	assert.Equal(t, "bad", (&Execution{Result: &Result{Error: "bad"}, Tail: "tail"}).FailureMessage())
	assert.Equal(t, "tail", (&Execution{Tail: "tail"}).FailureMessage())
	assert.Equal(t, "indexer exited with code 2", (&Execution{ExitCode: 2}).FailureMessage())
	assert.False(t, (&Execution{ExitCode: 1, Result: &Result{OK: true}}).Succeeded())
	assert.True(t, (&Execution{Result: &Result{OK: true}}).Succeeded())
}
