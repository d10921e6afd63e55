package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docchat/backend/internal/queue"
	"github.com/docchat/backend/internal/status"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/workspace"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/utils"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90wS\xde")

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	docs   map[int64]*models.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[int64]*models.Document{}}
}

func (f *fakeStore) CreateDocument(_ context.Context, doc *models.Document) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	doc.ID = f.nextID
	cp := *doc
	f.docs[doc.ID] = &cp
	return doc.ID, nil
}

func (f *fakeStore) UpdateDocumentHashes(_ context.Context, id int64, fileSHA, contentSHA string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fileSHA != "" {
		f.docs[id].FileSHA256 = fileSHA
	}
	if contentSHA != "" {
		f.docs[id].ContentSHA256 = contentSHA
	}
	return nil
}

func (f *fakeStore) get(id int64) models.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.docs[id]
}

type harness struct {
	paths  workspace.Paths
	store  *fakeStore
	queue  *queue.Queue
	status *status.FileStore
	proc   *Processor
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parser.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newHarness(t *testing.T, parserBody string, maxInline int64) *harness {
	t.Helper()
	paths := workspace.New(t.TempDir())
	require.NoError(t, paths.Ensure())

	h := &harness{
		paths:  paths,
		store:  newFakeStore(),
		queue:  queue.New(paths),
		status: status.NewFileStore(paths.Status),
	}
	parser := NewParser(writeScript(t, parserBody), nil, 10*time.Second, paths.Parsed, 800)
	h.proc = NewProcessor(h.store, h.queue, h.status, parser, config.IngestionConfig{
		MaxInlineBytes: maxInline,
		EmbeddingModel: "test-embed",
	})
	return h
}

func (h *harness) upload(t *testing.T, name string, data []byte) Upload {
	t.Helper()
	path := filepath.Join(h.paths.Uploads, "up_"+name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return Upload{Path: path, Filename: name, Size: int64(len(data)), ChatID: "chat-1", User: "alice"}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestIngestTextQueuesJob(t *testing.T) {
	h := newHarness(t, `cat "$1"`, 1<<20)
	ctx := context.Background()
	text := []byte(strings.Repeat("hello pipeline\n", 700))
	up := h.upload(t, "notes.txt", text)

	out, err := h.proc.Ingest(ctx, up)
	require.NoError(t, err)
	h.proc.Wait()

	assert.Equal(t, models.SourceUpload, out.Source)
	assert.Equal(t, "text/plain", out.Mime)
	assert.True(t, out.Queued)
	assert.False(t, out.Truncated)
	assert.Equal(t, int64(len(text)), out.ParsedBytes)

	doc := h.store.get(out.DocumentID)
	assert.Equal(t, string(text), doc.Content)
	assert.Equal(t, utils.EstimateTokens(string(text)), doc.TokenLength)
	assert.True(t, doc.FullTextAvailable)
	assert.Equal(t, utils.HashString(string(text)), doc.FileSHA256)
	assert.Equal(t, utils.HashString(string(text)), doc.ContentSHA256)

	_, err = os.Stat(up.Path)
	assert.True(t, os.IsNotExist(err), "upload removed after hashing")

	pending, err := h.queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	c, err := h.queue.Claim(pending[0])
	require.NoError(t, err)
	job, err := h.queue.Decode(c)
	require.NoError(t, err)
	assert.Equal(t, out.DocumentID, job.DocumentID)
	assert.Equal(t, "alice", job.User)
	assert.Equal(t, "test-embed", job.EmbeddingModel)
	assert.True(t, job.CleanupTmp)
	assert.True(t, h.paths.InParsed(job.FilePath))
	assert.FileExists(t, job.FilePath)

	st, err := h.status.Get(ctx, out.DocumentID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, status.StageIndexing, st.Stage)
	assert.Equal(t, status.StatusQueued, st.Status)
	assert.Equal(t, 60, *st.Progress)
}

func TestIngestImageSkipsIndexing(t *testing.T) {
	h := newHarness(t, `echo should-not-run; exit 9`, 1<<20)
	up := h.upload(t, "pixel.png", pngBytes)

	out, err := h.proc.Ingest(context.Background(), up)
	require.NoError(t, err)

	assert.Equal(t, models.SourceImage, out.Source)
	assert.Equal(t, "image/png", out.Mime)
	assert.False(t, out.Queued)

	doc := h.store.get(out.DocumentID)
	assert.True(t, strings.HasPrefix(doc.Content, "data:image/png;base64,"))
	assert.Equal(t, models.SourceImage, doc.Source)

	assert.Empty(t, dirEntries(t, h.paths.Queue))
	assert.Empty(t, dirEntries(t, h.paths.Parsed))
	assert.Empty(t, dirEntries(t, h.paths.Status))
	_, err = os.Stat(up.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestIngestParserFailureLeavesNothing(t *testing.T) {
	for name, body := range map[string]string{
		"nonzero exit": `echo partial; echo broken >&2; exit 3`,
		"empty output": `true`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, body, 1<<20)
			up := h.upload(t, "doc.txt", []byte("some text"))

			out, err := h.proc.Ingest(context.Background(), up)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, ErrParseFailed)
			assert.True(t, IsSkipped(err))

			assert.Empty(t, h.store.docs)
			assert.Empty(t, dirEntries(t, h.paths.Queue))
			assert.Empty(t, dirEntries(t, h.paths.Parsed))
			_, statErr := os.Stat(up.Path)
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestIngestTruncatesLargeText(t *testing.T) {
	h := newHarness(t, `cat "$1"`, 64)
	text := strings.Repeat("é", 100)
	up := h.upload(t, "big.txt", []byte(text))

	out, err := h.proc.Ingest(context.Background(), up)
	require.NoError(t, err)
	h.proc.Wait()
	assert.True(t, out.Truncated)
	assert.Zero(t, out.TokenLength)

	doc := h.store.get(out.DocumentID)
	assert.False(t, doc.FullTextAvailable)
	assert.True(t, strings.HasSuffix(doc.Content, TruncationMarker))
	prefix := strings.TrimSuffix(doc.Content, TruncationMarker)
	assert.Equal(t, strings.Repeat("é", 32), prefix)
}

func TestParserTimeout(t *testing.T) {
	dir := t.TempDir()
	p := NewParser(writeScript(t, `exec sleep 5`), nil, 100*time.Millisecond, dir, 800)
	input := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))

	_, err := p.Parse(context.Background(), input, "in.txt")
	assert.ErrorIs(t, err, ErrParseFailed)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, []string{"in.txt"}, dirEntries(t, dir))
}

func TestParserPreviewAndArgs(t *testing.T) {
	dir := t.TempDir()
	p := NewParser(writeScript(t, `echo "$1|$2|$3"; head -c 2000 /dev/zero | tr '\0' 'a'`), []string{"--mode=text"}, 5*time.Second, dir, 16)

	res, err := p.Parse(context.Background(), "/in/file", "Report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "--mode=text|/in/", res.Preview)
	assert.Equal(t, int64(len("--mode=text|/in/file|Report.pdf\n")+2000), res.Size)
	assert.Len(t, res.ContentSHA256, 64)
}

func TestParserFailureKeepsOutput(t *testing.T) {
	dir := t.TempDir()
	p := NewParser(writeScript(t, `echo "Page 1 heading"; head -c 6000 /dev/zero | tr '\0' 'w' >&2; echo "fatal: encrypted PDF" >&2; exit 2`), nil, 5*time.Second, dir, 800)
	input := filepath.Join(dir, "in.pdf")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))

	_, err := p.Parse(context.Background(), input, "in.pdf")
	require.ErrorIs(t, err, ErrParseFailed)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Page 1 heading\n", perr.Preview)
	assert.True(t, strings.HasSuffix(perr.Stderr, "fatal: encrypted PDF"), perr.Stderr)
	assert.LessOrEqual(t, len(perr.Stderr), 4096)
	assert.Equal(t, []string{"in.pdf"}, dirEntries(t, dir))
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 5}
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "cdefg", b.String())
	_, _ = b.Write([]byte("0123456789"))
	assert.Equal(t, "56789", b.String())
}
