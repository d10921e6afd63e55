package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrParseFailed = errors.New("parse failed")

// ParseError carries what the parser printed before it failed. It matches
// ErrParseFailed.
type ParseError struct {
	Reason  string
	Preview string
	Stderr  string
}

func (e *ParseError) Error() string { return ErrParseFailed.Error() + ": " + e.Reason }
func (e *ParseError) Unwrap() error { return ErrParseFailed }

// ParseResult describes the extracted text written under parsed/.
type ParseResult struct {
	Path          string
	Size          int64
	Preview       string
	ContentSHA256 string
	Elapsed       time.Duration
}

// Parser runs the external text extractor. Its stdout goes straight to a file
// so large documents never sit in memory.
type Parser struct {
	path         string
	args         []string
	timeout      time.Duration
	parsedDir    string
	previewBytes int
}

func NewParser(path string, args []string, timeout time.Duration, parsedDir string, previewBytes int) *Parser {
	return &Parser{
		path:         path,
		args:         args,
		timeout:      timeout,
		parsedDir:    parsedDir,
		previewBytes: previewBytes,
	}
}

func (p *Parser) Parse(ctx context.Context, input, filename string) (*ParseResult, error) {
	outPath := filepath.Join(p.parsedDir, "rag_"+uuid.NewString()+".txt")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to create parsed file: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append(append([]string{}, p.args...), input, filename)
	cmd := exec.CommandContext(ctx, p.path, args...)
	cmd.WaitDelay = 5 * time.Second

	preview := &headBuffer{limit: p.previewBytes}
	stderr := &tailBuffer{limit: 4096}
	hasher := sha256.New()
	cmd.Stdout = io.MultiWriter(out, preview, hasher)
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	closeErr := out.Close()

	fail := func(reason string) (*ParseResult, error) {
		os.Remove(outPath)
		return nil, &ParseError{
			Reason:  reason,
			Preview: preview.String(),
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(fmt.Sprintf("parser timed out after %s", p.timeout))
		}
		return fail(runErr.Error())
	}
	if closeErr != nil {
		return fail(closeErr.Error())
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return fail(err.Error())
	}
	if info.Size() == 0 {
		return fail("parser returned no output")
	}

	return &ParseResult{
		Path:          outPath,
		Size:          info.Size(),
		Preview:       preview.String(),
		ContentSHA256: hex.EncodeToString(hasher.Sum(nil)),
		Elapsed:       elapsed,
	}, nil
}

// headBuffer keeps the first limit bytes written to it and discards the rest.
type headBuffer struct {
	limit int
	buf   []byte
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *headBuffer) String() string { return string(b.buf) }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + len(p) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
