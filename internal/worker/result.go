package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var ErrNoResult = errors.New("no result line in indexer output")

const scanBlockSize = 8 * 1024

// Result is the JSON object the indexer prints as the last non-blank line
// of its combined output. Everything before it is free-form diagnostics.
type Result struct {
	OK         bool     `json:"ok"`
	ChunkCount int      `json:"chunk_count"`
	ElapsedSec *float64 `json:"elapsed_sec,omitempty"`
	Error      string   `json:"error,omitempty"`
	Collection string   `json:"collection,omitempty"`
	Progress   *int     `json:"progress,omitempty"`
}

// ScanResult walks r backwards from size and decodes the last line that
// holds a JSON object. Blank and non-JSON lines are skipped. The output can
// be arbitrarily large; only one block plus the current line is held in
// memory.
func ScanResult(r io.ReaderAt, size int64) (*Result, error) {
	var carry []byte
	pos := size
	block := make([]byte, scanBlockSize)

	for pos > 0 {
		n := int64(scanBlockSize)
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := r.ReadAt(block[:n], pos); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read indexer output: %w", err)
		}

		buf := append(append([]byte{}, block[:n]...), carry...)
		for {
			idx := bytes.LastIndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			if res, ok := decodeLine(buf[idx+1:]); ok {
				return res, nil
			}
			buf = buf[:idx]
		}
		carry = buf
	}

	if res, ok := decodeLine(carry); ok {
		return res, nil
	}
	return nil, ErrNoResult
}

func decodeLine(line []byte) (*Result, bool) {
	line = bytes.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(line, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// Tail returns up to n trailing bytes of r, trimmed of surrounding space.
func Tail(r io.ReaderAt, size int64, n int) string {
	if size <= 0 || n <= 0 {
		return ""
	}
	start := size - int64(n)
	if start < 0 {
		start = 0
	}
	buf := make([]byte, size-start)
	read, err := r.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return ""
	}
	return string(bytes.TrimSpace(buf[:read]))
}
