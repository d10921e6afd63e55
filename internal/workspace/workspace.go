// Package workspace describes the on-disk layout shared by the web tier and
// the indexing workers. A job's directory is its state, so every component
// resolves paths through Paths rather than joining strings itself.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const MetricsLogName = "processing_metrics.log"

type Paths struct {
	Root      string
	Parsed    string
	Queue     string
	Completed string
	Failed    string
	Logs      string
	Status    string
	Uploads   string
}

func New(root string) Paths {
	root = filepath.Clean(root)
	return Paths{
		Root:      root,
		Parsed:    filepath.Join(root, "parsed"),
		Queue:     filepath.Join(root, "queue"),
		Completed: filepath.Join(root, "completed"),
		Failed:    filepath.Join(root, "failed"),
		Logs:      filepath.Join(root, "logs"),
		Status:    filepath.Join(root, "status"),
		Uploads:   filepath.Join(root, "uploads"),
	}
}

// Ensure creates every directory of the layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Parsed, p.Queue, p.Completed, p.Failed, p.Logs, p.Status, p.Uploads} {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (p Paths) MetricsLog() string {
	return filepath.Join(p.Logs, MetricsLogName)
}

// JobLog is the audit file receiving the indexer's combined output. The
// nanosecond suffix keeps re-runs of a recovered job in separate files.
func (p Paths) JobLog(documentID int64, at time.Time) string {
	return filepath.Join(p.Logs, fmt.Sprintf("index_%d_%s_%09d.log", documentID, at.Format("20060102_150405"), at.Nanosecond()))
}

// InParsed reports whether path lives under the parsed directory. Cleanup only
// deletes intermediate files it owns.
func (p Paths) InParsed(path string) bool {
	rel, err := filepath.Rel(p.Parsed, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
