package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const failureTailBytes = 400

// Execution is what one indexer run left behind.
type Execution struct {
	ExitCode int
	Elapsed  time.Duration
	LogPath  string
	Result   *Result
	// Tail is the end of the combined output, used as the failure message
	// when the indexer gave no error of its own.
	Tail string
}

func (e *Execution) Succeeded() bool {
	return e.ExitCode == 0 && e.Result != nil && e.Result.OK
}

func (e *Execution) FailureMessage() string {
	if e.Result != nil && e.Result.Error != "" {
		return e.Result.Error
	}
	if e.Tail != "" {
		return e.Tail
	}
	return fmt.Sprintf("indexer exited with code %d", e.ExitCode)
}

type Indexer interface {
	Index(ctx context.Context, jobPath, logPath string) (*Execution, error)
}

// ExecIndexer runs the external indexing executable with the claimed job
// file as its last argument. Its stdout and stderr both stream into the job
// log, which is then scanned for the result line.
type ExecIndexer struct {
	path    string
	args    []string
	timeout time.Duration
}

func NewExecIndexer(path string, args []string, timeout time.Duration) *ExecIndexer {
	return &ExecIndexer{path: path, args: args, timeout: timeout}
}

func (x *ExecIndexer) Index(ctx context.Context, jobPath, logPath string) (*Execution, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to create job log: %w", err)
	}
	defer logFile.Close()

	runCtx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	args := append(append([]string{}, x.args...), jobPath)
	cmd := exec.CommandContext(runCtx, x.path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	run := &Execution{ExitCode: 0, Elapsed: time.Since(start), LogPath: logPath}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			run.ExitCode = exitErr.ExitCode()
		default:
			run.ExitCode = -1
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			fmt.Fprintf(logFile, "\nindexer timed out after %s\n", x.timeout)
		} else if run.ExitCode == -1 {
			fmt.Fprintf(logFile, "\nindexer failed to run: %v\n", runErr)
		}
	}

	info, err := logFile.Stat()
	if err != nil {
		return run, fmt.Errorf("failed to stat job log: %w", err)
	}
	size := info.Size()

	if res, err := ScanResult(logFile, size); err == nil {
		run.Result = res
	}
	run.Tail = Tail(logFile, size, failureTailBytes)
	return run, nil
}
