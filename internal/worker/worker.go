// Package worker drains the index job queue. Each pass claims jobs one at a
// time, runs the external indexer, records the outcome and archives the job.
// Any number of workers may share a queue; the claim rename decides who
// runs a job.
package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/cleanup"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/queue"
	"github.com/docchat/backend/internal/status"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/workspace"
	"github.com/docchat/backend/pkg/logger"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
	OutcomeOrphaned  = "orphaned"
	OutcomeReleased  = "released"
)

type Store interface {
	DocumentDeleted(ctx context.Context, id int64) (bool, error)
	UpsertIndexRecord(ctx context.Context, rec *models.IndexRecord) error
}

type Cleaner interface {
	Cleanup(ctx context.Context, ids []int64) (*cleanup.Summary, error)
}

type Config struct {
	DefaultCollection string
	IdleSleep         time.Duration
	// StaleClaim is how old a claim must be before it is handed back to
	// the queue. It never drops below the index timeout.
	StaleClaim   time.Duration
	IndexTimeout time.Duration
}

type Stats struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Stats) add(outcome string) {
	switch outcome {
	case OutcomeCompleted:
		s.Processed++
		s.Completed++
	case OutcomeFailed, OutcomeMalformed, OutcomeOrphaned:
		s.Processed++
		s.Failed++
	}
}

type Worker struct {
	queue    *queue.Queue
	db       Store
	statuses status.Store
	indexer  Indexer
	records  *metrics.RecordLog
	cleaner  Cleaner
	paths    workspace.Paths
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	recoverMu   sync.Mutex
	lastRecover time.Time
}

func New(q *queue.Queue, db Store, statuses status.Store, indexer Indexer, records *metrics.RecordLog, cleaner Cleaner, paths workspace.Paths, cfg Config) *Worker {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 2 * time.Second
	}
	if floor := cfg.IndexTimeout + time.Minute; cfg.StaleClaim < floor {
		cfg.StaleClaim = floor
	}
	return &Worker{
		queue:    q,
		db:       db,
		statuses: statuses,
		indexer:  indexer,
		records:  records,
		cleaner:  cleaner,
		paths:    paths,
		cfg:      cfg,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// WithLogger returns a copy of w that logs through l, e.g. tagged with a
// goroutine id.
func (w *Worker) WithLogger(l *zap.Logger) *Worker {
	cp := &Worker{
		queue:    w.queue,
		db:       w.db,
		statuses: w.statuses,
		indexer:  w.indexer,
		records:  w.records,
		cleaner:  w.cleaner,
		paths:    w.paths,
		cfg:      w.cfg,
		log:      l,
		now:      w.now,
	}
	return cp
}

// RecoverStale hands abandoned claims back to the queue.
func (w *Worker) RecoverStale() {
	w.recoverMu.Lock()
	defer w.recoverMu.Unlock()

	w.lastRecover = w.now()
	recovered, err := w.queue.RecoverStale(w.cfg.StaleClaim)
	if err != nil {
		w.log.Warn("Failed to recover stale claims", zap.Error(err))
		return
	}
	if len(recovered) > 0 {
		metrics.StaleClaimsRecovered.Add(float64(len(recovered)))
		w.log.Warn("Requeued stale claims", zap.Strings("jobs", recovered))
	}
}

func (w *Worker) recoverIfDue() {
	w.recoverMu.Lock()
	due := w.now().Sub(w.lastRecover) >= w.cfg.StaleClaim/2
	w.recoverMu.Unlock()
	if due {
		w.RecoverStale()
	}
}

// RunOnce processes the queue as it looks right now, stopping after maxJobs
// jobs when maxJobs is positive. Jobs claimed by someone else are skipped.
func (w *Worker) RunOnce(ctx context.Context, maxJobs int) (Stats, error) {
	var stats Stats

	pending, err := w.queue.Pending()
	if err != nil {
		return stats, err
	}
	metrics.QueueDepth.Set(float64(len(pending)))

	for _, path := range pending {
		if maxJobs > 0 && stats.Processed >= maxJobs {
			break
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		claim, err := w.queue.Claim(path)
		if errors.Is(err, queue.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			w.log.Warn("Failed to claim job", zap.String("job", path), zap.Error(err))
			continue
		}

		stats.add(w.process(ctx, claim))
	}
	return stats, nil
}

// RunJob claims and processes one specific pending job and returns its
// outcome.
func (w *Worker) RunJob(ctx context.Context, path string) (string, error) {
	claim, err := w.queue.Claim(path)
	if err != nil {
		return "", err
	}
	return w.process(ctx, claim), nil
}

// Run keeps draining the queue until ctx is done, sleeping when it is empty.
func (w *Worker) Run(ctx context.Context) error {
	w.RecoverStale()
	for {
		w.recoverIfDue()

		stats, err := w.RunOnce(ctx, 0)
		if err != nil && ctx.Err() == nil {
			w.log.Error("Worker pass failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		if stats.Processed > 0 {
			continue
		}

		timer := time.NewTimer(w.cfg.IdleSleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, claim *queue.Claim) string {
	claimedAt := w.now()

	job, err := w.queue.Decode(claim)
	if err != nil {
		w.log.Warn("Malformed job, moving to failed", zap.String("job", claim.Name), zap.Error(err))
		w.archive(claim, false)
		metrics.JobsProcessed.WithLabelValues(OutcomeMalformed).Inc()
		return OutcomeMalformed
	}

	log := w.log.With(zap.Int64("document_id", job.DocumentID), zap.String("job", claim.Name))

	deleted, err := w.db.DocumentDeleted(ctx, job.DocumentID)
	if err != nil {
		log.Warn("Could not check document, releasing job", zap.Error(err))
		if err := w.queue.Release(claim); err != nil {
			log.Error("Failed to release job", zap.Error(err))
		}
		return OutcomeReleased
	}
	if deleted {
		log.Info("Document no longer live, skipping job")
		w.archive(claim, false)
		w.removeParsed(job, log)
		w.clearStatus(ctx, job.DocumentID, log)
		metrics.JobsProcessed.WithLabelValues(OutcomeOrphaned).Inc()
		return OutcomeOrphaned
	}

	if job.QueueTimestamp > 0 {
		if wait := claimedAt.Unix() - job.QueueTimestamp; wait >= 0 {
			metrics.QueueWait.Observe(float64(wait))
		}
	}

	w.setStatus(ctx, job.DocumentID, status.Status{
		Stage:    status.StageIndexing,
		Status:   status.StatusRunning,
		Message:  "RAG indexing document",
		Progress: status.Progress(70),
	}, log)

	logPath := w.paths.JobLog(job.DocumentID, claimedAt)
	run, err := w.indexer.Index(ctx, claim.Path, logPath)
	if ctx.Err() != nil {
		log.Warn("Interrupted while indexing, releasing job")
		if err := w.queue.Release(claim); err != nil {
			log.Error("Failed to release job", zap.Error(err))
		}
		return OutcomeReleased
	}
	if err != nil {
		log.Error("Indexer could not run", zap.Error(err))
		run = &Execution{ExitCode: -1, LogPath: logPath, Tail: err.Error()}
	}

	success := run.Succeeded()
	var failure string
	if success {
		if err := w.recordIndex(ctx, job, run.Result); err != nil {
			log.Error("Failed to record index", zap.Error(err))
			success = false
			failure = err.Error()
		}
	} else {
		failure = run.FailureMessage()
	}

	w.appendMetric(job, run, claimedAt, success, failure, log)

	outcome := OutcomeFailed
	if success {
		outcome = OutcomeCompleted
	}
	metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	metrics.JobDuration.WithLabelValues(outcome).Observe(run.Elapsed.Seconds())

	if !success {
		w.archive(claim, false)
		progress := 0
		if run.Result != nil && run.Result.Progress != nil {
			progress = *run.Result.Progress
		}
		w.setStatus(ctx, job.DocumentID, status.Status{
			Stage:    status.StageIndexing,
			Status:   status.StatusFailed,
			Message:  failure,
			Progress: status.Progress(progress),
		}, log)
		log.Warn("Indexing failed", zap.Int("exit_code", run.ExitCode), zap.String("error", failure), zap.String("log", logPath))
		return OutcomeFailed
	}

	w.archive(claim, true)
	if job.CleanupTmp {
		w.removeParsed(job, log)
	}
	w.clearStatus(ctx, job.DocumentID, log)
	log.Info("Indexing completed",
		zap.Int("chunk_count", run.Result.ChunkCount),
		zap.Duration("elapsed", run.Elapsed),
	)

	// The document may have been cancelled while the indexer ran.
	if deleted, err := w.db.DocumentDeleted(ctx, job.DocumentID); err == nil && deleted && w.cleaner != nil {
		if _, err := w.cleaner.Cleanup(ctx, []int64{job.DocumentID}); err != nil {
			log.Warn("Cleanup of cancelled document failed", zap.Error(err))
		}
	}
	return OutcomeCompleted
}

func (w *Worker) recordIndex(ctx context.Context, job *queue.Job, res *Result) error {
	collection := res.Collection
	if collection == "" {
		collection = w.cfg.DefaultCollection
	}
	return w.db.UpsertIndexRecord(ctx, &models.IndexRecord{
		DocumentID:     job.DocumentID,
		Collection:     collection,
		EmbeddingModel: job.EmbeddingModel,
		ChunkCount:     res.ChunkCount,
		Ready:          true,
	})
}

func (w *Worker) appendMetric(job *queue.Job, run *Execution, claimedAt time.Time, success bool, failure string, log *zap.Logger) {
	rec := metrics.Record{
		Timestamp:  w.now(),
		Status:     success,
		DocumentID: job.DocumentID,
		ChatID:     job.ChatID,
		User:       job.User,
		Filename:   job.Filename,
		Mime:       job.Mime,
	}
	if job.OriginalSizeBytes > 0 {
		v := job.OriginalSizeBytes
		rec.OriginalSizeBytes = &v
	}
	if job.ParsedSizeBytes > 0 {
		v := job.ParsedSizeBytes
		rec.ParsedSizeBytes = &v
	}
	if job.QueueTimestamp > 0 {
		wait := claimedAt.Unix() - job.QueueTimestamp
		if wait < 0 {
			wait = 0
		}
		rec.QueueWaitSec = &wait
	}
	if run.Result != nil {
		rec.ProcessingElapsedSec = run.Result.ElapsedSec
		if run.Result.OK {
			chunks := run.Result.ChunkCount
			rec.ChunkCount = &chunks
		}
	}
	if rec.ProcessingElapsedSec == nil && success {
		elapsed := run.Elapsed.Seconds()
		rec.ProcessingElapsedSec = &elapsed
	}
	if !success {
		rec.Error = failure
	}

	if err := w.records.Append(rec); err != nil {
		log.Warn("Failed to append metric record", zap.Error(err))
	}
}

func (w *Worker) archive(claim *queue.Claim, completed bool) {
	var err error
	if completed {
		_, err = w.queue.Complete(claim)
	} else {
		_, err = w.queue.Fail(claim)
	}
	if err != nil {
		w.log.Error("Failed to archive job", zap.String("job", claim.Name), zap.Bool("completed", completed), zap.Error(err))
	}
}

func (w *Worker) removeParsed(job *queue.Job, log *zap.Logger) {
	if job.FilePath == "" || !w.paths.InParsed(job.FilePath) {
		return
	}
	if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove parsed text", zap.String("path", job.FilePath), zap.Error(err))
	}
}

func (w *Worker) setStatus(ctx context.Context, id int64, st status.Status, log *zap.Logger) {
	if err := w.statuses.Set(ctx, id, st); err != nil {
		log.Warn("Failed to write processing status", zap.Error(err))
	}
}

func (w *Worker) clearStatus(ctx context.Context, id int64, log *zap.Logger) {
	if err := w.statuses.Clear(ctx, id); err != nil {
		log.Warn("Failed to clear processing status", zap.Error(err))
	}
}
