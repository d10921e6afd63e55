// Package cleanup removes what indexing left behind for documents that are
// no longer live: vectors, rag_index rows, pending jobs and their parsed
// text. Every operation is safe to repeat.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/status"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/pkg/logger"
)

var (
	ErrInvalidRequest   = errors.New("chat_id and document_ids are required")
	ErrNothingCancelled = errors.New("no documents were cancelled")
)

// lookupChunk bounds the number of SQL variables per statement.
const lookupChunk = 500

type Store interface {
	FilterDeleted(ctx context.Context, ids []int64) ([]int64, error)
	IndexRefs(ctx context.Context, ids []int64) ([]models.IndexRef, error)
	DeleteIndexRefs(ctx context.Context, refs []models.IndexRef) (int64, error)
	OwnedDocument(ctx context.Context, id int64, chatID, user string) (*models.Document, error)
	SoftDeleteDocument(ctx context.Context, id int64) (bool, error)
	SoftDeleteIdleChats(ctx context.Context, cutoff time.Time) (int64, error)
	DeletedDocumentIDs(ctx context.Context) ([]int64, error)
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, int64, error)
}

type VectorStore interface {
	DeleteDocuments(ctx context.Context, collection string, ids []int64) error
}

type JobRemover interface {
	RemoveForDocuments(documentIDs []int64) ([]string, error)
}

type Config struct {
	DefaultCollection string
	BatchSize         int
	SoftDelay         time.Duration
	PurgeDelay        time.Duration
}

type Summary struct {
	OK             bool           `json:"ok"`
	DocCount       int            `json:"doc_count"`
	Collections    map[string]int `json:"collections"`
	VectorBatches  int            `json:"vector_batches"`
	FailedBatches  int            `json:"failed_batches"`
	DeletedRecords int64          `json:"deleted_records"`
	RemovedJobs    []string       `json:"removed_jobs"`
	Warning        string         `json:"warning,omitempty"`
	Message        string         `json:"message,omitempty"`
}

func emptySummary() *Summary {
	return &Summary{OK: true, Collections: map[string]int{}, RemovedJobs: []string{}}
}

type CancelResult struct {
	Success     bool     `json:"success"`
	CanceledIDs []int64  `json:"canceled_ids"`
	RAGSummary  *Summary `json:"rag_summary"`
}

type SweepResult struct {
	ChatsSoftDeleted int64    `json:"chats_soft_deleted"`
	Cleanup          *Summary `json:"cleanup"`
	DocumentsPurged  int64    `json:"documents_purged"`
	ChatsPurged      int64    `json:"chats_purged"`
}

type Service struct {
	db       Store
	vectors  VectorStore
	jobs     JobRemover
	statuses status.Store
	cfg      Config
	now      func() time.Time
}

// NewService wires cleanup. vectors may be nil when no vector store is
// reachable; index rows are then kept so a later run can retry.
func NewService(db Store, vectors VectorStore, jobs JobRemover, statuses status.Store, cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	return &Service{
		db:       db,
		vectors:  vectors,
		jobs:     jobs,
		statuses: statuses,
		cfg:      cfg,
		now:      time.Now,
	}
}

func chunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// Cleanup purges downstream artifacts of the given documents, limited to
// those whose document row or chat is deleted. Vector-store failures are
// reported in Warning and leave the affected index rows in place.
func (s *Service) Cleanup(ctx context.Context, ids []int64) (*Summary, error) {
	summary := emptySummary()
	ids = status.NormalizeIDs(ids)
	if len(ids) == 0 {
		return summary, nil
	}

	var targets []int64
	var refs []models.IndexRef
	for _, part := range chunks(ids, lookupChunk) {
		deleted, err := s.db.FilterDeleted(ctx, part)
		if err != nil {
			return nil, err
		}
		targets = append(targets, deleted...)
	}
	for _, part := range chunks(targets, lookupChunk) {
		r, err := s.db.IndexRefs(ctx, part)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r...)
	}
	summary.DocCount = len(targets)
	if len(targets) == 0 {
		return summary, nil
	}

	var warnings []string
	done := s.deleteVectors(ctx, refs, summary, &warnings)

	if len(done) > 0 {
		n, err := s.db.DeleteIndexRefs(ctx, done)
		if err != nil {
			warnings = append(warnings, err.Error())
		}
		summary.DeletedRecords = n
		metrics.CleanupRecordsDeleted.Add(float64(n))
	}

	if s.jobs != nil {
		removed, err := s.jobs.RemoveForDocuments(targets)
		if err != nil {
			warnings = append(warnings, err.Error())
		}
		if removed != nil {
			summary.RemovedJobs = removed
		}
	}

	for _, id := range targets {
		if err := s.statuses.Clear(ctx, id); err != nil {
			logger.Warn("Failed to clear status during cleanup", zap.Int64("document_id", id), zap.Error(err))
		}
	}

	if len(warnings) > 0 {
		summary.OK = false
		summary.Warning = strings.Join(warnings, "; ")
		logger.Warn("Cleanup finished with warnings",
			zap.Int("documents", summary.DocCount),
			zap.String("warning", summary.Warning),
		)
	} else {
		logger.Info("Cleanup finished",
			zap.Int("documents", summary.DocCount),
			zap.Int("vector_batches", summary.VectorBatches),
			zap.Int64("deleted_records", summary.DeletedRecords),
			zap.Int("removed_jobs", len(summary.RemovedJobs)),
		)
	}
	return summary, nil
}

// deleteVectors issues the batched deletes and returns the refs whose
// vectors are confirmed gone.
func (s *Service) deleteVectors(ctx context.Context, refs []models.IndexRef, summary *Summary, warnings *[]string) []models.IndexRef {
	byCollection := make(map[string][]models.IndexRef)
	for _, ref := range refs {
		coll := ref.Collection
		if coll == "" {
			coll = s.cfg.DefaultCollection
		}
		byCollection[coll] = append(byCollection[coll], ref)
	}

	names := make([]string, 0, len(byCollection))
	for name := range byCollection {
		names = append(names, name)
	}
	sort.Strings(names)

	var done []models.IndexRef
	for _, coll := range names {
		collRefs := byCollection[coll]

		seen := make(map[int64]struct{})
		var docIDs []int64
		for _, ref := range collRefs {
			if _, ok := seen[ref.DocumentID]; !ok {
				seen[ref.DocumentID] = struct{}{}
				docIDs = append(docIDs, ref.DocumentID)
			}
		}
		summary.Collections[coll] = len(docIDs)

		if s.vectors == nil {
			*warnings = append(*warnings, fmt.Sprintf("collection %s: vector store unavailable", coll))
			continue
		}

		for _, batch := range chunks(docIDs, s.cfg.BatchSize) {
			summary.VectorBatches++
			if err := s.vectors.DeleteDocuments(ctx, coll, batch); err != nil {
				summary.FailedBatches++
				metrics.CleanupBatches.WithLabelValues("failed").Inc()
				*warnings = append(*warnings, fmt.Sprintf("collection %s: %v", coll, err))
				continue
			}
			metrics.CleanupBatches.WithLabelValues("ok").Inc()

			inBatch := make(map[int64]struct{}, len(batch))
			for _, id := range batch {
				inBatch[id] = struct{}{}
			}
			for _, ref := range collRefs {
				if _, ok := inBatch[ref.DocumentID]; ok {
					done = append(done, ref)
				}
			}
		}
	}
	return done
}

// Cancel soft-deletes the caller's documents in chatID, clears their status
// and cleans up after them. Documents the caller does not own are ignored.
func (s *Service) Cancel(ctx context.Context, user, chatID string, ids []int64) (*CancelResult, error) {
	ids = status.NormalizeIDs(ids)
	if chatID == "" || len(ids) == 0 {
		return nil, ErrInvalidRequest
	}

	touched := make([]int64, 0, len(ids))
	for _, id := range ids {
		doc, err := s.db.OwnedDocument(ctx, id, chatID, user)
		if errors.Is(err, sqlite.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if !doc.Deleted {
			if _, err := s.db.SoftDeleteDocument(ctx, id); err != nil {
				return nil, err
			}
		}
		if err := s.statuses.Clear(ctx, id); err != nil {
			logger.Warn("Failed to clear status on cancel", zap.Int64("document_id", id), zap.Error(err))
		}
		touched = append(touched, id)
	}

	if len(touched) == 0 {
		return nil, ErrNothingCancelled
	}

	logger.Info("Documents cancelled",
		zap.String("chat_id", chatID),
		zap.Int64s("document_ids", touched),
	)

	summary, err := s.Cleanup(ctx, touched)
	if err != nil {
		logger.Error("Cleanup after cancel failed", zap.Error(err))
		summary = &Summary{OK: false, Message: err.Error()}
	}

	return &CancelResult{Success: true, CanceledIDs: touched, RAGSummary: summary}, nil
}

// Sweep is the periodic purge: retire idle chats, clean every deleted
// document, then hard-delete rows that have nothing left pointing at them.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	now := s.now()

	if s.cfg.SoftDelay > 0 {
		n, err := s.db.SoftDeleteIdleChats(ctx, now.Add(-s.cfg.SoftDelay))
		if err != nil {
			return nil, err
		}
		result.ChatsSoftDeleted = n
	}

	ids, err := s.db.DeletedDocumentIDs(ctx)
	if err != nil {
		return nil, err
	}
	summary, err := s.Cleanup(ctx, ids)
	if err != nil {
		return nil, err
	}
	result.Cleanup = summary

	docs, chats, err := s.db.PurgeDeleted(ctx, now.Add(-s.cfg.PurgeDelay))
	if err != nil {
		return nil, err
	}
	result.DocumentsPurged = docs
	result.ChatsPurged = chats

	logger.Info("Sweep finished",
		zap.Int64("chats_soft_deleted", result.ChatsSoftDeleted),
		zap.Int("documents_cleaned", summary.DocCount),
		zap.Int64("documents_purged", docs),
		zap.Int64("chats_purged", chats),
	)
	return result, nil
}
