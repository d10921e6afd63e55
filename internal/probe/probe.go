// Package probe runs one document through the whole indexing path and
// reports whether it became retrievable. It is the operator's end-to-end
// check that the parser, indexer and vector store are wired correctly.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/bootstrap"
	"github.com/docchat/backend/internal/cleanup"
	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/queue"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/utils"
)

const User = "rag-validation"

type Options struct {
	Document string
	// Keep leaves the chat, document and index in place for inspection.
	Keep         bool
	Timeout      time.Duration
	PollInterval time.Duration
}

type Report struct {
	DocumentID  int64            `json:"document_id"`
	ChatID      string           `json:"chat_id"`
	Outcome     string           `json:"outcome"`
	Ready       bool             `json:"ready"`
	ChunkCount  int              `json:"chunk_count"`
	Collections []string         `json:"collections"`
	ParsedBytes int64            `json:"parsed_size_bytes"`
	Elapsed     float64          `json:"elapsed_sec"`
	Cleanup     *cleanup.Summary `json:"cleanup,omitempty"`
	Kept        bool             `json:"kept"`
}

// Passed is the exit criterion: indexed, ready and non-empty.
func (r *Report) Passed() bool {
	return r.Ready && r.ChunkCount > 0
}

func Run(ctx context.Context, app *bootstrap.App, opts Options) (_ *Report, err error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	info, err := os.Stat(opts.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	start := time.Now()
	report := &Report{ChatID: "validation-" + uuid.NewString(), Kept: opts.Keep}
	log := logger.With(zap.String("chat_id", report.ChatID))

	if err := app.DB.CreateChat(ctx, &models.Chat{ID: report.ChatID, User: User, Title: "RAG validation"}); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			abandon(context.WithoutCancel(ctx), app, report, log)
		}
	}()

	ic := app.Cfg.Ingestion
	parser := ingestion.NewParser(ic.ParserPath, ic.ParserArgs, ic.ParseTimeout(), app.Paths.Parsed, ic.PreviewBytes)
	filename := filepath.Base(opts.Document)
	parsed, err := parser.Parse(ctx, opts.Document, filename)
	if err != nil {
		return nil, err
	}
	report.ParsedBytes = parsed.Size

	mime, err := ingestion.DetectMime(opts.Document)
	if err != nil {
		mime = "application/octet-stream"
	}
	fileSHA, err := utils.HashFile(opts.Document)
	if err != nil {
		os.Remove(parsed.Path)
		return nil, err
	}

	id, err := app.DB.CreateDocument(ctx, &models.Document{
		ChatID:            report.ChatID,
		Name:              filename,
		MimeType:          mime,
		Content:           parsed.Preview,
		TokenLength:       utils.EstimateTokens(parsed.Preview),
		Source:            models.SourceValidation,
		Enabled:           true,
		FullTextAvailable: false,
		FileSHA256:        fileSHA,
		ContentSHA256:     parsed.ContentSHA256,
	})
	if err != nil {
		os.Remove(parsed.Path)
		return nil, err
	}
	report.DocumentID = id
	log = log.With(zap.Int64("document_id", id))

	jobPath, err := app.Queue.Enqueue(queue.Job{
		DocumentID:        id,
		ChatID:            report.ChatID,
		User:              User,
		EmbeddingModel:    ic.EmbeddingModel,
		FilePath:          parsed.Path,
		Filename:          filename,
		Mime:              mime,
		OriginalSizeBytes: info.Size(),
		ParsedSizeBytes:   parsed.Size,
		CleanupTmp:        true,
	})
	if err != nil {
		os.Remove(parsed.Path)
		return nil, err
	}

	log.Info("Running validation job", zap.String("job", filepath.Base(jobPath)))
	report.Outcome, err = app.Worker().RunJob(ctx, jobPath)
	if err != nil {
		return nil, err
	}

	if err := waitReady(ctx, app, id, opts, report); err != nil {
		log.Warn("Document did not become ready", zap.Error(err))
	}
	report.Elapsed = time.Since(start).Seconds()

	if !opts.Keep {
		report.Cleanup = teardown(ctx, app, report.ChatID, id, log)
	}
	return report, nil
}

// abandon removes the rows of a run that failed before producing a report.
func abandon(ctx context.Context, app *bootstrap.App, report *Report, log *zap.Logger) {
	if report.DocumentID > 0 {
		if _, err := app.DB.SoftDeleteDocument(ctx, report.DocumentID); err != nil {
			log.Warn("Failed to delete validation document", zap.Error(err))
		}
	}
	if err := app.DB.SoftDeleteChat(ctx, report.ChatID); err != nil {
		log.Warn("Failed to delete validation chat", zap.Error(err))
		return
	}
	if _, err := app.DB.PurgeChat(ctx, report.ChatID); err != nil {
		log.Warn("Failed to purge validation rows", zap.Error(err))
	}
}

func waitReady(ctx context.Context, app *bootstrap.App, id int64, opts Options, report *Report) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		recs, err := app.DB.IndexRecords(ctx, id)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		report.ChunkCount, report.Collections = 0, report.Collections[:0]
		for _, rec := range recs {
			if rec.Ready {
				report.Ready = true
				report.ChunkCount += rec.ChunkCount
				report.Collections = append(report.Collections, rec.Collection)
			}
		}
		if report.Ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func teardown(ctx context.Context, app *bootstrap.App, chatID string, id int64, log *zap.Logger) *cleanup.Summary {
	if _, err := app.DB.SoftDeleteDocument(ctx, id); err != nil {
		log.Warn("Failed to delete validation document", zap.Error(err))
	}
	if err := app.DB.SoftDeleteChat(ctx, chatID); err != nil {
		log.Warn("Failed to delete validation chat", zap.Error(err))
	}

	summary, err := app.Cleanup.Cleanup(ctx, []int64{id})
	if err != nil {
		log.Warn("Validation cleanup failed", zap.Error(err))
		return &cleanup.Summary{OK: false, Message: err.Error()}
	}

	purged, err := app.DB.PurgeChat(ctx, chatID)
	if err != nil {
		log.Warn("Failed to purge validation rows", zap.Error(err))
	} else if !purged {
		log.Warn("Validation rows kept, index records remain")
	}
	return summary
}
