package ingestion

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/queue"
	"github.com/docchat/backend/internal/status"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/utils"
)

// TruncationMarker follows the stored prefix of documents too large to keep
// inline.
const TruncationMarker = "\n\n[Document truncated for inline storage; the full text is indexed separately.]"

const hashTimeout = 2 * time.Minute

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) (int64, error)
	UpdateDocumentHashes(ctx context.Context, id int64, fileSHA, contentSHA string) error
}

type JobQueue interface {
	Enqueue(job queue.Job) (string, error)
}

// Upload is one received file, already saved to a temporary path the
// processor takes ownership of.
type Upload struct {
	Path     string
	Filename string
	Size     int64
	ChatID   string
	User     string
}

type Outcome struct {
	DocumentID  int64  `json:"document_id"`
	Name        string `json:"name"`
	Mime        string `json:"mime"`
	Source      string `json:"source"`
	SizeBytes   int64  `json:"size_bytes"`
	ParsedBytes int64  `json:"parsed_size_bytes,omitempty"`
	TokenLength int    `json:"token_length"`
	Truncated   bool   `json:"truncated"`
	Queued      bool   `json:"queued"`
}

type Processor struct {
	db       DocumentStore
	queue    JobQueue
	statuses status.Store
	parser   *Parser
	cfg      config.IngestionConfig

	wg sync.WaitGroup
}

func NewProcessor(db DocumentStore, q JobQueue, statuses status.Store, parser *Parser, cfg config.IngestionConfig) *Processor {
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = 2 * 1024 * 1024
	}
	return &Processor{
		db:       db,
		queue:    q,
		statuses: statuses,
		parser:   parser,
		cfg:      cfg,
	}
}

// Wait blocks until background hashing of earlier uploads has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// DetectMime sniffs the content type and drops any parameters.
func DetectMime(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect mime type: %w", err)
	}
	mime, _, _ := strings.Cut(m.String(), ";")
	return strings.ToLower(strings.TrimSpace(mime)), nil
}

// Ingest turns one upload into a Document. Images are stored inline and are
// never indexed; everything else is parsed and queued for indexing. A parse
// failure leaves nothing behind and returns ErrParseFailed.
func (p *Processor) Ingest(ctx context.Context, up Upload) (*Outcome, error) {
	mime, err := DetectMime(up.Path)
	if err != nil {
		os.Remove(up.Path)
		return nil, err
	}

	logger.Info("Processing upload",
		zap.String("filename", up.Filename),
		zap.String("mime", mime),
		zap.Int64("size", up.Size),
		zap.String("chat_id", up.ChatID),
	)

	if models.IsImageMime(mime) {
		return p.ingestImage(ctx, up, mime)
	}
	return p.ingestDocument(ctx, up, mime)
}

func (p *Processor) ingestImage(ctx context.Context, up Upload, mime string) (*Outcome, error) {
	defer os.Remove(up.Path)

	raw, err := os.ReadFile(up.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)

	doc := &models.Document{
		ChatID:            up.ChatID,
		Name:              up.Filename,
		MimeType:          mime,
		Content:           dataURI,
		Source:            models.SourceImage,
		Enabled:           true,
		FullTextAvailable: true,
		FileSHA256:        utils.HashString(string(raw)),
		ContentSHA256:     utils.HashString(dataURI),
	}
	id, err := p.db.CreateDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	metrics.DocumentsIngested.WithLabelValues(models.SourceImage).Inc()

	return &Outcome{
		DocumentID: id,
		Name:       up.Filename,
		Mime:       mime,
		Source:     models.SourceImage,
		SizeBytes:  int64(len(raw)),
	}, nil
}

func (p *Processor) ingestDocument(ctx context.Context, up Upload, mime string) (*Outcome, error) {
	parsed, err := p.parser.Parse(ctx, up.Path, up.Filename)
	if err != nil {
		os.Remove(up.Path)
		metrics.IngestFailures.WithLabelValues("parse").Inc()
		fields := []zap.Field{
			zap.String("filename", up.Filename),
			zap.String("mime", mime),
			zap.Error(err),
		}
		var perr *ParseError
		if errors.As(err, &perr) {
			fields = append(fields, zap.String("preview", perr.Preview), zap.String("stderr", perr.Stderr))
		}
		logger.Warn("Parser failed, skipping upload", fields...)
		return nil, err
	}
	metrics.ParseDuration.Observe(parsed.Elapsed.Seconds())

	content, truncated, err := p.readInline(parsed.Path)
	if err != nil {
		os.Remove(parsed.Path)
		os.Remove(up.Path)
		metrics.IngestFailures.WithLabelValues("read").Inc()
		return nil, err
	}

	tokens := 0
	if !truncated {
		tokens = utils.EstimateTokens(content)
	}

	doc := &models.Document{
		ChatID:            up.ChatID,
		Name:              up.Filename,
		MimeType:          mime,
		Content:           content,
		TokenLength:       tokens,
		Source:            models.SourceUpload,
		Enabled:           true,
		FullTextAvailable: !truncated,
	}
	id, err := p.db.CreateDocument(ctx, doc)
	if err != nil {
		os.Remove(parsed.Path)
		os.Remove(up.Path)
		metrics.IngestFailures.WithLabelValues("store").Inc()
		return nil, err
	}
	metrics.DocumentsIngested.WithLabelValues(models.SourceUpload).Inc()

	p.hashInBackground(id, up.Path, parsed.ContentSHA256)

	outcome := &Outcome{
		DocumentID:  id,
		Name:        up.Filename,
		Mime:        mime,
		Source:      models.SourceUpload,
		SizeBytes:   up.Size,
		ParsedBytes: parsed.Size,
		TokenLength: tokens,
		Truncated:   truncated,
	}

	_, err = p.queue.Enqueue(queue.Job{
		DocumentID:        id,
		ChatID:            up.ChatID,
		User:              up.User,
		EmbeddingModel:    p.cfg.EmbeddingModel,
		FilePath:          parsed.Path,
		Filename:          up.Filename,
		Mime:              mime,
		OriginalSizeBytes: up.Size,
		ParsedSizeBytes:   parsed.Size,
		CleanupTmp:        true,
	})
	if err != nil {
		p.setStatus(ctx, id, status.Status{
			Stage:   status.StageIndexing,
			Status:  status.StatusFailed,
			Message: "Unable to queue document for indexing",
		})
		return outcome, fmt.Errorf("failed to enqueue job: %w", err)
	}
	outcome.Queued = true

	p.setStatus(ctx, id, status.Status{
		Stage:    status.StageIndexing,
		Status:   status.StatusQueued,
		Message:  "Waiting for RAG indexing",
		Progress: status.Progress(60),
	})

	logger.Info("Document queued for indexing",
		zap.Int64("document_id", id),
		zap.Int64("parsed_size", parsed.Size),
		zap.Bool("truncated", truncated),
	)
	return outcome, nil
}

// readInline returns the text to store in the document row, capped at
// MaxInlineBytes.
func (p *Processor) readInline(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to open parsed text: %w", err)
	}
	defer f.Close()

	limit := p.cfg.MaxInlineBytes
	buf, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", false, fmt.Errorf("failed to read parsed text: %w", err)
	}
	if int64(len(buf)) <= limit {
		return string(buf), false, nil
	}
	return utils.TruncateUTF8(string(buf), int(limit)) + TruncationMarker, true, nil
}

// hashInBackground records the upload and content hashes, then removes the
// upload. It outlives the request, so it runs on its own context.
func (p *Processor) hashInBackground(documentID int64, uploadPath, contentSHA string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer os.Remove(uploadPath)

		ctx, cancel := context.WithTimeout(context.Background(), hashTimeout)
		defer cancel()

		fileSHA, err := utils.HashFile(uploadPath)
		if err != nil {
			logger.Warn("Failed to hash upload", zap.Int64("document_id", documentID), zap.Error(err))
		}
		if err := p.db.UpdateDocumentHashes(ctx, documentID, fileSHA, contentSHA); err != nil {
			logger.Warn("Failed to store document hashes", zap.Int64("document_id", documentID), zap.Error(err))
		}
	}()
}

func (p *Processor) setStatus(ctx context.Context, id int64, st status.Status) {
	if err := p.statuses.Set(ctx, id, st); err != nil {
		logger.Warn("Failed to write processing status", zap.Int64("document_id", id), zap.Error(err))
	}
}

// IsSkipped reports whether err means the upload was dropped without
// creating anything.
func IsSkipped(err error) bool {
	return errors.Is(err, ErrParseFailed)
}
