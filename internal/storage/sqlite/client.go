package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

var ErrNotFound = errors.New("not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer at a time; the busy timeout covers other processes
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user);
	CREATE INDEX IF NOT EXISTS idx_chats_deleted ON chats(deleted, updated_at);

	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		token_length INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0,
		full_text_available INTEGER NOT NULL DEFAULT 1,
		file_sha256 TEXT,
		content_sha256 TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_chat ON documents(chat_id);
	CREATE INDEX IF NOT EXISTS idx_documents_deleted ON documents(deleted);

	CREATE TABLE IF NOT EXISTS rag_index (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		collection TEXT NOT NULL DEFAULT '',
		embedding_model TEXT NOT NULL DEFAULT '',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		ready INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		UNIQUE (document_id, collection)
	);
	CREATE INDEX IF NOT EXISTS idx_rag_index_document ON rag_index(document_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (c *Client) CreateChat(ctx context.Context, chat *models.Chat) error {
	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = now
	}

	query := `
		INSERT INTO chats (id, user, title, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at
	`
	_, err := c.db.ExecContext(ctx, query,
		chat.ID,
		chat.User,
		chat.Title,
		boolInt(chat.Deleted),
		chat.CreatedAt.Unix(),
		chat.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat: %w", err)
	}
	return nil
}

// ChatOwnedBy reports whether the live chat belongs to user.
func (c *Client) ChatOwnedBy(ctx context.Context, chatID, user string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM chats WHERE id = ? AND user = ? AND deleted = 0`,
		chatID, user,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up chat: %w", err)
	}
	return n > 0, nil
}

func (c *Client) SoftDeleteChat(ctx context.Context, chatID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE chats SET deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), chatID,
	)
	if err != nil {
		return fmt.Errorf("failed to soft delete chat: %w", err)
	}
	return nil
}

// SoftDeleteIdleChats marks chats untouched since before cutoff as deleted.
func (c *Client) SoftDeleteIdleChats(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE chats SET deleted = 1, updated_at = ? WHERE deleted = 0 AND updated_at < ?`,
		time.Now().Unix(), cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete idle chats: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) (int64, error) {
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Version == 0 {
		doc.Version = 1
	}

	query := `
		INSERT INTO documents (chat_id, name, mime_type, content, token_length, source, enabled, deleted,
			full_text_available, file_sha256, content_sha256, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := c.db.ExecContext(ctx, query,
		doc.ChatID,
		doc.Name,
		doc.MimeType,
		doc.Content,
		doc.TokenLength,
		doc.Source,
		boolInt(doc.Enabled),
		boolInt(doc.Deleted),
		boolInt(doc.FullTextAvailable),
		nullString(doc.FileSHA256),
		nullString(doc.ContentSHA256),
		doc.Version,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert document: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read document id: %w", err)
	}
	doc.ID = id

	logger.Debug("Document inserted",
		zap.Int64("document_id", id),
		zap.String("chat_id", doc.ChatID),
		zap.String("source", doc.Source),
	)
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const documentColumns = `d.id, d.chat_id, d.name, d.mime_type, d.content, d.token_length, d.source, d.enabled, d.deleted,
	d.full_text_available, d.file_sha256, d.content_sha256, d.version, d.created_at, d.updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*models.Document, error) {
	var doc models.Document
	var enabled, deleted, fullText int
	var fileSHA, contentSHA sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&doc.ID,
		&doc.ChatID,
		&doc.Name,
		&doc.MimeType,
		&doc.Content,
		&doc.TokenLength,
		&doc.Source,
		&enabled,
		&deleted,
		&fullText,
		&fileSHA,
		&contentSHA,
		&doc.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Enabled = enabled == 1
	doc.Deleted = deleted == 1
	doc.FullTextAvailable = fullText == 1
	doc.FileSHA256 = fileSHA.String
	doc.ContentSHA256 = contentSHA.String
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	return &doc, nil
}

func (c *Client) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents d WHERE d.id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// OwnedDocument returns the document only if it sits in chatID and that chat
// belongs to user. Deleted documents are returned too.
func (c *Client) OwnedDocument(ctx context.Context, id int64, chatID, user string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + `
		FROM documents d
		INNER JOIN chats ch ON ch.id = d.chat_id
		WHERE d.id = ? AND d.chat_id = ? AND ch.user = ?`
	doc, err := scanDocument(c.db.QueryRowContext(ctx, query, id, chatID, user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get owned document: %w", err)
	}
	return doc, nil
}

// UserDocument returns a live document in any of user's live chats.
func (c *Client) UserDocument(ctx context.Context, id int64, user string) (*models.Document, error) {
	query := `SELECT ` + documentColumns + `
		FROM documents d
		INNER JOIN chats ch ON ch.id = d.chat_id
		WHERE d.id = ? AND ch.user = ? AND d.deleted = 0 AND ch.deleted = 0`
	doc, err := scanDocument(c.db.QueryRowContext(ctx, query, id, user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// DocumentDeleted reports whether the document or its chat has been deleted.
// A document that no longer exists counts as deleted.
func (c *Client) DocumentDeleted(ctx context.Context, id int64) (bool, error) {
	var deleted int
	err := c.db.QueryRowContext(ctx, `
		SELECT MAX(d.deleted, COALESCE(ch.deleted, 1))
		FROM documents d
		LEFT JOIN chats ch ON ch.id = d.chat_id
		WHERE d.id = ?`, id,
	).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check document state: %w", err)
	}
	return deleted == 1, nil
}

func (c *Client) UpdateDocumentHashes(ctx context.Context, id int64, fileSHA, contentSHA string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE documents SET file_sha256 = COALESCE(?, file_sha256), content_sha256 = COALESCE(?, content_sha256), updated_at = ? WHERE id = ?`,
		nullString(fileSHA), nullString(contentSHA), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document hashes: %w", err)
	}
	return nil
}

// SoftDeleteDocument sets deleted=1 and reports whether the row changed.
func (c *Client) SoftDeleteDocument(ctx context.Context, id int64) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to soft delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Client) SetDocumentEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET enabled = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		boolInt(enabled), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to toggle document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DocumentReadiness returns readiness for the live documents among ids that
// belong to user. Missing entries are documents the user cannot see.
func (c *Client) DocumentReadiness(ctx context.Context, user string, ids []int64) (map[int64]models.Readiness, error) {
	out := make(map[int64]models.Readiness, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT d.id, d.source, MAX(COALESCE(ri.ready, 0))
		FROM documents d
		INNER JOIN chats ch ON ch.id = d.chat_id
		LEFT JOIN rag_index ri ON ri.document_id = d.id
		WHERE d.id IN (` + placeholders(len(ids)) + `)
		  AND ch.user = ?
		  AND d.deleted = 0
		  AND ch.deleted = 0
		GROUP BY d.id, d.source`

	args := append(int64Args(ids), user)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readiness: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Readiness
		var ready int
		if err := rows.Scan(&r.DocumentID, &r.Source, &ready); err != nil {
			return nil, fmt.Errorf("failed to scan readiness: %w", err)
		}
		r.Ready = ready == 1 || models.AlwaysReady(r.Source)
		out[r.DocumentID] = r
	}
	return out, rows.Err()
}

// UpsertIndexRecord creates or refreshes the (document, collection) row and
// marks it ready.
func (c *Client) UpsertIndexRecord(ctx context.Context, rec *models.IndexRecord) error {
	now := time.Now()
	query := `
		INSERT INTO rag_index (document_id, collection, embedding_model, chunk_count, ready, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, collection) DO UPDATE SET
			embedding_model = excluded.embedding_model,
			chunk_count = excluded.chunk_count,
			ready = excluded.ready,
			updated_at = excluded.updated_at
	`
	_, err := c.db.ExecContext(ctx, query,
		rec.DocumentID,
		rec.Collection,
		rec.EmbeddingModel,
		rec.ChunkCount,
		boolInt(rec.Ready),
		now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert index record: %w", err)
	}
	rec.UpdatedAt = now

	logger.Debug("Index record upserted",
		zap.Int64("document_id", rec.DocumentID),
		zap.String("collection", rec.Collection),
		zap.Int("chunk_count", rec.ChunkCount),
	)
	return nil
}

func (c *Client) IndexRecords(ctx context.Context, documentID int64) ([]models.IndexRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, document_id, collection, embedding_model, chunk_count, ready, updated_at
		 FROM rag_index WHERE document_id = ? ORDER BY id`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query index records: %w", err)
	}
	defer rows.Close()

	var records []models.IndexRecord
	for rows.Next() {
		var r models.IndexRecord
		var ready int
		var updatedAt int64
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Collection, &r.EmbeddingModel, &r.ChunkCount, &ready, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan index record: %w", err)
		}
		r.Ready = ready == 1
		r.UpdatedAt = time.Unix(updatedAt, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}

// FilterDeleted keeps the ids whose document or owning chat is deleted.
// Documents with no row at all are kept as well: their index rows are
// orphans.
func (c *Client) FilterDeleted(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT d.id
		FROM documents d
		LEFT JOIN chats ch ON ch.id = d.chat_id
		WHERE d.id IN (` + placeholders(len(ids)) + `)
		  AND d.deleted = 0
		  AND COALESCE(ch.deleted, 1) = 0`

	rows, err := c.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter deleted documents: %w", err)
	}
	live := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		live[id] = struct{}{}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// IndexRefs lists the distinct (document, collection) pairs for ids.
func (c *Client) IndexRefs(ctx context.Context, ids []int64) ([]models.IndexRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT document_id, collection FROM rag_index WHERE document_id IN (`+placeholders(len(ids))+`) ORDER BY collection, document_id`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query index refs: %w", err)
	}
	defer rows.Close()

	var refs []models.IndexRef
	for rows.Next() {
		var r models.IndexRef
		if err := rows.Scan(&r.DocumentID, &r.Collection); err != nil {
			return nil, fmt.Errorf("failed to scan index ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// DeleteIndexRefs removes the rag_index rows named by refs, matching the
// collection exactly as stored.
func (c *Client) DeleteIndexRefs(ctx context.Context, refs []models.IndexRef) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin index delete: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM rag_index WHERE document_id = ? AND collection = ?`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare index delete: %w", err)
	}
	defer stmt.Close()

	var total int64
	for _, ref := range refs {
		res, err := stmt.ExecContext(ctx, ref.DocumentID, ref.Collection)
		if err != nil {
			return 0, fmt.Errorf("failed to delete index record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit index delete: %w", err)
	}
	return total, nil
}

// DeletedDocumentIDs lists every document that is deleted or sits in a
// deleted chat.
func (c *Client) DeletedDocumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT d.id
		FROM documents d
		LEFT JOIN chats ch ON ch.id = d.chat_id
		WHERE d.deleted = 1 OR COALESCE(ch.deleted, 1) = 1
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted documents: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeDeleted hard-deletes documents deleted before cutoff that have no index
// rows left, then chats deleted before cutoff that have no documents left.
func (c *Client) PurgeDeleted(ctx context.Context, cutoff time.Time) (docs int64, chats int64, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM documents
		WHERE updated_at < ?
		  AND (deleted = 1 OR chat_id IN (SELECT id FROM chats WHERE deleted = 1))
		  AND NOT EXISTS (SELECT 1 FROM rag_index ri WHERE ri.document_id = documents.id)`,
		cutoff.Unix(),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge documents: %w", err)
	}
	if docs, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}

	res, err = tx.ExecContext(ctx, `
		DELETE FROM chats
		WHERE deleted = 1 AND updated_at < ?
		  AND NOT EXISTS (SELECT 1 FROM documents d WHERE d.chat_id = chats.id)`,
		cutoff.Unix(),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge chats: %w", err)
	}
	if chats, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return docs, chats, nil
}

// PurgeChat hard-deletes one deleted chat and its documents, provided no
// index rows still point at them. It reports whether the chat row is gone.
func (c *Client) PurgeChat(ctx context.Context, chatID string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM documents
		WHERE chat_id = ?
		  AND chat_id IN (SELECT id FROM chats WHERE deleted = 1)
		  AND NOT EXISTS (SELECT 1 FROM rag_index ri WHERE ri.document_id = documents.id)`,
		chatID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to purge chat documents: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM chats
		WHERE id = ? AND deleted = 1
		  AND NOT EXISTS (SELECT 1 FROM documents d WHERE d.chat_id = chats.id)`,
		chatID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to purge chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit purge: %w", err)
	}
	return n > 0, nil
}
