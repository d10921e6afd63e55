package models

import (
	"strings"
	"time"
)

const (
	SourceUpload     = "upload"
	SourceInline     = "inline"
	SourcePaste      = "paste"
	SourceImage      = "image"
	SourceValidation = "validation"
)

// AlwaysReady reports whether documents from source never go through the
// indexer and count as retrievable as soon as they exist.
func AlwaysReady(source string) bool {
	switch source {
	case SourceInline, SourcePaste, SourceImage:
		return true
	}
	return false
}

func IsImageMime(mime string) bool {
	return strings.HasPrefix(strings.ToLower(mime), "image/")
}

type Chat struct {
	ID        string
	User      string
	Title     string
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Document struct {
	ID                int64
	ChatID            string
	Name              string
	MimeType          string
	Content           string
	TokenLength       int
	Source            string
	Enabled           bool
	Deleted           bool
	FullTextAvailable bool
	FileSHA256        string
	ContentSHA256     string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IndexRecord marks a document's content as present in one vector
// collection.
type IndexRecord struct {
	ID             int64
	DocumentID     int64
	Collection     string
	EmbeddingModel string
	ChunkCount     int
	Ready          bool
	UpdatedAt      time.Time
}

// Readiness is the authoritative ready flag for one owned, live document.
type Readiness struct {
	DocumentID int64
	Source     string
	Ready      bool
}

// IndexRef is one (document, collection) pair to be removed from the vector
// store.
type IndexRef struct {
	DocumentID int64
	Collection string
}
