// Package textbook provides page-addressed access to a session's study
// material. It is the boundary to the document-ingestion subsystem: how
// pages get extracted and embedded is out of scope here; this package
// only stores and serves them by page number.
package textbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MaxFetchPages is the hard cap on the width of one content fetch.
// Wider ranges are rejected before touching storage.
const MaxFetchPages = 20

// Common errors for textbook operations.
var (
	// ErrNotFound is returned when a session has no book, or a page
	// range contains no content.
	ErrNotFound = errors.New("textbook content not found")
	// ErrRangeTooWide is returned when a fetch exceeds MaxFetchPages.
	ErrRangeTooWide = fmt.Errorf("page range wider than %d pages", MaxFetchPages)
	// ErrInvalidRange is returned for non-positive or inverted ranges.
	ErrInvalidRange = errors.New("invalid page range")
)

// Page is one page of study material.
type Page struct {
	// Number is the 1-based page number.
	Number int `json:"number"`
	// Content is the extracted page text.
	Content string `json:"content"`
}

// Book describes a session's uploaded study material.
type Book struct {
	// Title is the source document name.
	Title string `json:"title"`
	// TotalPages is the page count of the source document.
	TotalPages int `json:"totalPages"`
	// UploadedAt is when the material was ingested.
	UploadedAt time.Time `json:"uploadedAt"`
}

// Store serves study material by page number, per session.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put replaces the session's study material.
	Put(ctx context.Context, sessionID string, book Book, pages []Page) error

	// Fetch returns the pages in [start, end], in page order. The range
	// width is capped at MaxFetchPages. Returns ErrNotFound when the
	// session has no book or the range holds no content.
	Fetch(ctx context.Context, sessionID string, start, end int) ([]Page, error)

	// Info returns the session's book description, or ErrNotFound.
	Info(ctx context.Context, sessionID string) (*Book, error)

	// Close releases any resources held by the store.
	Close() error
}

// validateRange applies the shared range rules for Fetch.
func validateRange(start, end int) error {
	if start < 1 || end < start {
		return ErrInvalidRange
	}
	if end-start+1 > MaxFetchPages {
		return ErrRangeTooWide
	}
	return nil
}

// MemoryStore is an in-memory Store for single-node deployments and
// tests.
type MemoryStore struct {
	mu    sync.RWMutex
	books map[string]*memoryBook
}

type memoryBook struct {
	info  Book
	pages map[int]Page
}

// NewMemoryStore creates an empty in-memory textbook store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{books: make(map[string]*memoryBook)}
}

// Put replaces the session's study material.
func (m *MemoryStore) Put(ctx context.Context, sessionID string, book Book, pages []Page) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	indexed := make(map[int]Page, len(pages))
	for _, p := range pages {
		if p.Number < 1 {
			return fmt.Errorf("invalid page number %d", p.Number)
		}
		indexed[p.Number] = p
	}
	if book.TotalPages == 0 {
		book.TotalPages = len(indexed)
	}
	if book.UploadedAt.IsZero() {
		book.UploadedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[sessionID] = &memoryBook{info: book, pages: indexed}
	return nil
}

// Fetch returns the pages in [start, end], in page order.
func (m *MemoryStore) Fetch(ctx context.Context, sessionID string, start, end int) ([]Page, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	pages := make([]Page, 0, end-start+1)
	for n := start; n <= end; n++ {
		if p, ok := book.pages[n]; ok {
			pages = append(pages, p)
		}
	}
	if len(pages) == 0 {
		return nil, ErrNotFound
	}
	return pages, nil
}

// Info returns the session's book description.
func (m *MemoryStore) Info(ctx context.Context, sessionID string) (*Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	info := book.info
	return &info, nil
}

// Close releases the store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[string]*memoryBook)
	return nil
}
