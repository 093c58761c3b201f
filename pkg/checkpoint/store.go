// Package checkpoint provides durable, generation-addressed storage for
// session conversation state. A generation is one snapshot lineage of a
// session, identified by (session id, creation timestamp); a session may
// accumulate several across its lifetime, and only the most recent
// non-expired one is authoritative for resumption.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/tutorgo-dev/tutorgo/pkg/state"
)

// Common errors for store operations.
var (
	// ErrGenerationNotFound is returned when a generation doesn't exist.
	ErrGenerationNotFound = errors.New("generation not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("checkpoint store is closed")
)

// Generation is an open handle to one durable snapshot lineage.
// A handle is bound to exactly one live session entry at a time.
type Generation interface {
	// SessionID returns the owning session identifier.
	SessionID() string

	// Timestamp returns the creation time (unix seconds) that
	// distinguishes this generation from others of the same session.
	Timestamp() int64

	// Load reads the current snapshot. A generation that has never been
	// written loads as an empty state.
	Load(ctx context.Context) (*state.ConversationState, error)

	// Save writes a new snapshot, replacing the previous one.
	Save(ctx context.Context, st *state.ConversationState) error

	// Close releases the handle. It does not delete durable data.
	Close() error
}

// GenerationInfo describes a durable generation for listing and expiry.
type GenerationInfo struct {
	// SessionID is the owning session.
	SessionID string
	// Timestamp is the generation creation time (unix seconds).
	Timestamp int64
	// LastWrite is the time of the most recent snapshot write; expiry is
	// measured against it.
	LastWrite time.Time
}

// Store abstracts durable generation storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// OpenLatest opens the most recently created generation for the
	// session, creating a fresh generation stamped "now" when none
	// exists. The boolean reports whether a new generation was created.
	// It fails only when the storage medium is unreachable.
	OpenLatest(ctx context.Context, sessionID string) (Generation, bool, error)

	// ListGenerations returns the session's generations, most recent
	// first.
	ListGenerations(ctx context.Context, sessionID string) ([]GenerationInfo, error)

	// ListAll returns every generation across all sessions, for sweeps.
	ListAll(ctx context.Context) ([]GenerationInfo, error)

	// DeleteGeneration removes one generation's durable data.
	// Returns ErrGenerationNotFound if it doesn't exist.
	DeleteGeneration(ctx context.Context, sessionID string, timestamp int64) error

	// Close releases any resources held by the store.
	Close() error
}
