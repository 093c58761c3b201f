package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tutorgo-dev/tutorgo/pkg/state"
)

// ErrInvalidPathComponent is returned when a session id contains unsafe
// characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path
// component. It rejects empty strings, path separators, and traversal
// sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store using one JSON snapshot file per generation.
// Storage layout:
//
//	<baseDir>/
//	  └── <session-id>_<unix-ts>.json
//
// The file modification time is the generation's last-write time.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool

	// now is swappable for tests.
	now func() time.Time
}

// NewFileStore creates a file-based checkpoint store rooted at baseDir.
// If baseDir is empty, uses ~/.tutorgo/checkpoints.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".tutorgo", "checkpoints")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		now:     time.Now,
	}, nil
}

// generationPath builds the snapshot file path for (sessionID, ts).
func (f *FileStore) generationPath(sessionID string, ts int64) string {
	return filepath.Join(f.baseDir, fmt.Sprintf("%s_%d.json", sessionID, ts))
}

// parseGenerationName splits "<session-id>_<unix-ts>.json" on the last
// underscore, so session ids containing underscores stay intact.
func parseGenerationName(name string) (sessionID string, ts int64, ok bool) {
	base, found := strings.CutSuffix(name, ".json")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndex(base, "_")
	if i <= 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], ts, true
}

// OpenLatest opens the session's most recent generation, creating a fresh
// one stamped "now" when none exists.
func (f *FileStore) OpenLatest(ctx context.Context, sessionID string) (Generation, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, false, ErrStoreClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, false, fmt.Errorf("invalid session ID: %w", err)
	}

	infos, err := f.listSessionLocked(sessionID)
	if err != nil {
		return nil, false, err
	}

	if len(infos) > 0 {
		return &fileGeneration{store: f, sessionID: sessionID, ts: infos[0].Timestamp}, false, nil
	}

	ts := f.now().Unix()
	gen := &fileGeneration{store: f, sessionID: sessionID, ts: ts}
	// Materialize the file so the generation is visible to listings
	// before the first turn completes.
	if err := gen.save(state.New(sessionID)); err != nil {
		return nil, false, err
	}
	return gen, true, nil
}

// ListGenerations returns the session's generations, most recent first.
func (f *FileStore) ListGenerations(ctx context.Context, sessionID string) ([]GenerationInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}
	return f.listSessionLocked(sessionID)
}

func (f *FileStore) listSessionLocked(sessionID string) ([]GenerationInfo, error) {
	all, err := f.listAllLocked()
	if err != nil {
		return nil, err
	}
	infos := make([]GenerationInfo, 0, len(all))
	for _, info := range all {
		if info.SessionID == sessionID {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// ListAll returns every generation across all sessions, most recent first.
func (f *FileStore) ListAll(ctx context.Context) ([]GenerationInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.listAllLocked()
}

func (f *FileStore) listAllLocked() ([]GenerationInfo, error) {
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []GenerationInfo{}, nil
		}
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	infos := make([]GenerationInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sessionID, ts, ok := parseGenerationName(entry.Name())
		if !ok {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, GenerationInfo{
			SessionID: sessionID,
			Timestamp: ts,
			LastWrite: fi.ModTime(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp > infos[j].Timestamp
	})
	return infos, nil
}

// DeleteGeneration removes one generation's snapshot file.
func (f *FileStore) DeleteGeneration(ctx context.Context, sessionID string, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	path := f.generationPath(sessionID, ts)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrGenerationNotFound
		}
		return fmt.Errorf("delete generation: %w", err)
	}
	return nil
}

// Close releases the store. Open generation handles remain usable until
// closed; only new store operations are refused.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// fileGeneration is an open handle to one snapshot file.
type fileGeneration struct {
	store     *FileStore
	sessionID string
	ts        int64
	mu        sync.Mutex
	closed    bool
}

func (g *fileGeneration) SessionID() string { return g.sessionID }
func (g *fileGeneration) Timestamp() int64  { return g.ts }

// Load reads the current snapshot. A missing file loads as an empty
// state so a freshly created generation is immediately usable.
func (g *fileGeneration) Load(ctx context.Context) (*state.ConversationState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(g.store.generationPath(g.sessionID, g.ts)) // #nosec G304 - path components validated
	if err != nil {
		if os.IsNotExist(err) {
			return state.New(g.sessionID), nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var st state.ConversationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &st, nil
}

// Save writes a new snapshot, replacing the previous one.
func (g *fileGeneration) Save(ctx context.Context, st *state.ConversationState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrStoreClosed
	}
	return g.save(st)
}

func (g *fileGeneration) save(st *state.ConversationState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(g.store.generationPath(g.sessionID, g.ts), data, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Close releases the handle without touching durable data.
func (g *fileGeneration) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	return nil
}
