package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tutorgo-dev/tutorgo/pkg/state"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFileStoreOpenLatestCreates(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	gen, isNew, err := store.OpenLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("OpenLatest() error = %v", err)
	}
	if !isNew {
		t.Error("OpenLatest() isNew = false, want true for a fresh session")
	}
	if gen.SessionID() != "s1" {
		t.Errorf("SessionID() = %v, want s1", gen.SessionID())
	}

	st, err := gen.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(st.Messages) != 0 {
		t.Errorf("fresh generation has %d messages, want 0", len(st.Messages))
	}
	if st.PersonaType != state.PersonaT {
		t.Errorf("PersonaType = %v, want default %v", st.PersonaType, state.PersonaT)
	}
	_ = gen.Close()
}

func TestFileStoreOpenLatestResumes(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	gen, _, err := store.OpenLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("OpenLatest() error = %v", err)
	}

	st := state.New("s1")
	st.Apply(state.Delta{Messages: []state.Message{
		{ID: "m1", Kind: state.KindUser, Content: "hi"},
	}})
	if err := gen.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	_ = gen.Close()

	resumed, isNew, err := store.OpenLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("OpenLatest() error = %v", err)
	}
	if isNew {
		t.Error("OpenLatest() isNew = true, want false after a save")
	}
	if resumed.Timestamp() != gen.Timestamp() {
		t.Errorf("Timestamp() = %v, want %v", resumed.Timestamp(), gen.Timestamp())
	}

	loaded, err := resumed.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].ID != "m1" {
		t.Errorf("Load() messages = %+v, want the saved message", loaded.Messages)
	}
	_ = resumed.Close()
}

func TestFileStoreOpenLatestPicksNewest(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	// Force distinct creation timestamps.
	base := time.Now().Add(-time.Hour)
	for i := range 3 {
		stamp := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return stamp }
		gen, _, err := store.OpenLatest(ctx, "s1")
		if err != nil {
			t.Fatalf("OpenLatest() error = %v", err)
		}
		if i < 2 {
			// Delete so the next open creates a newer generation.
			if err := store.DeleteGeneration(ctx, "s1", gen.Timestamp()); err != nil {
				t.Fatalf("DeleteGeneration() error = %v", err)
			}
		}
		_ = gen.Close()
	}

	want := base.Add(2 * time.Minute).Unix()
	gen, isNew, err := store.OpenLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("OpenLatest() error = %v", err)
	}
	if isNew {
		t.Error("OpenLatest() isNew = true, want false")
	}
	if gen.Timestamp() != want {
		t.Errorf("Timestamp() = %v, want %v", gen.Timestamp(), want)
	}
	_ = gen.Close()
}

func TestFileStoreListAll(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "with_underscore"} {
		gen, _, err := store.OpenLatest(ctx, id)
		if err != nil {
			t.Fatalf("OpenLatest(%q) error = %v", id, err)
		}
		_ = gen.Close()
	}

	infos, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("ListAll() returned %d generations, want 3", len(infos))
	}

	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.SessionID] = true
		if info.LastWrite.IsZero() {
			t.Errorf("generation %s/%d has zero LastWrite", info.SessionID, info.Timestamp)
		}
	}
	if !seen["with_underscore"] {
		t.Error("session id containing an underscore was not round-tripped")
	}
}

func TestFileStoreDeleteGeneration(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	gen, _, err := store.OpenLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("OpenLatest() error = %v", err)
	}
	_ = gen.Close()

	if err := store.DeleteGeneration(ctx, "s1", gen.Timestamp()); err != nil {
		t.Fatalf("DeleteGeneration() error = %v", err)
	}
	if err := store.DeleteGeneration(ctx, "s1", gen.Timestamp()); !errors.Is(err, ErrGenerationNotFound) {
		t.Errorf("DeleteGeneration() error = %v, want ErrGenerationNotFound", err)
	}

	infos, err := store.ListGenerations(ctx, "s1")
	if err != nil {
		t.Fatalf("ListGenerations() error = %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("ListGenerations() returned %d generations, want 0", len(infos))
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "../evil", "a/b", `a\b`} {
		if _, _, err := store.OpenLatest(ctx, id); err == nil {
			t.Errorf("OpenLatest(%q) error = nil, want path validation error", id)
		}
	}
}

func TestFileStoreClosed(t *testing.T) {
	store := newTestFileStore(t)
	_ = store.Close()

	if _, _, err := store.OpenLatest(context.Background(), "s1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("OpenLatest() after Close error = %v, want ErrStoreClosed", err)
	}
}
