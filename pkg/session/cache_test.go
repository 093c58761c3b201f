package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorgo-dev/tutorgo/pkg/checkpoint"
	"github.com/tutorgo-dev/tutorgo/pkg/state"
)

type stubStepper struct {
	results []StepResult
	stepErr error
}

func (s *stubStepper) Step(ctx context.Context, st *state.ConversationState, input state.Message) (<-chan StepResult, error) {
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	ch := make(chan StepResult, len(s.results))
	for _, r := range s.results {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func newTestCache(t *testing.T, stepper Stepper) (*Cache, *atomic.Int32) {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	var constructions atomic.Int32
	factory := func(sessionID string) (Stepper, error) {
		constructions.Add(1)
		return stepper, nil
	}
	c := NewCache(store, factory, 0)
	t.Cleanup(func() { c.Close() })
	return c, &constructions
}

func TestResolveCreatesThenHits(t *testing.T) {
	c, constructions := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	e1, err := c.Resolve(ctx, "student-1")
	require.NoError(t, err)
	e2, err := c.Resolve(ctx, "student-1")
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Equal(t, int32(1), constructions.Load())
	assert.Equal(t, 1, c.Live())
}

func TestResolveConcurrentSingleConstruction(t *testing.T) {
	c, constructions := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	const callers = 20
	entries := make([]*Entry, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Resolve(ctx, "student-1")
			require.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), constructions.Load())
	for _, e := range entries[1:] {
		assert.Same(t, entries[0], e)
	}
}

func TestEvictThenResolveResumesGeneration(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	e1, err := c.Resolve(ctx, "student-1")
	require.NoError(t, err)
	ts := e1.Generation().Timestamp()

	require.NoError(t, c.Evict(ctx, "student-1"))
	assert.Equal(t, 0, c.Live())

	// Eviction only drops the in-memory entry. The durable generation
	// is resumed on the next resolve.
	e2, err := c.Resolve(ctx, "student-1")
	require.NoError(t, err)
	assert.NotSame(t, e1, e2)
	assert.Equal(t, ts, e2.Generation().Timestamp())
}

func TestEvictAbsentIsNoOp(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	assert.NoError(t, c.Evict(context.Background(), "never-seen"))
}

func TestSweepSparesLiveGeneration(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	_, err := c.Resolve(ctx, "student-1")
	require.NoError(t, err)

	// Age everything past the TTL from the sweeper's point of view.
	c.now = func() time.Time { return time.Now().Add(c.ttl + time.Hour) }

	stats, err := c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)
	assert.Equal(t, 1, stats.SkippedLive)

	// Once evicted the generation is fair game.
	require.NoError(t, c.Evict(ctx, "student-1"))
	stats, err = c.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 0, stats.SkippedLive)
}

func TestResolveSkipsExpiredGeneration(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	e1, err := c.Resolve(ctx, "student-1")
	require.NoError(t, err)
	require.NoError(t, e1.Generation().Save(ctx, &state.ConversationState{
		SessionID:   "student-1",
		Messages:    []state.Message{{ID: "m1", Kind: state.KindUser, Content: "hi"}},
		PersonaType: state.PersonaT,
	}))
	require.NoError(t, c.Evict(ctx, "student-1"))

	// An expired generation is pruned on resolve, not resumed.
	c.now = func() time.Time { return time.Now().Add(c.ttl + time.Hour) }
	e2, err := c.Resolve(ctx, "student-1")
	require.NoError(t, err)

	st, err := e2.Generation().Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Messages)
}

func TestResolveAfterClose(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	require.NoError(t, c.Close())
	_, err := c.Resolve(context.Background(), "student-1")
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestUpdateTaskNoTasks(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	err := c.UpdateTask(context.Background(), "student-1", "2026-03-01", 1, true)
	assert.ErrorIs(t, err, ErrNoTasks)

	// The failed update must not have created tasks as a side effect.
	tasks, terr := c.Tasks(context.Background(), "student-1")
	require.NoError(t, terr)
	assert.Empty(t, tasks)
}

func TestUpdateTaskNotFound(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	seedTasks(t, c, "student-1", []state.Task{
		{Month: "03", Date: "2026-03-01", TaskNo: 1, StartPage: 1, EndPage: 10, Title: "Cell structure"},
	})

	err := c.UpdateTask(ctx, "student-1", "2026-03-02", 9, true)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	tasks, err := c.Tasks(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].Completed)
}

func TestUpdateTaskFlipsFlagAndPersists(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	seedTasks(t, c, "student-1", []state.Task{
		{Month: "03", Date: "2026-03-01", TaskNo: 1, StartPage: 1, EndPage: 10, Title: "Cell structure"},
		{Month: "03", Date: "2026-03-01", TaskNo: 2, StartPage: 11, EndPage: 20, Title: "Photosynthesis"},
	})

	require.NoError(t, c.UpdateTask(ctx, "student-1", "2026-03-01", 2, true))

	// Survives eviction: the flag was checkpointed, not just cached.
	require.NoError(t, c.Evict(ctx, "student-1"))
	tasks, err := c.Tasks(ctx, "student-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.False(t, tasks[0].Completed)
	assert.True(t, tasks[1].Completed)
}

func TestPersonaTypeRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, &stubStepper{})
	ctx := context.Background()

	got, err := c.PersonaType(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, state.PersonaT, got)

	require.NoError(t, c.SetPersonaType(ctx, "student-1", state.PersonaF))
	got, err = c.PersonaType(ctx, "student-1")
	require.NoError(t, err)
	assert.Equal(t, state.PersonaF, got)

	err = c.SetPersonaType(ctx, "student-1", "X")
	assert.ErrorIs(t, err, ErrInvalidPersona)
}

func seedTasks(t *testing.T, c *Cache, sessionID string, tasks []state.Task) {
	t.Helper()
	ctx := context.Background()
	e, err := c.Resolve(ctx, sessionID)
	require.NoError(t, err)
	st, err := e.Generation().Load(ctx)
	require.NoError(t, err)
	st.SessionID = sessionID
	st.Apply(state.Delta{Tasks: tasks})
	require.NoError(t, e.Generation().Save(ctx, st))
}
