package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/tutorgo-dev/tutorgo/pkg/state"
)

// Task update errors. The two not-found cases are distinct so callers
// can report them differently.
var (
	// ErrNoTasks means the session has no task collection at all.
	ErrNoTasks = errors.New("session has no tasks")
	// ErrTaskNotFound means the collection exists but no task matches
	// the (date, taskNo) key.
	ErrTaskNotFound = errors.New("task not found")
)

// ErrInvalidPersona is returned for a persona value other than "T" or "F".
var ErrInvalidPersona = errors.New("invalid persona type")

// UpdateTask flips the completion flag of the task identified by
// (date, taskNo) and checkpoints the session. The state is unchanged on
// any error.
func (c *Cache) UpdateTask(ctx context.Context, sessionID, date string, taskNo int, completed bool) error {
	e, err := c.Resolve(ctx, sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.gen.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(st.Tasks) == 0 {
		return ErrNoTasks
	}

	updated := make([]state.Task, len(st.Tasks))
	copy(updated, st.Tasks)
	found := false
	for i := range updated {
		if updated[i].Date == date && updated[i].TaskNo == taskNo {
			updated[i].Completed = completed
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s #%d", ErrTaskNotFound, date, taskNo)
	}

	st.SessionID = sessionID
	st.Apply(state.Delta{Tasks: updated})
	return e.gen.Save(ctx, st)
}

// Tasks returns a copy of the session's current task list.
func (c *Cache) Tasks(ctx context.Context, sessionID string) ([]state.Task, error) {
	e, err := c.Resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.gen.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	out := make([]state.Task, len(st.Tasks))
	copy(out, st.Tasks)
	return out, nil
}

// PersonaType returns the session's current persona type.
func (c *Cache) PersonaType(ctx context.Context, sessionID string) (string, error) {
	e, err := c.Resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.gen.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return st.PersonaType, nil
}

// SetPersonaType sets the session's persona type and checkpoints it.
// Only state.PersonaT and state.PersonaF are accepted.
func (c *Cache) SetPersonaType(ctx context.Context, sessionID, persona string) error {
	if !state.ValidPersona(persona) {
		return fmt.Errorf("%w: %q", ErrInvalidPersona, persona)
	}

	e, err := c.Resolve(ctx, sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.gen.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	st.SessionID = sessionID
	st.Apply(state.Delta{PersonaType: persona})
	return e.gen.Save(ctx, st)
}
