package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	internalobs "github.com/tutorgo-dev/tutorgo/internal/observability"
	"github.com/tutorgo-dev/tutorgo/pkg/observability"
	"github.com/tutorgo-dev/tutorgo/pkg/state"
)

// Stepper executes one agent step against the session's conversation
// state. Implementations stream deltas over the returned channel and
// close it when the step completes; they must not mutate st.
type Stepper interface {
	Step(ctx context.Context, st *state.ConversationState, input state.Message) (<-chan StepResult, error)
}

// StepResult is one streamed increment of an agent step: either a state
// delta to fold, or an error.
type StepResult struct {
	Delta state.Delta
	Err   error
}

// Event types emitted over a turn stream.
const (
	EventMessage    = "message"
	EventTool       = "tool"
	EventTaskUpdate = "task_update"
	EventError      = "error"
	EventEnd        = "end"
)

// StreamEndText is the terminal payload of every turn stream.
const StreamEndText = "[STREAM_END]"

// Event is one transport-visible item of a streamed turn.
type Event struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ToolName string `json:"tool_name,omitempty"`
	Agent    string `json:"response_agent"`
}

const tutorAgent = "tutor"

// RunTurn executes one conversation turn: resolve the session, fold the
// user message into its state, stream the stepper's deltas through emit,
// checkpoint the final state, then emit the task snapshot and the end
// marker. Step errors are surfaced as error events and do not lose the
// turn's durable progress; the stream always terminates with EventEnd.
func (c *Cache) RunTurn(ctx context.Context, sessionID, prompt string, emit func(Event)) error {
	start := time.Now()
	ctx, span := internalobs.StartSpan(ctx, "session.turn", map[string]string{
		"session.id": sessionID,
	})
	defer span.End()

	// Opportunistic sweep so expired generations never get resumed.
	if _, err := c.SweepExpired(ctx); err != nil {
		log.Printf("session %s: pre-turn sweep: %v", sessionID, err)
	}

	e, err := c.Resolve(ctx, sessionID)
	if err != nil {
		observability.RecordTurn("error", time.Since(start))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.gen.Load(ctx)
	if err != nil {
		observability.RecordTurn("error", time.Since(start))
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	st.SessionID = sessionID

	input := state.Normalize([]state.Message{{
		Kind:    state.KindUser,
		Content: prompt,
	}})[0]
	st.Apply(state.Delta{Messages: []state.Message{input}})

	results, err := e.stepper.Step(ctx, st, input)
	if err != nil {
		emit(Event{Type: EventError, Text: err.Error(), Agent: tutorAgent})
		emit(Event{Type: EventEnd, Text: StreamEndText, Agent: tutorAgent})
		observability.RecordTurn("error", time.Since(start))
		return err
	}

	status := "ok"
	for r := range results {
		if r.Err != nil {
			status = "error"
			log.Printf("session %s: step: %v", sessionID, r.Err)
			emit(Event{Type: EventError, Text: r.Err.Error(), Agent: tutorAgent})
			continue
		}
		st.Apply(r.Delta)
		observability.RecordDeltaFolded()
		emitDeltaEvents(emit, r.Delta)
	}

	if err := e.gen.Save(ctx, st); err != nil {
		emit(Event{Type: EventError, Text: "failed to save session", Agent: tutorAgent})
		emit(Event{Type: EventEnd, Text: StreamEndText, Agent: tutorAgent})
		observability.RecordTurn("error", time.Since(start))
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}

	if len(st.Tasks) > 0 {
		if payload, err := json.Marshal(st.Tasks); err == nil {
			emit(Event{Type: EventTaskUpdate, Text: string(payload), Agent: tutorAgent})
		} else {
			log.Printf("session %s: marshal tasks: %v", sessionID, err)
		}
	}
	emit(Event{Type: EventEnd, Text: StreamEndText, Agent: tutorAgent})

	observability.RecordTurn(status, time.Since(start))
	return nil
}

// emitDeltaEvents forwards the visible parts of a delta: assistant text
// as message events, tool output as tool events. User and system
// messages and removals stay internal.
func emitDeltaEvents(emit func(Event), d state.Delta) {
	for _, m := range d.Messages {
		switch m.Kind {
		case state.KindAssistant:
			if m.Content != "" {
				emit(Event{Type: EventMessage, Text: m.Content, Agent: tutorAgent})
			}
		case state.KindTool:
			emit(Event{Type: EventTool, Text: m.Content, ToolName: m.ToolName, Agent: tutorAgent})
		}
	}
}
