package state

import (
	"log"
	"time"

	"github.com/google/uuid"
)

// Transient provider scratch fields stripped during normalization. These
// must not be persisted or replayed into later model calls.
var strippedMetadata = []string{"function_call", "reasoning"}

// Normalize coerces a batch of messages into canonical form: every
// message and tool call receives a stable identity if it lacks one,
// transient provider scratch metadata is removed, and messages that fail
// validation are dropped and logged. The input is not mutated.
func Normalize(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Kind.Valid() {
			log.Printf("state: dropping message with unknown kind %q (id=%q)", m.Kind, m.ID)
			continue
		}
		if m.Kind == KindRemove && m.ID == "" {
			log.Printf("state: dropping removal marker without a target identity")
			continue
		}
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]ToolCall, len(m.ToolCalls))
			copy(calls, m.ToolCalls)
			for i := range calls {
				if calls[i].ID == "" {
					calls[i].ID = uuid.New().String()
				}
			}
			m.ToolCalls = calls
		}
		if m.Metadata != nil {
			meta := make(map[string]any, len(m.Metadata))
			for k, v := range m.Metadata {
				meta[k] = v
			}
			for _, k := range strippedMetadata {
				delete(meta, k)
			}
			if len(meta) == 0 {
				meta = nil
			}
			m.Metadata = meta
		}
		out = append(out, m)
	}
	return out
}

// MergeMessages reconciles an existing message sequence with an incoming
// batch. Both sides are normalized first. If the incoming batch contains
// the RemoveAll sentinel, the result is exactly the incoming subsequence
// after the sentinel: a full reset, not a merge. Otherwise the merge is
// an ordered upsert over the existing sequence: a removal marker flags
// its target for deletion (unknown targets are logged and ignored), a
// known identity is replaced in place and any pending deletion for it is
// cancelled, and a new identity is appended preserving relative order.
func MergeMessages(existing, incoming []Message) []Message {
	left := Normalize(existing)
	right := Normalize(incoming)

	for i, m := range right {
		if m.Kind == KindRemove && m.ID == RemoveAll {
			return right[i+1:]
		}
	}

	merged := left
	indexByID := make(map[string]int, len(merged))
	for i, m := range merged {
		indexByID[m.ID] = i
	}
	toRemove := make(map[string]struct{})

	for _, m := range right {
		if i, ok := indexByID[m.ID]; ok {
			if m.Kind == KindRemove {
				toRemove[m.ID] = struct{}{}
			} else {
				delete(toRemove, m.ID)
				merged[i] = m
			}
			continue
		}
		if m.Kind == KindRemove {
			log.Printf("state: removal of unknown message id=%q ignored", m.ID)
			continue
		}
		indexByID[m.ID] = len(merged)
		merged = append(merged, m)
	}

	if len(toRemove) == 0 {
		return merged
	}
	kept := merged[:0]
	for _, m := range merged {
		if _, gone := toRemove[m.ID]; !gone {
			kept = append(kept, m)
		}
	}
	return kept
}

// taskDateFormat is the calendar format Task.Date must parse as.
const taskDateFormat = "2006-01-02"

// ValidateTask checks that a task carries the fields the planner is
// required to populate.
func ValidateTask(t Task) error {
	if _, err := time.Parse(taskDateFormat, t.Date); err != nil {
		return &TaskError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if t.TaskNo < 1 {
		return &TaskError{Field: "taskNo", Reason: "must be >= 1"}
	}
	if t.Title == "" {
		return &TaskError{Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// TaskError describes a task field that failed validation.
type TaskError struct {
	Field  string
	Reason string
}

func (e *TaskError) Error() string {
	return "invalid task: " + e.Field + " " + e.Reason
}

// MergeTasks replaces the existing task collection with the incoming one.
// Task plans are produced holistically by a single planning step per
// turn, so last-writer-wins: callers must submit the full intended
// collection, and a partial submission silently loses untouched tasks.
// Invalid entries are dropped and logged; the rest of the batch proceeds.
func MergeTasks(_, incoming []Task) []Task {
	out := make([]Task, 0, len(incoming))
	for _, t := range incoming {
		if err := ValidateTask(t); err != nil {
			log.Printf("state: dropping task %s#%d: %v", t.Date, t.TaskNo, err)
			continue
		}
		out = append(out, t)
	}
	return out
}

// Apply folds a delta into the state using the field-appropriate merge
// policy. The state is mutated in place; the delta is not.
func (s *ConversationState) Apply(d Delta) {
	if d.Messages != nil {
		s.Messages = MergeMessages(s.Messages, d.Messages)
	}
	if d.Tasks != nil {
		s.Tasks = MergeTasks(s.Tasks, d.Tasks)
	}
	if d.PersonaType != "" && ValidPersona(d.PersonaType) {
		s.PersonaType = d.PersonaType
	}
}
