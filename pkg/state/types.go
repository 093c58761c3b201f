// Package state defines the per-session conversation state for tutor
// sessions and the merge engine that folds agent-step deltas into it.
// The package is pure: no I/O, no shared mutable state.
package state

// Kind identifies the role of a message in the conversation sequence.
type Kind string

const (
	// KindUser is a message authored by the end user.
	KindUser Kind = "user"
	// KindAssistant is a model-authored message.
	KindAssistant Kind = "assistant"
	// KindTool is the result of a tool invocation.
	KindTool Kind = "tool"
	// KindSystem is an instruction message.
	KindSystem Kind = "system"
	// KindRemove is a tombstone: it signals deletion of another message
	// by identity and carries no content of its own.
	KindRemove Kind = "remove"
)

// Valid reports whether k is one of the closed set of message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAssistant, KindTool, KindSystem, KindRemove:
		return true
	}
	return false
}

// RemoveAll is the reserved message identity meaning "discard everything
// before this point". A KindRemove message carrying this identity resets
// the sequence to whatever follows it in the incoming batch.
const RemoveAll = "__remove_all__"

// ToolCall is a pending tool invocation recorded on an assistant message.
// IDs are stable once assigned and are filled in during normalization
// when a provider omits them.
type ToolCall struct {
	// ID is the unique identifier for this call.
	ID string `json:"id"`
	// Name is the tool name.
	Name string `json:"name"`
	// Arguments is the raw JSON argument payload.
	Arguments string `json:"arguments,omitempty"`
}

// Message is one entry in a session's conversation sequence.
// Identities are unique within a sequence and never reused; insertion
// order is the turn order and is preserved except where an upsert
// replaces a message in place.
type Message struct {
	// ID is the stable message identity. Assigned once during
	// normalization if the producer did not supply one.
	ID string `json:"id"`
	// Kind is the message role.
	Kind Kind `json:"kind"`
	// Content is the message text.
	Content string `json:"content,omitempty"`
	// ToolName is the tool that produced a KindTool message.
	ToolName string `json:"toolName,omitempty"`
	// ToolCalls are pending tool invocations on an assistant message.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// Metadata carries provider-neutral extras. Transient provider
	// scratch fields are stripped during normalization.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task is a unit of scheduled study work. The ordinal TaskNo starts at 1
// and is only meaningful within the same date; the collection as a whole
// has no cross-date ordering requirement.
type Task struct {
	// Month is the two-digit month, e.g. "05".
	Month string `json:"month"`
	// Date is the study date in YYYY-MM-DD format.
	Date string `json:"date"`
	// TaskNo is the per-date ordinal, starting at 1.
	TaskNo int `json:"taskNo"`
	// StartPage is the first page of the content range.
	StartPage int `json:"startPage"`
	// EndPage is the last page of the content range.
	EndPage int `json:"endPage"`
	// Title is the study topic.
	Title string `json:"title"`
	// Summary is a short description.
	Summary string `json:"summary"`
	// Completed marks the task as done.
	Completed bool `json:"completed"`
}

// Persona values for the session configuration scalar.
const (
	// PersonaT selects the analytic tutoring persona.
	PersonaT = "T"
	// PersonaF selects the empathetic tutoring persona.
	PersonaF = "F"
)

// ValidPersona reports whether v is an allowed persona selector.
func ValidPersona(v string) bool {
	return v == PersonaT || v == PersonaF
}

// ConversationState is the authoritative per-session record. It is owned
// exclusively by its session and mutated only through the merge engine.
type ConversationState struct {
	// SessionID is the opaque client-supplied session identifier.
	SessionID string `json:"sessionId"`
	// Messages is the ordered conversation sequence.
	Messages []Message `json:"messages"`
	// Tasks is the study-task collection. It is replaced atomically on
	// every update; individual tasks are never partially patched.
	Tasks []Task `json:"tasks"`
	// PersonaType is the tutoring persona selector.
	PersonaType string `json:"personaType"`
}

// New returns an empty conversation state for the given session.
func New(sessionID string) *ConversationState {
	return &ConversationState{
		SessionID:   sessionID,
		Messages:    []Message{},
		Tasks:       []Task{},
		PersonaType: PersonaT,
	}
}

// Delta is a partial update produced by one step of agent execution.
// A nil Messages slice leaves the sequence untouched. A nil Tasks slice
// leaves the task collection untouched; a non-nil slice (including an
// empty one) replaces the collection wholesale. An empty PersonaType
// leaves the persona unchanged.
type Delta struct {
	Messages    []Message `json:"messages,omitempty"`
	Tasks       []Task    `json:"tasks,omitempty"`
	PersonaType string    `json:"personaType,omitempty"`
}
