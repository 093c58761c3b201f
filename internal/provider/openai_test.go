package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorgo-dev/tutorgo/pkg/session"
	"github.com/tutorgo-dev/tutorgo/pkg/state"
	"github.com/tutorgo-dev/tutorgo/pkg/textbook"
)

// mockClient returns scripted responses and records requests.
type mockClient struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	errs      []error
	calls     []openai.ChatCompletionRequest
	callIndex int
}

func (m *mockClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.callIndex >= len(m.responses) {
		return openai.ChatCompletionResponse{}, errors.New("no scripted response")
	}
	resp := m.responses[m.callIndex]
	var err error
	if m.callIndex < len(m.errs) {
		err = m.errs[m.callIndex]
	}
	m.callIndex++
	return resp, err
}

func (m *mockClient) add(resp openai.ChatCompletionResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, err)
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
		}},
	}
}

func toolCallResponse(id, name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   id,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}},
	}
}

func newTestStepper(t *testing.T, client OpenAIClient) (session.Stepper, textbook.Store) {
	t.Helper()
	books := textbook.NewMemoryStore()
	t.Cleanup(func() { books.Close() })

	factory := NewFactory(client, books, Options{
		Model:     "gpt-4o",
		RateLimit: 1000,
		RateBurst: 1000,
	})
	stepper, err := factory("student-1")
	require.NoError(t, err)
	return stepper, books
}

func collect(t *testing.T, ch <-chan session.StepResult) []session.StepResult {
	t.Helper()
	var out []session.StepResult
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestStepPlainAnswer(t *testing.T) {
	client := &mockClient{}
	client.add(textResponse("Mitochondria produce ATP."), nil)
	stepper, _ := newTestStepper(t, client)

	st := state.New("student-1")
	input := state.Message{ID: "u1", Kind: state.KindUser, Content: "what do mitochondria do?"}
	st.Apply(state.Delta{Messages: []state.Message{input}})

	ch, err := stepper.Step(context.Background(), st, input)
	require.NoError(t, err)
	results := collect(t, ch)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Delta.Messages, 1)
	assert.Equal(t, state.KindAssistant, results[0].Delta.Messages[0].Kind)
	assert.Equal(t, "Mitochondria produce ATP.", results[0].Delta.Messages[0].Content)

	// System prompt leads the request, then the user message.
	req := client.calls[0]
	require.GreaterOrEqual(t, len(req.Messages), 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
}

func TestStepTextbookTool(t *testing.T) {
	client := &mockClient{}
	client.add(toolCallResponse("call-1", "get_textbook_content", `{"mode": "content", "start_page": 1, "end_page": 2}`), nil)
	client.add(textResponse("Pages 1-2 cover cell structure."), nil)
	stepper, books := newTestStepper(t, client)

	require.NoError(t, books.Put(context.Background(), "student-1", textbook.Book{Title: "Biology"}, []textbook.Page{
		{Number: 1, Content: "Cells are small."},
		{Number: 2, Content: "Membranes are thin."},
	}))

	st := state.New("student-1")
	input := state.Message{ID: "u1", Kind: state.KindUser, Content: "summarize pages 1-2"}
	st.Apply(state.Delta{Messages: []state.Message{input}})

	ch, err := stepper.Step(context.Background(), st, input)
	require.NoError(t, err)
	results := collect(t, ch)

	// Assistant tool-call delta, tool result delta, final answer.
	require.Len(t, results, 3)
	require.Len(t, results[0].Delta.Messages, 1)
	require.Len(t, results[0].Delta.Messages[0].ToolCalls, 1)
	assert.Equal(t, "get_textbook_content", results[0].Delta.Messages[0].ToolCalls[0].Name)

	toolMsg := results[1].Delta.Messages[0]
	assert.Equal(t, state.KindTool, toolMsg.Kind)
	assert.Contains(t, toolMsg.Content, "[page 1]")
	assert.Contains(t, toolMsg.Content, "Membranes are thin.")

	assert.Equal(t, "Pages 1-2 cover cell structure.", results[2].Delta.Messages[0].Content)

	// The second request carries the tool result back to the model.
	second := client.calls[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, openai.ChatMessageRoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
}

func TestStepTextbookToolErrorsReportedToModel(t *testing.T) {
	client := &mockClient{}
	client.add(toolCallResponse("call-1", "get_textbook_content", `{"mode": "content", "start_page": 1, "end_page": 40}`), nil)
	client.add(textResponse("Let me narrow that down."), nil)
	stepper, books := newTestStepper(t, client)

	pages := make([]textbook.Page, 50)
	for i := range pages {
		pages[i] = textbook.Page{Number: i + 1, Content: "x"}
	}
	require.NoError(t, books.Put(context.Background(), "student-1", textbook.Book{Title: "Biology"}, pages))

	st := state.New("student-1")
	input := state.Message{ID: "u1", Kind: state.KindUser, Content: "read everything"}
	st.Apply(state.Delta{Messages: []state.Message{input}})

	ch, err := stepper.Step(context.Background(), st, input)
	require.NoError(t, err)
	results := collect(t, ch)

	// The oversized range becomes tool output, not a step failure.
	require.Len(t, results, 3)
	require.NoError(t, results[1].Err)
	assert.Contains(t, results[1].Delta.Messages[0].Content, "too wide")
}

func TestStepTextbookInfoMode(t *testing.T) {
	client := &mockClient{}
	client.add(toolCallResponse("call-1", "get_textbook_content", `{"mode": "info"}`), nil)
	client.add(textResponse("Your book has 50 pages."), nil)
	stepper, books := newTestStepper(t, client)

	pages := make([]textbook.Page, 50)
	for i := range pages {
		pages[i] = textbook.Page{Number: i + 1, Content: "x"}
	}
	require.NoError(t, books.Put(context.Background(), "student-1", textbook.Book{Title: "Biology"}, pages))

	st := state.New("student-1")
	input := state.Message{ID: "u1", Kind: state.KindUser, Content: "how long is my book?"}
	st.Apply(state.Delta{Messages: []state.Message{input}})

	ch, err := stepper.Step(context.Background(), st, input)
	require.NoError(t, err)
	results := collect(t, ch)

	require.Len(t, results, 3)
	toolMsg := results[1].Delta.Messages[0]
	assert.Equal(t, state.KindTool, toolMsg.Kind)
	assert.Contains(t, toolMsg.Content, "title: Biology")
	assert.Contains(t, toolMsg.Content, "total pages: 50")
}

func TestStepTextbookInfoModeNoBook(t *testing.T) {
	client := &mockClient{}
	client.add(toolCallResponse("call-1", "get_textbook_content", `{"mode": "info"}`), nil)
	client.add(textResponse("Please upload a textbook first."), nil)
	stepper, _ := newTestStepper(t, client)

	st := state.New("student-1")
	input := state.Message{ID: "u1", Kind: state.KindUser, Content: "how long is my book?"}
	st.Apply(state.Delta{Messages: []state.Message{input}})

	ch, err := stepper.Step(context.Background(), st, input)
	require.NoError(t, err)
	results := collect(t, ch)

	require.Len(t, results, 3)
	assert.Contains(t, results[1].Delta.Messages[0].Content, "no textbook has been uploaded")
}

func TestStepTaskListTool(t *testing.T) {
	client := &mockClient{}
	client.add(toolCallResponse("call-1", "update_task_list",
		`{"tasks": [{"month": "03", "date": "2026-03-01", "taskNo": 1, "startPage": 1, "endPage": 10, "title": "Cell structure"}]}`), nil)
	client.add(textResponse("Plan saved."), nil)
	stepper, _ := newTestStepper(t, client)

	st := state.New("student-1")
	input := state.Message{ID: "u1", Kind: state.KindUser, Content: "make a plan"}
	st.Apply(state.Delta{Messages: []state.Message{input}})

	ch, err := stepper.Step(context.Background(), st, input)
	require.NoError(t, err)
	results := collect(t, ch)

	require.Len(t, results, 3)
	require.Len(t, results[1].Delta.Tasks, 1)
	assert.Equal(t, "Cell structure", results[1].Delta.Tasks[0].Title)
	assert.Equal(t, 1, results[1].Delta.Tasks[0].TaskNo)
}

func TestStepPersonaSelectsPrompt(t *testing.T) {
	for _, persona := range []string{state.PersonaT, state.PersonaF} {
		client := &mockClient{}
		client.add(textResponse("ok"), nil)
		stepper, _ := newTestStepper(t, client)

		st := state.New("student-1")
		st.Apply(state.Delta{PersonaType: persona})
		input := state.Message{ID: "u1", Kind: state.KindUser, Content: "hi"}
		st.Apply(state.Delta{Messages: []state.Message{input}})

		ch, err := stepper.Step(context.Background(), st, input)
		require.NoError(t, err)
		collect(t, ch)

		sys := client.calls[0].Messages[0].Content
		if persona == state.PersonaF {
			assert.True(t, strings.Contains(sys, "warm"), "persona F prompt")
		} else {
			assert.True(t, strings.Contains(sys, "analytical"), "persona T prompt")
		}
	}
}

func TestStepModelError(t *testing.T) {
	client := &mockClient{}
	client.add(openai.ChatCompletionResponse{}, errors.New("rate limited"))
	stepper, _ := newTestStepper(t, client)

	st := state.New("student-1")
	input := state.Message{ID: "u1", Kind: state.KindUser, Content: "hi"}
	st.Apply(state.Delta{Messages: []state.Message{input}})

	ch, err := stepper.Step(context.Background(), st, input)
	require.NoError(t, err)
	results := collect(t, ch)

	require.Len(t, results, 1)
	assert.ErrorContains(t, results[0].Err, "rate limited")
}
