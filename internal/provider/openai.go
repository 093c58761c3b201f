// Package provider implements the agent step executor on the OpenAI
// chat completion API: a tool loop giving the model access to the
// session's textbook pages and study task list.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tutorgo-dev/tutorgo/pkg/session"
	"github.com/tutorgo-dev/tutorgo/pkg/state"
	"github.com/tutorgo-dev/tutorgo/pkg/textbook"
)

// OpenAIClient interface for testability
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Tool names exposed to the model.
const (
	toolTextbook = "get_textbook_content"
	toolTasks    = "update_task_list"
)

// maxToolIterations bounds the tool loop for one turn.
const maxToolIterations = 6

const metaToolCallID = "tool_call_id"

// Options configures the stepper factory.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32

	// RateLimit and RateBurst throttle model calls across all sessions.
	RateLimit float64
	RateBurst int
}

// NewFactory returns a session.StepperFactory producing tutor steppers
// bound to the given client and textbook store. The rate limiter is
// shared by every stepper the factory creates.
func NewFactory(client OpenAIClient, books textbook.Store, opts Options) session.StepperFactory {
	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	return func(sessionID string) (session.Stepper, error) {
		if client == nil {
			return nil, errors.New("openai client is not configured")
		}
		return &TutorStepper{
			sessionID: sessionID,
			client:    client,
			books:     books,
			limiter:   limiter,
			opts:      opts,
		}, nil
	}
}

// TutorStepper runs one conversation step as an OpenAI tool loop.
type TutorStepper struct {
	sessionID string
	client    OpenAIClient
	books     textbook.Store
	limiter   *rate.Limiter
	opts      Options
}

// Step streams the model's response as state deltas. The snapshot st
// already contains the input message; it is read, never mutated.
func (s *TutorStepper) Step(ctx context.Context, st *state.ConversationState, input state.Message) (<-chan session.StepResult, error) {
	history, err := s.buildMessages(st)
	if err != nil {
		return nil, err
	}
	out := make(chan session.StepResult, 8)
	go s.run(ctx, history, out)
	return out, nil
}

func (s *TutorStepper) run(ctx context.Context, history []openai.ChatCompletionMessage, out chan<- session.StepResult) {
	defer close(out)

	for i := 0; i < maxToolIterations; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			out <- session.StepResult{Err: err}
			return
		}

		resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       s.opts.Model,
			Messages:    history,
			Tools:       toolDefinitions(),
			MaxTokens:   s.opts.MaxTokens,
			Temperature: s.opts.Temperature,
		})
		if err != nil {
			out <- session.StepResult{Err: fmt.Errorf("chat completion: %w", err)}
			return
		}
		if len(resp.Choices) == 0 {
			out <- session.StepResult{Err: errors.New("no choices in response")}
			return
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			out <- session.StepResult{Delta: state.Delta{Messages: []state.Message{{
				Kind:    state.KindAssistant,
				Content: msg.Content,
			}}}}
			return
		}

		history = append(history, msg)
		assistant := state.Message{
			Kind:      state.KindAssistant,
			Content:   msg.Content,
			ToolCalls: make([]state.ToolCall, 0, len(msg.ToolCalls)),
		}
		for _, tc := range msg.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, state.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out <- session.StepResult{Delta: state.Delta{Messages: []state.Message{assistant}}}

		for _, tc := range msg.ToolCalls {
			result, tasks := s.invokeTool(ctx, tc.Function.Name, tc.Function.Arguments)
			history = append(history, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
			})
			delta := state.Delta{Messages: []state.Message{{
				Kind:     state.KindTool,
				Content:  result,
				ToolName: tc.Function.Name,
				Metadata: map[string]any{metaToolCallID: tc.ID},
			}}}
			if tasks != nil {
				delta.Tasks = tasks
			}
			out <- session.StepResult{Delta: delta}
		}
	}

	out <- session.StepResult{Err: fmt.Errorf("tool loop exceeded %d iterations", maxToolIterations)}
}

// invokeTool dispatches one tool call. It returns the tool output text
// and, for task list updates, the replacement task collection. Tool
// failures are reported to the model as text, not as step errors, so it
// can correct its call.
func (s *TutorStepper) invokeTool(ctx context.Context, name, rawArgs string) (string, []state.Task) {
	switch name {
	case toolTextbook:
		var args struct {
			Mode      string `json:"mode"`
			StartPage int    `json:"start_page"`
			EndPage   int    `json:"end_page"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Sprintf("invalid arguments: %v", err), nil
		}

		if args.Mode == "info" {
			info, err := s.books.Info(ctx, s.sessionID)
			if errors.Is(err, textbook.ErrNotFound) {
				return "no textbook has been uploaded for this session", nil
			}
			if err != nil {
				return fmt.Sprintf("could not read textbook info: %v", err), nil
			}
			return fmt.Sprintf("title: %s\ntotal pages: %d", info.Title, info.TotalPages), nil
		}

		pages, err := s.books.Fetch(ctx, s.sessionID, args.StartPage, args.EndPage)
		switch {
		case errors.Is(err, textbook.ErrNotFound):
			return "no textbook has been uploaded for this session", nil
		case errors.Is(err, textbook.ErrRangeTooWide):
			return fmt.Sprintf("requested range is too wide, fetch at most %d pages at a time", textbook.MaxFetchPages), nil
		case errors.Is(err, textbook.ErrInvalidRange):
			return "content mode needs a valid start_page and end_page", nil
		case err != nil:
			return fmt.Sprintf("could not fetch pages: %v", err), nil
		}
		var b strings.Builder
		for _, p := range pages {
			fmt.Fprintf(&b, "[page %d]\n%s\n", p.Number, p.Content)
		}
		return b.String(), nil

	case toolTasks:
		var args struct {
			Tasks []state.Task `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Sprintf("invalid arguments: %v", err), nil
		}
		if args.Tasks == nil {
			return "no tasks provided", nil
		}
		return fmt.Sprintf("task list updated with %d tasks", len(args.Tasks)), args.Tasks

	default:
		log.Printf("session %s: model called unknown tool %s", s.sessionID, name)
		return fmt.Sprintf("unknown tool: %s", name), nil
	}
}

// buildMessages converts the conversation state into the chat request
// history, headed by the persona system prompt.
func (s *TutorStepper) buildMessages(st *state.ConversationState) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(st.Messages)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(st),
	})

	for _, m := range st.Messages {
		switch m.Kind {
		case state.KindUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case state.KindSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})
		case state.KindAssistant:
			cm := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, cm)
		case state.KindTool:
			callID, _ := m.Metadata[metaToolCallID].(string)
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.ToolName,
				ToolCallID: callID,
			})
		}
	}
	return out, nil
}

func toolDefinitions() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolTextbook,
				Description: "Look up the student's uploaded textbook. Mode \"info\" returns the title and total page count; mode \"content\" fetches a page range, at most 20 pages per call.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"mode": {"type": "string", "enum": ["info", "content"], "description": "\"info\" for book metadata, \"content\" for page text"},
						"start_page": {"type": "integer", "description": "First page to fetch, 1-based (content mode)"},
						"end_page": {"type": "integer", "description": "Last page to fetch, inclusive (content mode)"}
					},
					"required": ["mode"]
				}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolTasks,
				Description: "Replace the student's study task list. Send the complete list; it overwrites the previous one.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"tasks": {
							"type": "array",
							"items": {
								"type": "object",
								"properties": {
									"month": {"type": "string", "description": "Two-digit month, e.g. \"03\""},
									"date": {"type": "string", "description": "YYYY-MM-DD"},
									"taskNo": {"type": "integer", "description": "1-based position within the day"},
									"startPage": {"type": "integer"},
									"endPage": {"type": "integer"},
									"title": {"type": "string"},
									"summary": {"type": "string"}
								},
								"required": ["date", "taskNo", "title"]
							}
						}
					},
					"required": ["tasks"]
				}`),
			},
		},
	}
}

const basePrompt = `You are a study tutor helping a student work through their textbook. ` +
	`Call get_textbook_content with mode "info" first to learn the book's size, then mode "content" ` +
	`to read the pages you need before answering questions about the material. ` +
	`When the student asks for a study plan or wants to change it, call update_task_list with the complete new list.`

const personaTPrompt = basePrompt + ` Be analytical and direct. Lead with facts and structure, ` +
	`give concrete reasons for every recommendation, and keep encouragement brief.`

const personaFPrompt = basePrompt + ` Be warm and encouraging. Acknowledge the student's effort and feelings ` +
	`before giving advice, and frame feedback supportively.`

func systemPrompt(st *state.ConversationState) string {
	prompt := personaTPrompt
	if st.PersonaType == state.PersonaF {
		prompt = personaFPrompt
	}
	if len(st.Tasks) > 0 {
		if payload, err := json.Marshal(st.Tasks); err == nil {
			prompt += "\n\nThe student's current task list:\n" + string(payload)
		}
	}
	return prompt
}
