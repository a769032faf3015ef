package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/michaelbrown/parley/internal/logger"
	"github.com/michaelbrown/parley/internal/tools"
)

const defaultSystemPrompt = `You are Parley, a helpful AI assistant with access to tools.
When you need information from the system (files, commands, etc.), use the available tools.
Always explain what you're doing and why. After using a tool, interpret the results for the user.`

// maxCompletionAttempts bounds retries on rate-limited completion calls.
const maxCompletionAttempts = 3

// OpenAIEngine implements Engine against any OpenAI-compatible chat API
// (Ollama, Claude, Gemini). Tool calls requested by the model are checked
// through the query's CanUseTool gate and executed via the MCP registry.
type OpenAIEngine struct {
	client   *openai.Client
	registry *tools.Registry
}

// NewOpenAIEngine creates an engine for the given provider endpoint.
func NewOpenAIEngine(baseURL, apiKey string, registry *tools.Registry) *OpenAIEngine {
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	)
	return &OpenAIEngine{
		client:   &client,
		registry: registry,
	}
}

// Query starts one query cycle: it pulls a single message from the prompt
// source, runs the tool loop for it, and ends the stream after the result.
// It returns immediately; messages arrive asynchronously on the stream.
func (e *OpenAIEngine) Query(ctx context.Context, prompt PromptSource, opts Options) (*Stream, error) {
	if prompt == nil {
		return nil, errors.New("engine: nil prompt source")
	}
	qctx, cancel := context.WithCancel(ctx)
	stream := NewStream(cancel)
	go e.run(qctx, stream, prompt, opts)
	return stream, nil
}

func (e *OpenAIEngine) run(ctx context.Context, stream *Stream, prompt PromptSource, opts Options) {
	defer stream.cancel()
	log := logger.WithComponent("engine")

	stream.Emit(ctx, SystemMessage{Subtype: "init", Model: opts.Model})

	history := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(defaultSystemPrompt),
	}
	for _, turn := range opts.Context {
		switch turn.Role {
		case "assistant":
			history = append(history, openai.AssistantMessage(turn.Content))
		default:
			history = append(history, openai.UserMessage(turn.Content))
		}
	}

	var defs []tools.ToolDef
	if e.registry != nil {
		defs = e.registry.ToolsNamed(opts.AllowedTools)
	}

	// One query serves exactly one input cycle. Pulling further input here
	// would race the consumer, which stops reading once it sees a result.
	user, err := prompt.Next(ctx)
	if err != nil {
		// Exhaustion and cancellation both end the stream; the consumer
		// decides whether a missing result is abnormal.
		stream.Close(nil)
		return
	}
	history = append(history, openai.UserMessage(user.Content))

	if _, err := e.respond(ctx, stream, history, defs, opts); err != nil {
		if ctx.Err() != nil {
			stream.Close(nil)
			return
		}
		log.Warn("query cycle failed", "error", err)
		stream.Emit(ctx, ResultMessage{Subtype: ResultError, Detail: err.Error()})
	}
	stream.Close(nil)
}

// respond runs the tool loop for one user turn and emits the assistant
// output plus a terminating result message.
func (e *OpenAIEngine) respond(
	ctx context.Context,
	stream *Stream,
	history []openai.ChatCompletionMessageParamUnion,
	defs []tools.ToolDef,
	opts Options,
) ([]openai.ChatCompletionMessageParamUnion, error) {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	for turn := 0; turn < maxTurns; turn++ {
		text, toolCalls, err := e.complete(ctx, history, defs, opts.Model)
		if err != nil {
			return history, fmt.Errorf("completion (turn %d): %w", turn+1, err)
		}

		history = append(history, assistantParam(text, toolCalls))

		if len(toolCalls) == 0 {
			if text != "" {
				if !stream.Emit(ctx, AssistantMessage{Content: TextBlocks(text)}) {
					return history, ctx.Err()
				}
			}
			stream.Emit(ctx, ResultMessage{Subtype: ResultSuccess, Detail: text, NumTurns: turn + 1})
			return history, nil
		}

		if text != "" {
			if !stream.Emit(ctx, AssistantMessage{Content: TextBlocks(text)}) {
				return history, ctx.Err()
			}
		}

		for _, tc := range toolCalls {
			if !stream.Emit(ctx, AssistantMessage{Content: []ContentBlock{{
				Type:      ContentToolUse,
				ToolName:  tc.name,
				ToolInput: tc.args,
			}}}) {
				return history, ctx.Err()
			}

			result := e.executeTool(ctx, tc, opts)
			history = append(history, openai.ToolMessage(result, tc.id))
		}
		// Loop back so the model sees the tool results.
	}

	return history, fmt.Errorf("reached max turns (%d) without a final response", maxTurns)
}

// executeTool gates a tool call and dispatches it to the registry. A denied
// call or execution failure is reported to the model as the tool result, not
// raised as an error.
func (e *OpenAIEngine) executeTool(ctx context.Context, tc toolCall, opts Options) string {
	input := tc.args
	if opts.CanUseTool != nil {
		decision := opts.CanUseTool(ctx, tc.name, tc.args)
		if !decision.Allow {
			reason := decision.Reason
			if reason == "" {
				reason = "not approved"
			}
			return fmt.Sprintf("permission denied: %s", reason)
		}
		if decision.UpdatedInput != nil {
			input = decision.UpdatedInput
		}
	}

	if e.registry == nil || !e.registry.HasTools() {
		return fmt.Sprintf("error: unknown tool %q", tc.name)
	}
	result, err := e.registry.CallTool(ctx, tc.name, input)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return result
}

type toolCall struct {
	id   string
	name string
	args map[string]any
}

// complete runs one streaming chat completion, retrying on rate limits.
func (e *OpenAIEngine) complete(
	ctx context.Context,
	history []openai.ChatCompletionMessageParamUnion,
	defs []tools.ToolDef,
	model string,
) (string, []toolCall, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: history,
	}
	if len(defs) > 0 {
		params.Tools = convertTools(defs)
	}

	acc := openai.ChatCompletionAccumulator{}
	var streamErr error
	for attempt := range maxCompletionAttempts {
		acc = openai.ChatCompletionAccumulator{}
		ss := e.client.Chat.Completions.NewStreaming(ctx, params)
		for ss.Next() {
			acc.AddChunk(ss.Current())
		}
		streamErr = ss.Err()
		ss.Close()
		if streamErr == nil {
			break
		}
		if !strings.Contains(streamErr.Error(), "429") || attempt == maxCompletionAttempts-1 {
			return "", nil, streamErr
		}
		wait := time.Duration(2<<attempt) * time.Second
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	if len(acc.Choices) == 0 {
		return "", nil, errors.New("no choices returned")
	}

	choice := acc.Choices[0]
	var calls []toolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{"_raw": tc.Function.Arguments}
		}
		calls = append(calls, toolCall{id: tc.ID, name: tc.Function.Name, args: args})
	}
	return choice.Message.Content, calls, nil
}

func assistantParam(text string, calls []toolCall) openai.ChatCompletionMessageParamUnion {
	if len(calls) == 0 {
		return openai.AssistantMessage(text)
	}
	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, tc := range calls {
		argsJSON, _ := json.Marshal(tc.args)
		toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
			ID: tc.id,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.name,
				Arguments: string(argsJSON),
			},
		}
	}
	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if text != "" {
		assistant.Content.OfString = param.NewOpt(text)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func convertTools(defs []tools.ToolDef) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, t := range defs {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}
