package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend implements Backend for OpenAI-compatible APIs
type OpenAIBackend struct {
	name   string
	client openai.Client
}

// NewOpenAIBackend creates a new OpenAI backend
func NewOpenAIBackend(name, apiKey string) *OpenAIBackend {
	return &OpenAIBackend{
		name:   name,
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the backend name
func (b *OpenAIBackend) Name() string {
	return b.name
}

// Complete makes an API call to OpenAI
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	messages, err := b.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	response, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, b.classify(err)
	}

	if len(response.Choices) == 0 {
		return nil, &Error{
			Class:   ClassUnavailable,
			Backend: b.name,
			Message: "no response choices returned",
		}
	}

	choice := response.Choices[0]

	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return &Completion{
		Text:      choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: &Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

func (b *OpenAIBackend) convertMessages(messages []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := []openai.ChatCompletionMessageParamUnion{}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "user":
			out = append(out, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			out = append(out, assistantMsg.ToParam())
		case "tool":
			out = append(out, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}

	return out, nil
}

// classify maps OpenAI API errors onto the shared error classes
func (b *OpenAIBackend) classify(err error) error {
	var apierr *openai.Error
	class := ClassUnavailable

	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			class = ClassRateLimited
		case apierr.StatusCode == 400 || apierr.StatusCode == 404 || apierr.StatusCode == 401 || apierr.StatusCode == 403:
			class = ClassInvalidRequest
		case apierr.StatusCode == 413:
			class = ClassTierExhausted
		}
	}

	return &Error{
		Class:   class,
		Backend: b.name,
		Message: "openai call failed",
		Err:     err,
	}
}
