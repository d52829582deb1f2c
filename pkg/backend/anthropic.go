package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend implements Backend for Anthropic Claude
type AnthropicBackend struct {
	name   string
	client anthropic.Client
}

// NewAnthropicBackend creates a new Anthropic backend
func NewAnthropicBackend(name, apiKey string) *AnthropicBackend {
	return &AnthropicBackend{
		name:   name,
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the backend name
func (b *AnthropicBackend) Name() string {
	return b.name
}

// Complete makes an API call to Anthropic Claude
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Completion, error) {
	system, anthropicMessages := b.convertMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  anthropicMessages,
		MaxTokens: int64(req.MaxTokens),
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		params.Tools = b.convertTools(req.Tools)
	}

	response, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, b.classify(err)
	}

	text := ""
	toolCalls := []ToolCall{}

	for _, block := range response.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += blk.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(blk.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        blk.ID,
				Name:      blk.Name,
				Arguments: args,
			})
		}
	}

	return &Completion{
		Text:      text,
		ToolCalls: toolCalls,
		Usage: &Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// convertMessages maps the normalized conversation to Anthropic's block
// format. System messages are concatenated into the system prompt since the
// Messages API carries them out of band.
func (b *AnthropicBackend) convertMessages(messages []Message) (string, []anthropic.MessageParam) {
	system := ""
	out := []anthropic.MessageParam{}

	for _, msg := range messages {
		switch {
		case msg.Role == "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case msg.Role == "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == "assistant":
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		default:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return system, out
}

func (b *AnthropicBackend) convertTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := []anthropic.ToolUnionParam{}
	for _, spec := range specs {
		toolParam := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: spec.InputSchema["properties"],
			},
		}

		if required, ok := spec.InputSchema["required"]; ok {
			if reqSlice, ok := required.([]interface{}); ok {
				strSlice := make([]string, len(reqSlice))
				for i, v := range reqSlice {
					strSlice[i], _ = v.(string)
				}
				toolParam.InputSchema.Required = strSlice
			}
		}

		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// classify maps Anthropic API errors onto the shared error classes
func (b *AnthropicBackend) classify(err error) error {
	var apierr *anthropic.Error
	class := ClassUnavailable

	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			class = ClassRateLimited
		case apierr.StatusCode == 400 || apierr.StatusCode == 404 || apierr.StatusCode == 401 || apierr.StatusCode == 403:
			class = ClassInvalidRequest
		case apierr.StatusCode == 413 || apierr.StatusCode == 529:
			class = ClassTierExhausted
		}
	}

	return &Error{
		Class:   class,
		Backend: b.name,
		Message: "anthropic call failed",
		Err:     err,
	}
}
