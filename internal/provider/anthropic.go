package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/pkg/models"
)

// AnthropicProvider implements Provider for Anthropic's Messages API.
//
// Safe for concurrent use; each call creates an independent request or
// SSE stream.
type AnthropicProvider struct {
	client anthropic.Client
	info   Info
}

// NewAnthropic creates an Anthropic-backed provider from its configuration.
func NewAnthropic(cfg config.ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		info:   InfoFromConfig(cfg),
	}
}

func (p *AnthropicProvider) ID() string { return p.info.ID }

func (p *AnthropicProvider) Info() Info { return p.info }

// Chat performs a non-streaming completion.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := &ChatResponse{
		Model: string(msg.Model),
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	out.Text = text.String()
	return out, nil
}

// ChatStream performs a streaming completion via SSE, emitting text deltas
// as they arrive and a final usage record.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *ChatRequest, emit EmitFunc) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := &ChatResponse{Model: req.Model}
	var text strings.Builder
	var currentTool *models.ToolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			out.Usage.PromptTokens = int(start.Message.Usage.InputTokens)
		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					emit(StreamEvent{Token: delta.Text})
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = json.RawMessage(currentInput.String())
				out.ToolCalls = append(out.ToolCalls, *currentTool)
				currentTool = nil
			}
		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				out.Usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	out.Text = text.String()
	emit(StreamEvent{Done: true, Usage: &out.Usage})
	return out, nil
}

func (p *AnthropicProvider) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	toolParams, err := convertAnthropicTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Tools = toolParams
	return params, nil
}

// convertAnthropicMessages maps the internal conversation onto Anthropic's
// format: tool results become tool_result blocks inside user messages and
// assistant tool calls become tool_use blocks.
func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(schemas []tools.Schema) ([]anthropic.ToolUnionParam, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		data, err := json.Marshal(s.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode schema for %s: %w", s.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(data, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", s.Name)
		}
		param.OfTool.Description = anthropic.String(s.Description)
		out = append(out, param)
	}
	return out, nil
}
