package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/corvid-labs/corvid/internal/config"
	"github.com/corvid-labs/corvid/internal/tools"
	"github.com/corvid-labs/corvid/pkg/models"
)

// OpenAIProvider implements Provider for OpenAI's chat API. With a custom
// base URL it also serves OpenAI-compatible local endpoints (llama.cpp,
// vLLM, Ollama), which is how small local models are configured; such
// backends are typically declared not tool-capable so the context builder
// strips tool schemas before the call.
type OpenAIProvider struct {
	client *openai.Client
	info   Info
}

// NewOpenAI creates an OpenAI-backed provider from its configuration.
func NewOpenAI(cfg config.ProviderConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		info:   InfoFromConfig(cfg),
	}
}

func (p *OpenAIProvider) ID() string { return p.info.ID }

func (p *OpenAIProvider) Info() Info { return p.info }

// Chat performs a non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Text:  choice.Message.Content,
		Model: resp.Model,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream performs a streaming completion, emitting tokens as they
// arrive and a final usage record.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest, emit EmitFunc) (*ChatResponse, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer stream.Close()

	var text string
	var usage models.Usage
	// Tool call fragments arrive indexed and must be accumulated.
	toolCalls := make(map[int]*models.ToolCall)
	toolArgs := make(map[int]string)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream: %w", err)
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text += delta.Content
			emit(StreamEvent{Token: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if _, ok := toolCalls[idx]; !ok {
				toolCalls[idx] = &models.ToolCall{ID: tc.ID, Name: tc.Function.Name}
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			toolArgs[idx] += tc.Function.Arguments
		}
	}

	out := &ChatResponse{Text: text, Model: req.Model, Usage: usage}
	for i := 0; i < len(toolCalls); i++ {
		tc, ok := toolCalls[i]
		if !ok {
			continue
		}
		tc.Arguments = json.RawMessage(toolArgs[i])
		out.ToolCalls = append(out.ToolCalls, *tc)
	}
	emit(StreamEvent{Done: true, Usage: &usage})
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req *ChatRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    p.convertMessages(req),
		Tools:       convertOpenAITools(req.Tools),
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// convertMessages maps the internal conversation onto OpenAI's format.
// The system prompt is the first message; each tool result becomes its own
// tool-role message keyed by tool call id.
func (p *OpenAIProvider) convertMessages(req *ChatRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(schemas []tools.Schema) []openai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}
