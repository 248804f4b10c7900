package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIProvider implements Provider for all OpenAI-compatible APIs:
// OpenAI itself, vLLM, LiteLLM, OpenRouter and other local gateways.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Text))
		default:
			msgs = append(msgs, openai.UserMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		// max_tokens rather than max_completion_tokens: the
		// OpenAI-compatible servers this proxy targets accept the
		// classic field.
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan Event, 16)
	go p.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream reads the SSE stream and emits unified events.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- Event) {
	defer close(ch)

	for stream.Next() {
		select {
		case <-ctx.Done():
			ch <- Event{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		// Reasoning models (DeepSeek-R1 family and friends) interleave
		// reasoning_content chunks; those must not leak into the
		// summary text.
		if choice.Delta.Content != "" {
			ch <- Event{Type: EventTextDelta, Text: choice.Delta.Content}
		} else if rc := extractReasoningContent(choice.Delta.RawJSON()); rc != "" {
			continue
		}

		if string(choice.FinishReason) != "" {
			ch <- Event{Type: EventDone}
			return
		}
	}

	if err := stream.Err(); err != nil {
		ch <- Event{Type: EventError, Err: fmt.Errorf("openai streaming error: %w", err)}
		return
	}
	ch <- Event{Type: EventDone}
}

// extractReasoningContent parses the raw JSON of a delta chunk to find a
// "reasoning_content" field. Returns the reasoning text if present.
func extractReasoningContent(rawJSON string) string {
	var raw struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
		return ""
	}
	return raw.ReasoningContent
}
