package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var llmTracer = otel.Tracer("salesrelay.internal.conversation.llm")

// Fixed generation parameters, carried as policy knobs.
const (
	completionMaxTokens   = 500
	completionTemperature = 0.7
	completionTimeout     = 30 * time.Second
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient produces replies through the OpenAI chat-completion API.
// One request, one response; provider failures are terminal, never retried.
type OpenAIClient struct {
	client chatClient
	model  string
}

func NewOpenAIClient(client chatClient, model string) *OpenAIClient {
	if client == nil {
		panic("conversation: chat client cannot be nil")
	}
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &OpenAIClient{client: client, model: model}
}

var _ CompletionClient = (*OpenAIClient)(nil)

// Complete sends the ordered context and returns the first candidate's text.
func (c *OpenAIClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	ctx, span := llmTracer.Start(ctx, "conversation.openai", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   completionMaxTokens,
		Temperature: completionTemperature,
	}

	callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("conversation: openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := errors.New("conversation: openai returned no choices")
		span.RecordError(err)
		return "", err
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// toOpenAIMessages maps persisted roles onto the provider's role tags. The
// stored "ai" role becomes "assistant" on the wire.
func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case ChatRoleSystem:
			role = openai.ChatMessageRoleSystem
		case ChatRoleAI:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
