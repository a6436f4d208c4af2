package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/salesrelay/salesrelay/internal/store"
)

// ErrMissingTemplate signals a language without a system prompt template.
// This is a configuration bug and must surface, not default silently.
var ErrMissingTemplate = errors.New("conversation: no system prompt template for language")

// systemTemplates holds the per-language assistant instructions. %s is the
// user's display name.
var systemTemplates = map[string]string{
	"en": "You are a sales assistant. Remember the conversation and answer thoughtfully. Reply in the same language as the user's message. User: %s",
	"ru": "Вы помощник-продавец. Помните историю разговора и отвечайте осознанно. Отвечайте на том же языке, на котором задают вопрос. Пользователь: %s",
}

// PromptBuilder assembles the ordered completion context: one system
// instruction followed by the bounded recent history, oldest first.
type PromptBuilder struct {
	store        ConversationStore
	historyLimit int
}

func NewPromptBuilder(st ConversationStore) *PromptBuilder {
	if st == nil {
		panic("conversation: store cannot be nil")
	}
	return &PromptBuilder{store: st, historyLimit: store.DefaultHistoryLimit}
}

// Build returns [system] + history for userKey. The user profile must
// already exist; store.ErrUserNotFound here means the orchestrator broke
// its ordering contract.
func (b *PromptBuilder) Build(ctx context.Context, userKey string) ([]ChatMessage, error) {
	history, err := b.store.RecentHistory(ctx, userKey, b.historyLimit)
	if err != nil {
		return nil, err
	}

	profile, err := b.store.FetchUserProfile(ctx, userKey)
	if err != nil {
		return nil, err
	}

	template, ok := systemTemplates[profile.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingTemplate, profile.Language)
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(messages, ChatMessage{
		Role:    ChatRoleSystem,
		Content: strings.TrimSpace(fmt.Sprintf(template, profile.DisplayName)),
	})
	for _, m := range history {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return messages, nil
}
