package conversation

import (
	"context"

	"github.com/salesrelay/salesrelay/internal/store"
)

const (
	ChatRoleSystem = "system"
	ChatRoleUser   = store.RoleUser
	ChatRoleAI     = store.RoleAI
)

// ChatMessage is an internal message representation that can include the
// synthesized system prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationStore is the persistence surface the pipeline needs.
type ConversationStore interface {
	SaveMessage(ctx context.Context, userKey, role, content string) error
	RecentHistory(ctx context.Context, userKey string, limit int) ([]store.Message, error)
	UserExists(ctx context.Context, userKey string) (bool, error)
	CreateUser(ctx context.Context, userKey, displayName string) error
	UpdateUserLanguage(ctx context.Context, userKey, language string) error
	FetchUserProfile(ctx context.Context, userKey string) (store.UserProfile, error)
}

// Classifier infers a supported language tag from raw message text.
type Classifier interface {
	Classify(text string) string
}

// CompletionClient generates one reply from an ordered message context.
type CompletionClient interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// OutboundReply is a generated reply addressed to a channel identity.
type OutboundReply struct {
	To   string
	From string
	Body string
}

// ReplyMessenger delivers outbound replies over the messaging channel.
type ReplyMessenger interface {
	SendReply(ctx context.Context, msg OutboundReply) error
}
