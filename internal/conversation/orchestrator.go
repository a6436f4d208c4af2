// Package conversation implements the per-message pipeline: persist the
// inbound message, resolve the user and their language, assemble the
// completion context, generate a reply, persist it, and hand it to the
// messaging channel.
package conversation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/salesrelay/salesrelay/internal/store"
	"github.com/salesrelay/salesrelay/pkg/logging"
)

var orchestratorTracer = otel.Tracer("salesrelay.internal.conversation.orchestrator")

// MaxReplyRunes bounds the delivered reply body. The full generated text
// is still persisted.
const MaxReplyRunes = 256

// Orchestrator sequences one inbound message into one outbound reply.
// It is safe to invoke concurrently by independent callers; two
// near-simultaneous messages from the same identity may interleave on the
// history read (accepted gap, the user-row insert itself is idempotent).
type Orchestrator struct {
	store      ConversationStore
	classifier Classifier
	prompts    *PromptBuilder
	llm        CompletionClient
	messenger  ReplyMessenger
	logger     *logging.Logger
}

func NewOrchestrator(st ConversationStore, classifier Classifier, prompts *PromptBuilder, llm CompletionClient, messenger ReplyMessenger, logger *logging.Logger) *Orchestrator {
	if st == nil {
		panic("conversation: store cannot be nil")
	}
	if classifier == nil {
		panic("conversation: classifier cannot be nil")
	}
	if prompts == nil {
		panic("conversation: prompt builder cannot be nil")
	}
	if llm == nil {
		panic("conversation: completion client cannot be nil")
	}
	if messenger == nil {
		panic("conversation: messenger cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		store:      st,
		classifier: classifier,
		prompts:    prompts,
		llm:        llm,
		messenger:  messenger,
		logger:     logger,
	}
}

// HandleInbound runs the full pipeline for one (sender, body) pair. Any
// error aborts the remaining steps; persistence already committed stands.
func (o *Orchestrator) HandleInbound(ctx context.Context, senderID, body string) error {
	ctx, span := orchestratorTracer.Start(ctx, "conversation.handle_inbound")
	defer span.End()
	span.SetAttributes(attribute.String("salesrelay.sender", senderID))

	log := o.logger.With("sender", senderID)

	// Persist the inbound message before anything else: losing a reply is
	// recoverable, losing the user's message is not.
	if err := o.store.SaveMessage(ctx, senderID, store.RoleUser, body); err != nil {
		span.RecordError(err)
		return err
	}

	exists, err := o.store.UserExists(ctx, senderID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !exists {
		// Display name stays empty until a real name-capture flow exists.
		if err := o.store.CreateUser(ctx, senderID, ""); err != nil {
			span.RecordError(err)
			return err
		}
		log.Info("created user")
	}

	// Re-classified on every message; the stored tag always tracks the
	// latest input.
	lang := o.classifier.Classify(body)
	if err := o.store.UpdateUserLanguage(ctx, senderID, lang); err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("salesrelay.language", lang))

	prompt, err := o.prompts.Build(ctx, senderID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	reply, err := o.llm.Complete(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := o.store.SaveMessage(ctx, senderID, store.RoleAI, reply); err != nil {
		span.RecordError(err)
		return err
	}

	outbound := OutboundReply{
		To:   senderID,
		Body: truncateRunes(reply, MaxReplyRunes),
	}
	if err := o.messenger.SendReply(ctx, outbound); err != nil {
		// The reply is already in the history; delivery failure does not
		// revert it.
		log.Error("failed to deliver reply", "error", err)
		span.RecordError(err)
		return fmt.Errorf("conversation: deliver reply: %w", err)
	}

	log.Info("message processed", "language", lang, "history_prompt_len", len(prompt))
	return nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
