package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/salesrelay/salesrelay/internal/store"
)

// fakeStore is an in-memory ConversationStore for pipeline tests.
type fakeStore struct {
	users    map[string]store.UserProfile
	messages map[string][]store.Message

	saveErr    error
	profileErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]store.UserProfile),
		messages: make(map[string][]store.Message),
	}
}

func (f *fakeStore) SaveMessage(_ context.Context, userKey, role, content string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.messages[userKey] = append(f.messages[userKey], store.Message{Role: role, Content: content})
	return nil
}

func (f *fakeStore) RecentHistory(_ context.Context, userKey string, limit int) ([]store.Message, error) {
	history := f.messages[userKey]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]store.Message(nil), history...), nil
}

func (f *fakeStore) UserExists(_ context.Context, userKey string) (bool, error) {
	_, ok := f.users[userKey]
	return ok, nil
}

func (f *fakeStore) CreateUser(_ context.Context, userKey, displayName string) error {
	if _, ok := f.users[userKey]; ok {
		return nil
	}
	f.users[userKey] = store.UserProfile{DisplayName: displayName, Language: store.DefaultLanguage}
	return nil
}

func (f *fakeStore) UpdateUserLanguage(_ context.Context, userKey, language string) error {
	profile, ok := f.users[userKey]
	if !ok {
		return nil
	}
	profile.Language = language
	f.users[userKey] = profile
	return nil
}

func (f *fakeStore) FetchUserProfile(_ context.Context, userKey string) (store.UserProfile, error) {
	if f.profileErr != nil {
		return store.UserProfile{}, f.profileErr
	}
	profile, ok := f.users[userKey]
	if !ok {
		return store.UserProfile{}, store.ErrUserNotFound
	}
	return profile, nil
}

type staticClassifier struct{ tag string }

func (c staticClassifier) Classify(string) string { return c.tag }

type stubCompletion struct {
	reply string
	err   error

	gotPrompt []ChatMessage
}

func (s *stubCompletion) Complete(_ context.Context, messages []ChatMessage) (string, error) {
	s.gotPrompt = messages
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type recordingMessenger struct {
	sent []OutboundReply
	err  error
}

func (m *recordingMessenger) SendReply(_ context.Context, msg OutboundReply) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func newTestOrchestrator(st *fakeStore, llm CompletionClient, messenger ReplyMessenger, tag string) *Orchestrator {
	return NewOrchestrator(st, staticClassifier{tag: tag}, NewPromptBuilder(st), llm, messenger, nil)
}

func TestHandleInboundFreshIdentity(t *testing.T) {
	st := newFakeStore()
	llm := &stubCompletion{reply: "It costs $49 per month."}
	messenger := &recordingMessenger{}
	orch := newTestOrchestrator(st, llm, messenger, "en")

	err := orch.HandleInbound(context.Background(), "whatsapp:+15550001111", "Hello, how much does it cost?")
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	profile, ok := st.users["whatsapp:+15550001111"]
	if !ok {
		t.Fatal("expected user row to be created")
	}
	if profile.Language != "en" {
		t.Fatalf("expected detected language en, got %s", profile.Language)
	}
	if profile.DisplayName != "" {
		t.Fatalf("expected empty provisional display name, got %q", profile.DisplayName)
	}

	// The prompt saw 1 system entry + the inbound message (already persisted).
	if len(llm.gotPrompt) != 2 {
		t.Fatalf("expected system + inbound in prompt, got %d entries", len(llm.gotPrompt))
	}
	if llm.gotPrompt[0].Role != ChatRoleSystem {
		t.Fatalf("expected system entry first, got %s", llm.gotPrompt[0].Role)
	}

	history := st.messages["whatsapp:+15550001111"]
	if len(history) != 2 {
		t.Fatalf("expected inbound + ai rows, got %d", len(history))
	}
	if history[0].Role != ChatRoleUser || history[1].Role != ChatRoleAI {
		t.Fatalf("unexpected roles: %s, %s", history[0].Role, history[1].Role)
	}
	for _, m := range history {
		if m.Role == ChatRoleSystem {
			t.Fatal("system entries must never be persisted")
		}
	}

	if len(messenger.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(messenger.sent))
	}
	if messenger.sent[0].Body != "It costs $49 per month." {
		t.Fatalf("expected reply delivered unchanged, got %q", messenger.sent[0].Body)
	}
	if messenger.sent[0].To != "whatsapp:+15550001111" {
		t.Fatalf("expected reply addressed to sender, got %s", messenger.sent[0].To)
	}
}

func TestHandleInboundLanguageReclassifiedEveryMessage(t *testing.T) {
	st := newFakeStore()
	llm := &stubCompletion{reply: "Конечно!"}
	messenger := &recordingMessenger{}
	orch := newTestOrchestrator(st, llm, messenger, "ru")

	if err := orch.HandleInbound(context.Background(), "whatsapp:+15550001111", "Сколько это стоит?"); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if st.users["whatsapp:+15550001111"].Language != "ru" {
		t.Fatalf("expected stored language ru, got %s", st.users["whatsapp:+15550001111"].Language)
	}

	// The same user switching language flips the stored tag, no stickiness.
	orch = newTestOrchestrator(st, llm, messenger, "en")
	if err := orch.HandleInbound(context.Background(), "whatsapp:+15550001111", "And in dollars?"); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	if st.users["whatsapp:+15550001111"].Language != "en" {
		t.Fatalf("expected stored language en after reclassification, got %s", st.users["whatsapp:+15550001111"].Language)
	}
}

func TestHandleInboundTruncatesDeliveredReply(t *testing.T) {
	st := newFakeStore()
	long := strings.Repeat("я", 300)
	llm := &stubCompletion{reply: long}
	messenger := &recordingMessenger{}
	orch := newTestOrchestrator(st, llm, messenger, "ru")

	if err := orch.HandleInbound(context.Background(), "whatsapp:+15550001111", "Расскажите подробнее"); err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	delivered := messenger.sent[0].Body
	if got := len([]rune(delivered)); got != MaxReplyRunes {
		t.Fatalf("expected delivered body of %d runes, got %d", MaxReplyRunes, got)
	}
	if delivered != strings.Repeat("я", MaxReplyRunes) {
		t.Fatal("expected delivered body to be the reply prefix")
	}

	// The persisted ai row keeps the full text.
	history := st.messages["whatsapp:+15550001111"]
	if history[len(history)-1].Content != long {
		t.Fatal("expected full reply persisted despite truncation")
	}
}

func TestHandleInboundCompletionFailure(t *testing.T) {
	st := newFakeStore()
	llm := &stubCompletion{err: errors.New("provider timeout")}
	messenger := &recordingMessenger{}
	orch := newTestOrchestrator(st, llm, messenger, "en")

	err := orch.HandleInbound(context.Background(), "whatsapp:+15550001111", "Hello?")
	if err == nil {
		t.Fatal("expected completion failure to abort the pipeline")
	}

	history := st.messages["whatsapp:+15550001111"]
	if len(history) != 1 || history[0].Role != ChatRoleUser {
		t.Fatalf("expected only the inbound message persisted, got %+v", history)
	}
	if len(messenger.sent) != 0 {
		t.Fatal("expected no delivery after completion failure")
	}
}

func TestHandleInboundDeliveryFailureKeepsState(t *testing.T) {
	st := newFakeStore()
	llm := &stubCompletion{reply: "Happy to help."}
	messenger := &recordingMessenger{err: errors.New("channel unavailable")}
	orch := newTestOrchestrator(st, llm, messenger, "en")

	err := orch.HandleInbound(context.Background(), "whatsapp:+15550001111", "Hi")
	if err == nil {
		t.Fatal("expected delivery failure to surface")
	}

	// Both rows stand; the user just never saw the reply.
	history := st.messages["whatsapp:+15550001111"]
	if len(history) != 2 {
		t.Fatalf("expected inbound + ai rows to survive delivery failure, got %d", len(history))
	}
}

func TestHandleInboundStoreFailureAbortsEarly(t *testing.T) {
	st := newFakeStore()
	st.saveErr = errors.New("connection refused")
	llm := &stubCompletion{reply: "unused"}
	messenger := &recordingMessenger{}
	orch := newTestOrchestrator(st, llm, messenger, "en")

	if err := orch.HandleInbound(context.Background(), "whatsapp:+15550001111", "Hi"); err == nil {
		t.Fatal("expected store failure to abort the pipeline")
	}
	if len(st.users) != 0 {
		t.Fatal("expected no user created after persist failure")
	}
	if llm.gotPrompt != nil {
		t.Fatal("expected no completion call after persist failure")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("short", 256); got != "short" {
		t.Fatalf("expected short string unchanged, got %q", got)
	}
	if got := truncateRunes(strings.Repeat("a", 300), 256); len(got) != 256 {
		t.Fatalf("expected 256 bytes for ascii input, got %d", len(got))
	}
	// Truncation must not split multi-byte runes.
	got := truncateRunes(strings.Repeat("ю", 300), 256)
	if len([]rune(got)) != 256 {
		t.Fatalf("expected 256 runes, got %d", len([]rune(got)))
	}
}
