package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

type stubAI struct {
	mu          sync.Mutex
	reply       string
	err         error
	delay       time.Duration
	calls       int
	lastMessage string
	lastHistory []ChatTurn
}

func (s *stubAI) Name() string { return "stub" }

func (s *stubAI) Chat(ctx context.Context, message string, history []ChatTurn) (string, error) {
	s.mu.Lock()
	s.calls++
	s.lastMessage = message
	s.lastHistory = history
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

type engineFixture struct {
	engine *ChatbotEngine
	sender *FakeSender
	store  *storage.MemoryStore
	clock  *testClock
	user   *models.User
	seq    int
}

func newEngineFixture(t *testing.T, ai AIProvider, rules ...Rule) *engineFixture {
	t.Helper()
	sessions, store, clock, user := newTestSessions(t)
	sender := NewFakeSender()
	cfg := config.ChatbotConfig{Enabled: true, SessionTimeout: 1800, HistoryLimit: 10}

	engine := NewChatbotEngine(cfg, store, sessions, sender, ai, rules...)
	return &engineFixture{engine: engine, sender: sender, store: store, clock: clock, user: user}
}

// incoming stores an inbound text message the way the webhook handler would
func (f *engineFixture) incoming(t *testing.T, body string) *models.Message {
	t.Helper()
	f.seq++
	f.clock.Advance(time.Second)

	msg := &models.Message{
		UserID:     f.user.ID,
		ExternalID: fmt.Sprintf("wamid.IN%d", f.seq),
		Type:       models.MessageTypeText,
		Direction:  models.DirectionIncoming,
		Status:     models.MessageStatusReceived,
		Content:    map[string]interface{}{"body": body},
	}
	msg.CreatedAt = f.clock.Now()

	stored, created, err := f.store.CreateMessageIfAbsent(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func namedRule(name string, priority int, fired *[]string) Rule {
	return Rule{
		Name:      name,
		Priority:  priority,
		Condition: func(context.Context, *models.Message, *models.User, *models.Session) bool { return true },
		Action: func(ctx context.Context, rc *RuleContext) error {
			*fired = append(*fired, name)
			return nil
		},
	}
}

func TestChatbotEngine_RulePrecedence(t *testing.T) {
	var fired []string
	f := newEngineFixture(t, &stubAI{reply: "should not be used"},
		namedRule("p5", 5, &fired),
		namedRule("p1", 1, &fired),
		namedRule("p10", 10, &fired),
	)
	f.engine.AddRule(namedRule("p1-later", 1, &fired))

	require.NoError(t, f.engine.Process(context.Background(), f.incoming(t, "hi"), f.user))
	assert.Equal(t, []string{"p1"}, fired)

	var order []string
	for _, r := range f.engine.Rules() {
		order = append(order, r.Name)
	}
	assert.Equal(t, []string{"p1", "p1-later", "p5", "p10"}, order)
}

func TestChatbotEngine_RuleReplyIsRecordedOnSession(t *testing.T) {
	f := newEngineFixture(t, nil, Rule{
		Name:      "greet",
		Priority:  1,
		Condition: TextEquals("hi"),
		Action: func(ctx context.Context, rc *RuleContext) error {
			rc.Session.SetContext("greeted", true)
			return rc.Reply(ctx, "Hello from a rule")
		},
	})
	ctx := context.Background()

	msg := f.incoming(t, "HI")
	require.NoError(t, f.engine.Process(ctx, msg, f.user))
	assert.Equal(t, []string{"Hello from a rule"}, f.sender.Texts())

	session, err := f.store.GetActiveSession(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, true, session.GetContext("greeted", false))

	recent, err := f.store.RecentSessionMessages(ctx, session.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, models.DirectionOutgoing, recent[0].Direction)
	assert.Equal(t, msg.ExternalID, recent[1].ExternalID)
}

func TestChatbotEngine_ConditionSeesUser(t *testing.T) {
	var fired []string
	f := newEngineFixture(t, nil,
		Rule{
			Name:      "spanish",
			Priority:  1,
			Condition: All(LanguageIs("es"), TextEquals("hola")),
			Action: func(ctx context.Context, rc *RuleContext) error {
				fired = append(fired, "spanish")
				return rc.Reply(ctx, "¡Hola!")
			},
		},
		Rule{
			Name:     "vip",
			Priority: 2,
			Condition: func(_ context.Context, _ *models.Message, user *models.User, _ *models.Session) bool {
				return user.ProfileName == "Ada"
			},
			Action: func(ctx context.Context, rc *RuleContext) error {
				fired = append(fired, "vip")
				return nil
			},
		},
	)
	ctx := context.Background()

	f.user.Language = "en"
	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "hola"), f.user))
	assert.Empty(t, fired)

	f.user.Language = "ES"
	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "hola"), f.user))
	assert.Equal(t, []string{"spanish"}, fired)

	f.user.ProfileName = "Ada"
	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "anything"), f.user))
	assert.Equal(t, []string{"spanish", "vip"}, fired)
	assert.Equal(t, []string{"¡Hola!"}, f.sender.Texts())
}

func TestChatbotEngine_ClearRules(t *testing.T) {
	var fired []string
	ai := &stubAI{reply: "Hello"}
	f := newEngineFixture(t, ai, namedRule("a", 1, &fired), namedRule("b", 2, &fired))

	f.engine.ClearRules()
	assert.Empty(t, f.engine.Rules())

	require.NoError(t, f.engine.Process(context.Background(), f.incoming(t, "hi"), f.user))
	assert.Empty(t, fired)
	assert.Equal(t, 1, ai.calls)

	f.engine.AddRule(namedRule("c", 1, &fired))
	require.NoError(t, f.engine.Process(context.Background(), f.incoming(t, "hi"), f.user))
	assert.Equal(t, []string{"c"}, fired)
}

func TestChatbotEngine_RuleEndingSessionLeavesItClosed(t *testing.T) {
	f := newEngineFixture(t, nil, Rule{
		Name:      "checkout",
		Priority:  1,
		Condition: TextEquals("done"),
		Action: func(ctx context.Context, rc *RuleContext) error {
			rc.Session.SetContext("order", "placed")
			return rc.Sessions.End(ctx, rc.Session)
		},
	})
	ctx := context.Background()

	first, err := f.engine.sessions.GetOrCreate(ctx, f.user)
	require.NoError(t, err)

	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "done"), f.user))

	_, err = f.store.GetActiveSession(ctx, f.user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	count, err := f.store.CountActiveSessions(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, count)

	next, err := f.engine.sessions.GetOrCreate(ctx, f.user)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestChatbotEngine_AIFallbackSendsOneReply(t *testing.T) {
	ai := &stubAI{reply: "Hello"}
	f := newEngineFixture(t, ai)

	require.NoError(t, f.engine.Process(context.Background(), f.incoming(t, "hey there"), f.user))

	sent := f.sender.SentTo(f.user.PhoneNumber)
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello", sent[0].Text.Body)
	assert.Equal(t, "hey there", ai.lastMessage)
	assert.Empty(t, ai.lastHistory)
}

func TestChatbotEngine_AIHistoryIsChronologicalAndExcludesCurrent(t *testing.T) {
	ai := &stubAI{reply: "Hello"}
	f := newEngineFixture(t, ai)
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "first"), f.user))
	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "second"), f.user))

	assert.Equal(t, "second", ai.lastMessage)
	assert.Equal(t, []ChatTurn{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "Hello"},
	}, ai.lastHistory)
}

func TestChatbotEngine_AIFailuresAreSilent(t *testing.T) {
	tests := []struct {
		name string
		ai   *stubAI
	}{
		{"provider error", &stubAI{err: errors.New("boom")}},
		{"timeout", &stubAI{reply: "too late", delay: time.Second}},
		{"empty reply", &stubAI{reply: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, tt.ai)
			f.engine.SetAITimeout(20 * time.Millisecond)

			err := f.engine.Process(context.Background(), f.incoming(t, "anyone?"), f.user)
			assert.NoError(t, err)
			assert.Empty(t, f.sender.Sent())
			assert.Equal(t, 1, tt.ai.calls)
		})
	}
}

func TestChatbotEngine_NoAIProviderIsSilent(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.engine.Process(context.Background(), f.incoming(t, "hello?"), f.user))
	assert.Empty(t, f.sender.Sent())
}

func TestChatbotEngine_SendFailurePropagates(t *testing.T) {
	f := newEngineFixture(t, &stubAI{reply: "Hello"})
	f.sender.Err = &ProviderError{StatusCode: http.StatusBadRequest, Message: "Invalid parameter"}

	err := f.engine.Process(context.Background(), f.incoming(t, "hi"), f.user)
	require.Error(t, err)

	var providerErr *ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, http.StatusBadRequest, providerErr.StatusCode)
}

func TestChatbotEngine_BlockedUserShortCircuits(t *testing.T) {
	ai := &stubAI{reply: "Hello"}
	var fired []string
	f := newEngineFixture(t, ai, namedRule("any", 1, &fired))
	ctx := context.Background()

	blocked, err := f.store.SetUserBlocked(ctx, f.user.PhoneNumber, true)
	require.NoError(t, err)

	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "hi"), blocked))

	assert.Empty(t, fired)
	assert.Zero(t, ai.calls)
	assert.Empty(t, f.sender.Sent())
	_, err = f.store.GetActiveSession(ctx, f.user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChatbotEngine_DefaultRules(t *testing.T) {
	ai := &stubAI{reply: "Hello"}
	f := newEngineFixture(t, ai, DefaultRules()...)
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "HELP"), f.user))
	require.Len(t, f.sender.Texts(), 1)
	assert.Contains(t, f.sender.Texts()[0], "reset")

	first, err := f.store.GetActiveSession(ctx, f.user.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "reset"), f.user))
	assert.Len(t, f.sender.Texts(), 2)
	_, err = f.store.GetActiveSession(ctx, f.user.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, f.engine.Process(ctx, f.incoming(t, "hello again"), f.user))
	second, err := f.store.GetActiveSession(ctx, f.user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, ai.calls)
}

func TestChatbotEngine_Subscribe(t *testing.T) {
	f := newEngineFixture(t, &stubAI{reply: "Hello"})
	bus := NewEventBus()

	assert.True(t, f.engine.Subscribe(bus))
	msg := f.incoming(t, "via bus")
	require.NoError(t, bus.PublishMessageReceived(context.Background(), MessageReceived{Message: msg, User: f.user}))
	assert.Len(t, f.sender.Sent(), 1)

	disabled := NewChatbotEngine(config.ChatbotConfig{Enabled: false}, f.store, nil, f.sender, nil)
	assert.False(t, disabled.Subscribe(NewEventBus()))
}

func TestMessageTextAndReplyID(t *testing.T) {
	button := &models.Message{Content: map[string]interface{}{
		"type":         "button_reply",
		"button_reply": map[string]interface{}{"id": "yes", "title": " Yes "},
	}}
	assert.Equal(t, "Yes", MessageText(button))
	assert.Equal(t, "yes", ReplyID(button))
	assert.True(t, ReplyIs("yes")(context.Background(), button, nil, nil))

	legacy := &models.Message{Content: map[string]interface{}{"payload": "p1", "text": "Tap"}}
	assert.Equal(t, "Tap", MessageText(legacy))
	assert.Equal(t, "p1", ReplyID(legacy))

	text := &models.Message{Content: map[string]interface{}{"body": "Need HELP now"}}
	assert.True(t, TextContains("help")(context.Background(), text, nil, nil))
	assert.False(t, TextEquals("help")(context.Background(), text, nil, nil))

	session := &models.Session{CurrentStep: "ask_name"}
	assert.True(t, All(StepIs("ask_name"), TextContains("now"))(context.Background(), text, nil, session))
}
