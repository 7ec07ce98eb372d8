package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/metrics"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
	"github.com/Ananth-NQI/whatsapp-engine/internal/utils"
)

const defaultAITimeout = 30 * time.Second

// RuleCondition decides whether a rule handles msg from user
type RuleCondition func(ctx context.Context, msg *models.Message, user *models.User, session *models.Session) bool

// RuleAction handles a matched message
type RuleAction func(ctx context.Context, rc *RuleContext) error

// Rule pairs a condition with an action. Lower Priority values are tried first;
// rules with equal priority keep their registration order.
type Rule struct {
	Name      string
	Priority  int
	Condition RuleCondition
	Action    RuleAction
}

// RuleContext is what an action gets to work with. Sender is bound to the
// session: everything sent through it is recorded as an outgoing message.
type RuleContext struct {
	Message  *models.Message
	User     *models.User
	Session  *models.Session
	Sender   Sender
	Sessions *SessionManager
}

// Reply sends a text message back to the user
func (rc *RuleContext) Reply(ctx context.Context, body string) error {
	_, err := rc.Sender.Send(ctx, NewTextMessage(rc.User.PhoneNumber, body, ""))
	return err
}

// ChatbotEngine dispatches inbound messages to the first matching rule and
// falls back to the AI provider when none matches.
type ChatbotEngine struct {
	cfg       config.ChatbotConfig
	store     storage.Store
	sessions  *SessionManager
	sender    Sender
	ai        AIProvider
	aiTimeout time.Duration

	mu    sync.RWMutex
	rules []Rule
}

// NewChatbotEngine creates the engine. ai may be nil, in which case unmatched
// messages get no reply.
func NewChatbotEngine(cfg config.ChatbotConfig, store storage.Store, sessions *SessionManager, sender Sender, ai AIProvider, rules ...Rule) *ChatbotEngine {
	e := &ChatbotEngine{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		sender:    sender,
		ai:        ai,
		aiTimeout: defaultAITimeout,
	}
	for _, rule := range rules {
		e.AddRule(rule)
	}
	return e
}

// SetAITimeout bounds each AI call
func (e *ChatbotEngine) SetAITimeout(d time.Duration) {
	if d > 0 {
		e.aiTimeout = d
	}
}

// AddRule registers a rule, keeping the list ordered by priority
func (e *ChatbotEngine) AddRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool { return e.rules[i].Priority < e.rules[j].Priority })
}

// ClearRules removes every registered rule
func (e *ChatbotEngine) ClearRules() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
}

// Rules returns the registered rules in evaluation order
func (e *ChatbotEngine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Subscribe registers the engine on bus unless the chatbot is disabled
func (e *ChatbotEngine) Subscribe(bus *EventBus) bool {
	if !e.cfg.Enabled {
		log.Println("⚠️  Chatbot disabled - inbound messages will be stored only")
		return false
	}
	bus.OnMessageReceived(e.OnMessageReceived)
	return true
}

// OnMessageReceived is the EventBus listener
func (e *ChatbotEngine) OnMessageReceived(ctx context.Context, ev MessageReceived) error {
	return e.Process(ctx, ev.Message, ev.User)
}

// Process runs one inbound message through the rules and the AI fallback
func (e *ChatbotEngine) Process(ctx context.Context, msg *models.Message, user *models.User) error {
	if user.IsBlocked {
		log.Printf("🚫 Ignoring message from blocked user %s", user.PhoneNumber)
		return nil
	}
	if !msg.IsIncoming() {
		return nil
	}

	session, err := e.sessions.GetOrCreate(ctx, user)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}

	if err := e.store.AttachMessageToSession(ctx, msg.ID, session.ID); err != nil {
		return fmt.Errorf("attach message %d to session: %w", msg.ID, err)
	}
	sessionID := session.ID
	msg.SessionID = &sessionID

	sender := &sessionSender{engine: e, user: user, session: session}

	for _, rule := range e.Rules() {
		if !rule.Condition(ctx, msg, user, session) {
			continue
		}

		metrics.RuleMatches.WithLabelValues(rule.Name).Inc()
		log.Printf("🤖 Rule %q handling message %s from %s", rule.Name, msg.ExternalID, user.PhoneNumber)

		rc := &RuleContext{Message: msg, User: user, Session: session, Sender: sender, Sessions: e.sessions}
		if err := rule.Action(ctx, rc); err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		if session.Status != models.SessionStatusActive {
			return nil
		}
		err := e.sessions.Save(ctx, session)
		if errors.Is(err, storage.ErrSessionNotActive) {
			log.Printf("Session %d closed while rule %q ran, context changes dropped", session.ID, rule.Name)
			return nil
		}
		if err != nil {
			return fmt.Errorf("save session %d: %w", session.ID, err)
		}
		return nil
	}

	return e.fallback(ctx, msg, user, session, sender)
}

// fallback asks the AI provider. Provider errors, timeouts and empty answers
// end the turn without a reply; only send failures are returned.
func (e *ChatbotEngine) fallback(ctx context.Context, msg *models.Message, user *models.User, session *models.Session, sender Sender) error {
	if e.ai == nil {
		log.Printf("No rule matched message %s and no AI provider is configured", msg.ExternalID)
		return nil
	}

	history, err := e.history(ctx, session, msg)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	aiCtx, cancel := context.WithTimeout(ctx, e.aiTimeout)
	reply, err := e.ai.Chat(aiCtx, msg.Body(), history)
	cancel()

	if err != nil {
		metrics.AIFallbacks.WithLabelValues("failed").Inc()
		log.Printf("❌ AI provider %s failed for message %s: %v", e.ai.Name(), msg.ExternalID, err)
		return nil
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		metrics.AIFallbacks.WithLabelValues("empty").Inc()
		log.Printf("⚠️  AI provider %s returned an empty reply for message %s", e.ai.Name(), msg.ExternalID)
		return nil
	}

	metrics.AIFallbacks.WithLabelValues("replied").Inc()
	_, err = sender.Send(ctx, NewTextMessage(user.PhoneNumber, reply, ""))
	return err
}

// history returns up to HistoryLimit prior messages of the session, oldest
// first, without the message being answered.
func (e *ChatbotEngine) history(ctx context.Context, session *models.Session, current *models.Message) ([]ChatTurn, error) {
	limit := e.cfg.HistoryLimit
	if limit <= 0 {
		return nil, nil
	}

	recent, err := e.store.RecentSessionMessages(ctx, session.ID, limit+1)
	if err != nil {
		return nil, err
	}

	turns := make([]ChatTurn, 0, limit)
	for _, m := range recent {
		if m.ID == current.ID || len(turns) == limit {
			continue
		}
		body := m.Body()
		if body == "" {
			continue
		}
		role := RoleUser
		if !m.IsIncoming() {
			role = RoleAssistant
		}
		turns = append(turns, ChatTurn{Role: role, Content: body})
	}

	// store order is newest first
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// sessionSender records every successful send as an outgoing message on the session
type sessionSender struct {
	engine  *ChatbotEngine
	user    *models.User
	session *models.Session
}

func (s *sessionSender) Send(ctx context.Context, msg *OutboundMessage) (*SendResponse, error) {
	resp, err := s.engine.sender.Send(ctx, msg)
	if err != nil {
		return nil, err
	}

	externalID := resp.MessageID()
	if externalID == "" {
		externalID = utils.GenerateSecureID("local_")
	}
	now := s.engine.sessions.Now()
	sessionID := s.session.ID

	record := &models.Message{
		UserID:     s.user.ID,
		SessionID:  &sessionID,
		ExternalID: externalID,
		Type:       msg.Type,
		Direction:  models.DirectionOutgoing,
		Status:     models.MessageStatusSent,
		Content:    outboundContent(msg),
		SentAt:     &now,
	}
	record.CreatedAt = now
	if _, _, err := s.engine.store.CreateMessageIfAbsent(ctx, record); err != nil {
		log.Printf("⚠️  Sent %s but failed to record it: %v", externalID, err)
	}
	return resp, nil
}

func outboundContent(msg *OutboundMessage) map[string]interface{} {
	if msg.Text != nil {
		return map[string]interface{}{"body": msg.Text.Body}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return map[string]interface{}{}
	}
	var content map[string]interface{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return map[string]interface{}{}
	}
	delete(content, "messaging_product")
	delete(content, "recipient_type")
	delete(content, "to")
	return content
}
