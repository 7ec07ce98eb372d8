package services

import (
	"context"
	"strings"

	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
)

// PriorityCommand is used by the built-in commands so they win over most rules
const PriorityCommand = 0

// MessageText returns what the user typed or tapped: the text body, or the
// title of a button or list reply.
func MessageText(msg *models.Message) string {
	if body, ok := msg.Content["body"].(string); ok {
		return strings.TrimSpace(body)
	}
	if text, ok := msg.Content["text"].(string); ok {
		return strings.TrimSpace(text)
	}
	for _, key := range []string{"button_reply", "list_reply"} {
		if reply, ok := msg.Content[key].(map[string]interface{}); ok {
			if title, ok := reply["title"].(string); ok {
				return strings.TrimSpace(title)
			}
		}
	}
	return ""
}

// ReplyID returns the id of a tapped button or list row
func ReplyID(msg *models.Message) string {
	for _, key := range []string{"button_reply", "list_reply"} {
		if reply, ok := msg.Content[key].(map[string]interface{}); ok {
			if id, ok := reply["id"].(string); ok {
				return id
			}
		}
	}
	if payload, ok := msg.Content["payload"].(string); ok {
		return payload
	}
	return ""
}

// TextEquals matches when the message text equals one of words, ignoring case
func TextEquals(words ...string) RuleCondition {
	return func(_ context.Context, msg *models.Message, _ *models.User, _ *models.Session) bool {
		text := MessageText(msg)
		for _, word := range words {
			if strings.EqualFold(text, word) {
				return true
			}
		}
		return false
	}
}

// TextContains matches when the message text contains one of words, ignoring case
func TextContains(words ...string) RuleCondition {
	return func(_ context.Context, msg *models.Message, _ *models.User, _ *models.Session) bool {
		text := strings.ToLower(MessageText(msg))
		if text == "" {
			return false
		}
		for _, word := range words {
			if strings.Contains(text, strings.ToLower(word)) {
				return true
			}
		}
		return false
	}
}

// ReplyIs matches a tapped button or list row by id
func ReplyIs(id string) RuleCondition {
	return func(_ context.Context, msg *models.Message, _ *models.User, _ *models.Session) bool {
		return ReplyID(msg) == id
	}
}

// StepIs matches while the session is at step
func StepIs(step string) RuleCondition {
	return func(_ context.Context, _ *models.Message, _ *models.User, session *models.Session) bool {
		return session != nil && session.CurrentStep == step
	}
}

// LanguageIs matches users whose preferred language is one of langs
func LanguageIs(langs ...string) RuleCondition {
	return func(_ context.Context, _ *models.Message, user *models.User, _ *models.Session) bool {
		if user == nil {
			return false
		}
		for _, lang := range langs {
			if strings.EqualFold(user.Language, lang) {
				return true
			}
		}
		return false
	}
}

// All matches when every condition matches
func All(conditions ...RuleCondition) RuleCondition {
	return func(ctx context.Context, msg *models.Message, user *models.User, session *models.Session) bool {
		for _, c := range conditions {
			if !c(ctx, msg, user, session) {
				return false
			}
		}
		return true
	}
}

// DefaultRules are the built-in commands: "reset" ends the session, "help" lists commands
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "reset",
			Priority:  PriorityCommand,
			Condition: TextEquals("reset", "restart", "/reset"),
			Action: func(ctx context.Context, rc *RuleContext) error {
				if err := rc.Reply(ctx, "🔄 Your conversation has been reset. Send a message to start again."); err != nil {
					return err
				}
				return rc.Sessions.End(ctx, rc.Session)
			},
		},
		{
			Name:      "help",
			Priority:  PriorityCommand,
			Condition: TextEquals("help", "/help", "menu"),
			Action: func(ctx context.Context, rc *RuleContext) error {
				return rc.Reply(ctx, helpMessage)
			},
		},
	}
}

const helpMessage = `📱 *Available commands*

• *help* - show this message
• *reset* - start a new conversation

Anything else, just ask! 💬`
