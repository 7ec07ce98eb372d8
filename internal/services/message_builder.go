package services

import (
	"context"
	"errors"
	"fmt"
)

// platform limits for interactive messages
const (
	maxReplyButtons = 3
	maxListRows     = 10
)

var ErrInvalidMessage = errors.New("invalid outbound message")

// MessageBuilder composes text, button and list messages fluently:
//
//	NewMessageBuilder(sender).To(phone).Text("Pick one").Buttons(yes, no).Send(ctx)
type MessageBuilder struct {
	sender     Sender
	to         string
	body       string
	contextID  string
	buttonText string
	buttons    []Button
	sections   []ListSection
}

func NewMessageBuilder(sender Sender) *MessageBuilder {
	return &MessageBuilder{sender: sender}
}

func (b *MessageBuilder) To(to string) *MessageBuilder {
	b.to = to
	return b
}

func (b *MessageBuilder) Text(body string) *MessageBuilder {
	b.body = body
	return b
}

// Context makes the message a reply to messageID
func (b *MessageBuilder) Context(messageID string) *MessageBuilder {
	b.contextID = messageID
	return b
}

// Buttons turns the message into quick-reply buttons
func (b *MessageBuilder) Buttons(buttons ...Button) *MessageBuilder {
	b.buttons = buttons
	b.sections = nil
	return b
}

// List turns the message into a list opened by buttonText
func (b *MessageBuilder) List(buttonText string, sections ...ListSection) *MessageBuilder {
	b.buttonText = buttonText
	b.sections = sections
	b.buttons = nil
	return b
}

// Build validates and returns the payload without sending it
func (b *MessageBuilder) Build() (*OutboundMessage, error) {
	if b.to == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidMessage)
	}
	if b.body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}

	switch {
	case len(b.buttons) > 0:
		if len(b.buttons) > maxReplyButtons {
			return nil, fmt.Errorf("%w: at most %d reply buttons", ErrInvalidMessage, maxReplyButtons)
		}
		action := InteractiveAction{}
		for _, btn := range b.buttons {
			if btn.ID == "" {
				btn.ID = btn.Title
			}
			action.Buttons = append(action.Buttons, InteractiveButton{Type: "reply", Reply: btn})
		}
		return b.interactive("button", action), nil

	case len(b.sections) > 0:
		rows := 0
		for _, section := range b.sections {
			rows += len(section.Rows)
		}
		if rows == 0 || rows > maxListRows {
			return nil, fmt.Errorf("%w: a list needs between 1 and %d rows", ErrInvalidMessage, maxListRows)
		}
		if b.buttonText == "" {
			return nil, fmt.Errorf("%w: list button text is required", ErrInvalidMessage)
		}
		return b.interactive("list", InteractiveAction{Button: b.buttonText, Sections: b.sections}), nil

	default:
		return NewTextMessage(b.to, b.body, b.contextID), nil
	}
}

// Send builds the message and hands it to the sender
func (b *MessageBuilder) Send(ctx context.Context) (*SendResponse, error) {
	msg, err := b.Build()
	if err != nil {
		return nil, err
	}
	return b.sender.Send(ctx, msg)
}

func (b *MessageBuilder) interactive(kind string, action InteractiveAction) *OutboundMessage {
	msg := &OutboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               b.to,
		Type:             "interactive",
		Interactive: &InteractiveContent{
			Type:   kind,
			Body:   &InteractiveText{Text: b.body},
			Action: action,
		},
	}
	if b.contextID != "" {
		msg.Context = &ReplyContext{MessageID: b.contextID}
	}
	return msg
}
