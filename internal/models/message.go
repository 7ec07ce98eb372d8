package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message types
const (
	MessageTypeText        = "text"
	MessageTypeImage       = "image"
	MessageTypeVideo       = "video"
	MessageTypeAudio       = "audio"
	MessageTypeDocument    = "document"
	MessageTypeLocation    = "location"
	MessageTypeContact     = "contact"
	MessageTypeInteractive = "interactive"
	MessageTypeTemplate    = "template"
	MessageTypeReaction    = "reaction"
	MessageTypeSticker     = "sticker"
	MessageTypeUnknown     = "unknown"
)

// Directions
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message statuses
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
	MessageStatusReceived  = "received"
	MessageStatusDeleted   = "deleted"
)

// DefaultErrorMessage is stored when a failed status carries no error details
const DefaultErrorMessage = "Unknown error"

// Message is one inbound or outbound WhatsApp message. ExternalID is the
// platform's wamid and is unique across the table.
type Message struct {
	gorm.Model
	UserID       uint              `json:"user_id" gorm:"not null;index:idx_messages_user_direction,priority:1"`
	SessionID    *uint             `json:"session_id" gorm:"index"`
	ExternalID   string            `json:"message_id" gorm:"uniqueIndex;not null"`
	Type         string            `json:"type" gorm:"size:20;not null;default:text"`
	Direction    string            `json:"direction" gorm:"size:10;not null;index:idx_messages_user_direction,priority:2"`
	Status       string            `json:"status" gorm:"size:20;not null;default:pending;index"`
	Content      datatypes.JSONMap `json:"content"`
	Metadata     datatypes.JSON    `json:"metadata"`
	SentAt       *time.Time        `json:"sent_at"`
	DeliveredAt  *time.Time        `json:"delivered_at"`
	ReadAt       *time.Time        `json:"read_at"`
	FailedAt     *time.Time        `json:"failed_at"`
	ErrorMessage string            `json:"error_message"`
}

func (Message) TableName() string { return "whatsapp_messages" }

// IsIncoming reports whether the message came from the user
func (m *Message) IsIncoming() bool {
	return m.Direction == DirectionIncoming
}

// Body returns the text body, or the JSON rendering of the content for
// non-text messages.
func (m *Message) Body() string {
	if body, ok := m.Content["body"].(string); ok {
		return body
	}
	if len(m.Content) == 0 {
		return ""
	}
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return ""
	}
	return string(raw)
}

// StatusUpdate is the set of fields a status webhook may change
type StatusUpdate struct {
	Status       string
	SentAt       *time.Time
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	FailedAt     *time.Time
	ErrorMessage *string
}

// Apply copies the non-nil fields onto m
func (u StatusUpdate) Apply(m *Message) {
	if u.Status != "" {
		m.Status = u.Status
	}
	if u.SentAt != nil {
		m.SentAt = u.SentAt
	}
	if u.DeliveredAt != nil {
		m.DeliveredAt = u.DeliveredAt
	}
	if u.ReadAt != nil {
		m.ReadAt = u.ReadAt
	}
	if u.FailedAt != nil {
		m.FailedAt = u.FailedAt
	}
	if u.ErrorMessage != nil {
		m.ErrorMessage = *u.ErrorMessage
	}
}
