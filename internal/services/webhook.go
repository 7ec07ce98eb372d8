package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"gorm.io/datatypes"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/metrics"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string        `json:"field"`
	Value *webhookValue `json:"value"`
}

type webhookValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         map[string]string `json:"metadata"`
	Contacts         []webhookContact  `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []webhookStatus   `json:"statuses"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// platform message type -> stored type
var messageTypes = map[string]string{
	"text":        models.MessageTypeText,
	"image":       models.MessageTypeImage,
	"video":       models.MessageTypeVideo,
	"audio":       models.MessageTypeAudio,
	"document":    models.MessageTypeDocument,
	"location":    models.MessageTypeLocation,
	"contacts":    models.MessageTypeContact,
	"interactive": models.MessageTypeInteractive,
	"button":      models.MessageTypeInteractive,
	"template":    models.MessageTypeTemplate,
	"reaction":    models.MessageTypeReaction,
	"sticker":     models.MessageTypeSticker,
}

// WebhookHandler normalizes Cloud API webhook payloads into stored users,
// messages and status changes, and publishes the resulting events.
type WebhookHandler struct {
	store           storage.Store
	bus             *EventBus
	defaultLanguage string
	now             func() time.Time
}

func NewWebhookHandler(store storage.Store, bus *EventBus, cfg config.ChatbotConfig) *WebhookHandler {
	lang := cfg.DefaultLanguage
	if lang == "" {
		lang = "en"
	}
	return &WebhookHandler{store: store, bus: bus, defaultLanguage: lang, now: time.Now}
}

// SetClock replaces the time source
func (h *WebhookHandler) SetClock(now func() time.Time) {
	h.now = now
}

// Handle processes one webhook body. Bodies that are not a webhook envelope
// are ignored; store and listener failures are returned so the platform retries.
func (h *WebhookHandler) Handle(ctx context.Context, raw []byte) error {
	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("⚠️  Ignoring undecodable webhook payload: %v", err)
		return nil
	}
	if len(payload.Entry) == 0 {
		log.Println("⚠️  Ignoring webhook payload without entries")
		return nil
	}

	var errs []error
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Value == nil {
				continue
			}
			value := change.Value

			profiles := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				if contact.Profile.Name != "" {
					profiles[contact.WaID] = contact.Profile.Name
				}
			}

			for _, rawMessage := range value.Messages {
				if err := h.handleMessage(ctx, rawMessage, profiles); err != nil {
					errs = append(errs, err)
				}
			}
			for _, status := range value.Statuses {
				if err := h.handleStatus(ctx, status); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (h *WebhookHandler) handleMessage(ctx context.Context, raw json.RawMessage, profiles map[string]string) error {
	var message map[string]interface{}
	if err := json.Unmarshal(raw, &message); err != nil {
		metrics.WebhookEvents.WithLabelValues("message", "invalid").Inc()
		log.Printf("⚠️  Skipping undecodable message: %v", err)
		return nil
	}

	from, _ := message["from"].(string)
	messageID, _ := message["id"].(string)
	platformType, _ := message["type"].(string)
	if from == "" || messageID == "" {
		metrics.WebhookEvents.WithLabelValues("message", "invalid").Inc()
		log.Printf("⚠️  Skipping message without sender or id")
		return nil
	}

	now := h.now()
	user, err := h.store.UpsertUser(ctx, from, models.User{
		ProfileName: profiles[from],
		Language:    h.defaultLanguage,
	}, now)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", from, err)
	}

	storedType, known := messageTypes[platformType]
	if !known {
		storedType = models.MessageTypeUnknown
	}

	sentAt := parseUnix(message["timestamp"], now)
	msg := &models.Message{
		UserID:     user.ID,
		ExternalID: messageID,
		Type:       storedType,
		Direction:  models.DirectionIncoming,
		Status:     models.MessageStatusReceived,
		Content:    extractContent(message, platformType),
		Metadata:   datatypes.JSON(raw),
		SentAt:     &sentAt,
	}
	msg.CreatedAt = now

	stored, created, err := h.store.CreateMessageIfAbsent(ctx, msg)
	if err != nil {
		return fmt.Errorf("store message %s: %w", messageID, err)
	}
	if !created {
		metrics.WebhookEvents.WithLabelValues("message", "duplicate").Inc()
		log.Printf("Duplicate delivery of message %s ignored", messageID)
		return nil
	}

	metrics.WebhookEvents.WithLabelValues("message", "stored").Inc()
	log.Printf("📨 Message %s (%s) from %s", messageID, storedType, from)

	// the flow response lands in the session before rules see the message
	var errs []error
	if response, ok := flowResponse(stored); ok {
		if err := h.bus.PublishFlowResponse(ctx, FlowResponseReceived{User: user, Message: stored, Response: response}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.bus.PublishMessageReceived(ctx, MessageReceived{Message: stored, User: user}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *WebhookHandler) handleStatus(ctx context.Context, status webhookStatus) error {
	if status.ID == "" {
		return nil
	}

	at := parseUnix(status.Timestamp, h.now())
	update := models.StatusUpdate{Status: status.Status}

	switch status.Status {
	case models.MessageStatusSent:
		update.SentAt = &at
	case models.MessageStatusDelivered:
		update.DeliveredAt = &at
	case models.MessageStatusRead:
		update.ReadAt = &at
	case models.MessageStatusFailed:
		reason := models.DefaultErrorMessage
		if len(status.Errors) > 0 && status.Errors[0].Title != "" {
			reason = status.Errors[0].Title
		}
		update.FailedAt = &at
		update.ErrorMessage = &reason
	case models.MessageStatusDeleted:
	default:
		metrics.WebhookEvents.WithLabelValues("status", "ignored").Inc()
		log.Printf("⚠️  Ignoring unknown status %q for %s", status.Status, status.ID)
		return nil
	}

	updated, err := h.store.UpdateMessageStatus(ctx, status.ID, update)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.WebhookEvents.WithLabelValues("status", "untracked").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("update status of %s: %w", status.ID, err)
	}

	metrics.WebhookEvents.WithLabelValues("status", "updated").Inc()
	return h.bus.PublishStatusUpdated(ctx, StatusUpdated{Message: updated, Status: status.Status})
}

// extractContent keeps the fields the engine cares about for each type;
// other types keep the raw message.
func extractContent(message map[string]interface{}, platformType string) datatypes.JSONMap {
	section, _ := message[platformType].(map[string]interface{})

	switch platformType {
	case "text":
		body, _ := section["body"].(string)
		return datatypes.JSONMap{"body": body}
	case "image", "video", "audio", "document", "sticker":
		return datatypes.JSONMap{
			"id":        section["id"],
			"mime_type": section["mime_type"],
			"caption":   section["caption"],
		}
	case "location":
		return datatypes.JSONMap{
			"latitude":  section["latitude"],
			"longitude": section["longitude"],
			"name":      section["name"],
			"address":   section["address"],
		}
	case "interactive":
		return datatypes.JSONMap{
			"type":         section["type"],
			"button_reply": section["button_reply"],
			"list_reply":   section["list_reply"],
			"nfm_reply":    section["nfm_reply"],
		}
	case "button":
		return datatypes.JSONMap{
			"payload": section["payload"],
			"text":    section["text"],
		}
	default:
		return datatypes.JSONMap(message)
	}
}

// flowResponse decodes nfm_reply.response_json of a submitted flow
func flowResponse(msg *models.Message) (map[string]interface{}, bool) {
	reply, ok := msg.Content["nfm_reply"].(map[string]interface{})
	if !ok {
		return nil, false
	}

	response := map[string]interface{}{}
	switch raw := reply["response_json"].(type) {
	case string:
		if err := json.Unmarshal([]byte(raw), &response); err != nil {
			log.Printf("⚠️  Flow reply on %s has invalid response_json: %v", msg.ExternalID, err)
		}
	case map[string]interface{}:
		response = raw
	}
	return response, true
}

// parseUnix reads the platform's string (or numeric) unix seconds, falling back to def
func parseUnix(v interface{}, def time.Time) time.Time {
	switch ts := v.(type) {
	case string:
		if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC()
		}
	case float64:
		if ts > 0 {
			return time.Unix(int64(ts), 0).UTC()
		}
	}
	return def
}
