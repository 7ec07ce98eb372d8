package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/whatsapp-engine/internal/metrics"
	"github.com/Ananth-NQI/whatsapp-engine/internal/services"
	"github.com/Ananth-NQI/whatsapp-engine/internal/utils"
)

// WhatsAppHandler handles WhatsApp webhook requests
type WhatsAppHandler struct {
	webhook     *services.WebhookHandler
	verifyToken string
}

// NewWhatsAppHandler creates a new WhatsApp handler
func NewWhatsAppHandler(webhook *services.WebhookHandler, verifyToken string) *WhatsAppHandler {
	return &WhatsAppHandler{
		webhook:     webhook,
		verifyToken: verifyToken,
	}
}

// VerifyWebhook answers the subscription handshake. Both the hub.* and the
// plain parameter names are accepted.
func (h *WhatsAppHandler) VerifyWebhook(c *fiber.Ctx) error {
	mode := c.Query("hub.mode", c.Query("mode"))
	token := c.Query("hub.verify_token", c.Query("verify_token"))
	challenge := c.Query("hub.challenge", c.Query("challenge"))

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		log.Println("✅ WhatsApp webhook verified")
		return c.Status(fiber.StatusOK).SendString(challenge)
	}

	log.Printf("⚠️  Webhook verification failed (mode=%q)", mode)
	return c.SendStatus(fiber.StatusForbidden)
}

// HandleWebhook processes incoming WhatsApp messages and status updates
func (h *WhatsAppHandler) HandleWebhook(c *fiber.Ctx) error {
	if err := h.webhook.Handle(c.UserContext(), c.Body()); err != nil {
		metrics.WebhookEvents.WithLabelValues("envelope", "error").Inc()
		log.Printf("❌ Error processing webhook: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": err.Error(),
		})
	}

	// Acknowledge webhook receipt
	return c.JSON(fiber.Map{"status": "ok"})
}

// TestWebhookPayload simulates one inbound text message
type TestWebhookPayload struct {
	From    string `json:"from"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// HandleTestWebhook wraps a test message in a webhook envelope and runs it
// through the normal pipeline (for development)
func (h *WhatsAppHandler) HandleTestWebhook(c *fiber.Ctx) error {
	var payload TestWebhookPayload
	if err := c.BodyParser(&payload); err != nil || payload.From == "" || payload.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid test payload",
		})
	}

	log.Printf("🧪 Test webhook received from %s: %s", payload.From, payload.Message)

	messageID := utils.GenerateSecureID("wamid.test_")
	envelope, err := testEnvelope(payload, messageID, time.Now())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to build test envelope",
		})
	}

	if err := h.webhook.Handle(c.UserContext(), envelope); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"message_id": messageID,
	})
}

func testEnvelope(p TestWebhookPayload, messageID string, at time.Time) ([]byte, error) {
	value := map[string]interface{}{
		"messaging_product": "whatsapp",
		"messages": []map[string]interface{}{{
			"from":      p.From,
			"id":        messageID,
			"timestamp": fmt.Sprintf("%d", at.Unix()),
			"type":      "text",
			"text":      map[string]string{"body": p.Message},
		}},
	}
	if p.Name != "" {
		value["contacts"] = []map[string]interface{}{{
			"wa_id":   p.From,
			"profile": map[string]string{"name": p.Name},
		}}
	}

	return json.Marshal(map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []map[string]interface{}{{
			"id":      "test",
			"changes": []map[string]interface{}{{"field": "messages", "value": value}},
		}},
	})
}
