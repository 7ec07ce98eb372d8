package middleware

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/whatsapp-engine/internal/metrics"
	"github.com/Ananth-NQI/whatsapp-engine/internal/utils"
)

// SignedBy reports whether the request carries a valid signature for
// appSecret. Meta delivers from a handful of egress IPs, so the webhook rate
// limit skips requests it can attribute to Meta.
func SignedBy(appSecret string) func(c *fiber.Ctx) bool {
	return func(c *fiber.Ctx) bool {
		if appSecret == "" {
			return false
		}
		return utils.VerifySignature(c.Body(), c.Get(utils.SignatureHeader), appSecret) == nil
	}
}

// VerifyWebhookSignature validates that the webhook request is from Meta.
// GET verification handshakes are unsigned and pass through.
func VerifyWebhookSignature(appSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodGet {
			return c.Next()
		}

		err := utils.VerifySignature(c.Body(), c.Get(utils.SignatureHeader), appSecret)
		switch {
		case err == nil:
			return c.Next()

		case errors.Is(err, utils.ErrSecretNotConfigured):
			// Log error but don't expose to client
			log.Println("❌ ERROR: WHATSAPP_APP_SECRET not set but signature verification is enabled")
			metrics.SignatureRejections.WithLabelValues("not_configured").Inc()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Server configuration error",
			})

		case errors.Is(err, utils.ErrSignatureMissing):
			metrics.SignatureRejections.WithLabelValues("missing").Inc()
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing webhook signature",
			})

		default:
			metrics.SignatureRejections.WithLabelValues("mismatch").Inc()
			log.Printf("⚠️  Rejected webhook from %s: %v", c.IP(), err)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}
	}
}
