package routes

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/handlers"
	"github.com/Ananth-NQI/whatsapp-engine/internal/middleware"
)

// Handlers groups everything the router mounts
type Handlers struct {
	WhatsApp *handlers.WhatsAppHandler
	Flow     *handlers.FlowHandler
	Admin    *handlers.AdminHandler
	Health   *handlers.HealthHandler
}

// SetupRoutes configures all routes. limiter may be nil when rate limiting
// is disabled.
func SetupRoutes(app *fiber.App, cfg *config.Config, h Handlers, limiter middleware.Limiter) {
	// Root endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "WhatsApp Engine",
			"version": h.Health.Version,
			"endpoints": fiber.Map{
				"health":  "/health",
				"metrics": "/metrics",
				"webhook": cfg.WhatsApp.WebhookPath,
				"flows":   "/whatsapp/flows/endpoint",
				"api":     "/api",
			},
		})
	})

	app.Get("/health", h.Health.Check)
	app.Get("/metrics", handlers.Metrics())

	// ========== WEBHOOK ROUTES ==========
	app.Get(cfg.WhatsApp.WebhookPath, h.WhatsApp.VerifyWebhook)

	chain := []fiber.Handler{}
	if limiter != nil {
		chain = append(chain, middleware.RateLimit(limiter, cfg.RateLimit.MaxAttempts, middleware.SignedBy(cfg.WhatsApp.AppSecret)))
	}
	if cfg.WhatsApp.VerifySignature {
		chain = append(chain, middleware.VerifyWebhookSignature(cfg.WhatsApp.AppSecret))
	} else {
		log.Println("⚠️  WhatsApp webhook signature verification DISABLED")
	}
	chain = append(chain, h.WhatsApp.HandleWebhook)
	app.Post(cfg.WhatsApp.WebhookPath, chain...)

	app.Post("/whatsapp/flows/endpoint", h.Flow.Endpoint)

	// ========== TEST ROUTES (Development Only) ==========
	if cfg.IsDevelopment() {
		app.Post("/test/whatsapp", h.WhatsApp.HandleTestWebhook)
	}

	// ========== ADMIN ROUTES ==========
	api := app.Group("/api", middleware.AdminAuth(cfg.AdminAPIKey))

	flows := api.Group("/flows")
	flows.Post("/", h.Admin.CreateFlow)
	flows.Get("/", h.Admin.ListFlows)
	flows.Get("/:flowID", h.Admin.GetFlow)
	flows.Put("/:flowID", h.Admin.UpdateFlow)
	flows.Post("/:flowID/publish", h.Admin.PublishFlow)
	flows.Post("/:flowID/archive", h.Admin.ArchiveFlow)

	users := api.Group("/users")
	users.Post("/:phone/block", h.Admin.BlockUser)
	users.Post("/:phone/unblock", h.Admin.UnblockUser)

	messages := api.Group("/messages")
	messages.Post("/", h.Admin.SendMessage)
	messages.Post("/template", h.Admin.SendTemplate)
	messages.Post("/flow", h.Admin.SendFlow)
}
