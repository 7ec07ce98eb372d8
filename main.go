package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/Ananth-NQI/whatsapp-engine/database"
	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/handlers"
	"github.com/Ananth-NQI/whatsapp-engine/internal/jobs"
	"github.com/Ananth-NQI/whatsapp-engine/internal/middleware"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/routes"
	"github.com/Ananth-NQI/whatsapp-engine/internal/services"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store := newStore(cfg)

	sender := newSender(cfg)

	aiProvider, err := services.NewAIProvider(cfg.AI)
	if err != nil {
		log.Fatal("Failed to initialize AI provider: ", err)
	}
	if aiProvider != nil {
		log.Printf("✅ AI fallback: %s", aiProvider.Name())
	}

	privateKey := loadFlowKey(cfg.Flows)

	// Wire the event pipeline
	bus := services.NewEventBus()
	sessions := services.NewSessionManager(store, cfg.Chatbot)

	engine := services.NewChatbotEngine(cfg.Chatbot, store, sessions, sender, aiProvider, services.DefaultRules()...)
	engine.SetAITimeout(cfg.AI.Timeout)
	engine.Subscribe(bus)

	flowService := services.NewFlowService(store, sessions, cfg.Flows, privateKey)
	bus.OnFlowResponse(flowService.RecordFlowResponse)
	bus.OnStatusUpdated(logFailedDelivery)

	templateService := services.NewTemplateService(sender)

	// Start maintenance jobs
	maintenance := jobs.NewMaintenanceJob(store, cfg.Chatbot.SweepInterval, cfg.Storage.MessagesRetentionDays)
	maintenance.Start(ctx)

	log.Println("✅ All services initialized and scheduled jobs started")

	// Create fiber app
	app := fiber.New(fiber.Config{
		AppName: "WhatsApp Engine v" + version,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			if code == fiber.StatusInternalServerError {
				log.Printf("❌ %s %s: %v", c.Method(), c.Path(), err)
				return c.Status(code).JSON(fiber.Map{"error": "Internal server error"})
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Key",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	routes.SetupRoutes(app, cfg, routes.Handlers{
		WhatsApp: handlers.NewWhatsAppHandler(services.NewWebhookHandler(store, bus, cfg.Chatbot), cfg.WhatsApp.VerifyToken),
		Flow:     handlers.NewFlowHandler(flowService),
		Admin:    handlers.NewAdminHandler(store, flowService, sender, templateService),
		Health:   handlers.NewHealthHandler(version, sessions),
	}, newLimiter(cfg.RateLimit))

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("🛑 Gracefully shutting down...")
		log.Println("⏹️  Stopping maintenance jobs...")
		maintenance.Stop()
		log.Println("⏹️  Shutting down server...")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	// Start server
	log.Println("========================================")
	log.Printf("🚀 WhatsApp Engine starting on port %s", cfg.Port)
	log.Printf("📊 Storage: %s", storageType(cfg))
	log.Printf("🌍 Environment: %s", cfg.Environment)
	log.Printf("📱 Transport: %s", cfg.WhatsApp.Transport)
	log.Printf("🪝 Webhook: %s (signature check: %t)", cfg.WhatsApp.WebhookPath, cfg.WhatsApp.VerifySignature)
	log.Printf("🤖 Chatbot enabled: %t, rules: %d", cfg.Chatbot.Enabled, len(engine.Rules()))
	log.Println("========================================")

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}
}

func newStore(cfg *config.Config) storage.Store {
	// Check if we should use memory store (for testing)
	if cfg.UseMemoryStore {
		log.Println("⚠️  Using in-memory storage (not for production!)")
		return storage.NewMemoryStore()
	}

	log.Println("📦 Connecting to PostgreSQL database...")
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("🔄 Running database migrations...")
	if err := database.Migrate(db); err != nil {
		log.Fatal(err)
	}

	log.Println("✅ Using PostgreSQL database storage")
	return storage.NewDatabaseStore(db)
}

// newSender picks the outbound transport. Without credentials replies are
// only logged so the webhook pipeline still runs locally.
func newSender(cfg *config.Config) services.Sender {
	var (
		sender services.Sender
		err    error
	)
	switch cfg.WhatsApp.Transport {
	case "twilio":
		sender, err = services.NewTwilioSender(cfg.Twilio)
	default:
		sender, err = services.NewCloudAPIClient(cfg.WhatsApp, nil)
	}
	if err != nil {
		log.Printf("⚠️  WhatsApp %s transport not configured (%v) - replies will be logged only", cfg.WhatsApp.Transport, err)
		return &services.FakeSender{Verbose: true}
	}

	log.Printf("✅ WhatsApp %s transport initialized", cfg.WhatsApp.Transport)
	return sender
}

func loadFlowKey(cfg config.FlowConfig) *rsa.PrivateKey {
	if cfg.PrivateKey == "" {
		if cfg.EncryptionEnabled {
			log.Fatal("WHATSAPP_FLOW_ENCRYPTION_ENABLED is set but WHATSAPP_FLOW_PRIVATE_KEY is empty")
		}
		log.Println("⚠️  No flow private key - the flow data endpoint will answer 500")
		return nil
	}

	key, err := services.ParsePrivateKey(cfg.PrivateKey, cfg.PrivateKeyPassphrase)
	if err != nil {
		log.Fatal("Failed to parse flow private key: ", err)
	}
	log.Println("✅ Flow private key loaded")
	return key
}

// newLimiter shares counters through Redis when configured, otherwise
// limits per process
func newLimiter(cfg config.RateLimitConfig) middleware.Limiter {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RedisAddr == "" {
		return middleware.NewLocalLimiter(cfg.MaxAttempts, cfg.Window())
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("⚠️  Redis unavailable at %s (%v) - using in-process rate limiting", cfg.RedisAddr, err)
		_ = client.Close()
		return middleware.NewLocalLimiter(cfg.MaxAttempts, cfg.Window())
	}

	log.Printf("✅ Redis rate limiter at %s", cfg.RedisAddr)
	return middleware.NewRedisLimiter(client, cfg.MaxAttempts, cfg.Window())
}

func logFailedDelivery(_ context.Context, ev services.StatusUpdated) error {
	if ev.Status == models.MessageStatusFailed {
		log.Printf("❌ Message %s to user %d failed: %s", ev.Message.ExternalID, ev.Message.UserID, ev.Message.ErrorMessage)
	}
	return nil
}

func storageType(cfg *config.Config) string {
	if cfg.UseMemoryStore {
		return "In-Memory (Testing)"
	}
	return "PostgreSQL Database"
}
