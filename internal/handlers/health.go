package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ActiveSessionCounter reports live sessions
type ActiveSessionCounter interface {
	ActiveCount(ctx context.Context) (int64, error)
}

// HealthHandler handles health check requests
type HealthHandler struct {
	Version  string
	sessions ActiveSessionCounter
	started  time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, sessions ActiveSessionCounter) *HealthHandler {
	return &HealthHandler{
		Version:  version,
		sessions: sessions,
		started:  time.Now(),
	}
}

// Check returns the health status of the service. A store failure is
// reported as degraded with 503.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	active, err := h.sessions.ActiveCount(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "degraded",
			"service": "WhatsApp Engine",
			"version": h.Version,
			"error":   "storage unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"status":          "OK",
		"service":         "WhatsApp Engine",
		"version":         h.Version,
		"active_sessions": active,
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
	})
}
