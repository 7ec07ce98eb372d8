package handlers

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the default prometheus registry
func Metrics() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
