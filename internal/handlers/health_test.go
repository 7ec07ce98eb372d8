package handlers

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countFunc func(ctx context.Context) (int64, error)

func (f countFunc) ActiveCount(ctx context.Context) (int64, error) { return f(ctx) }

func TestHealthCheck(t *testing.T) {
	app := fiber.New()
	app.Get("/health", NewHealthHandler("1.0.0", countFunc(func(context.Context) (int64, error) {
		return 3, nil
	})).Check)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"active_sessions":3`)
	assert.Contains(t, string(body), `"version":"1.0.0"`)
}

func TestHealthCheck_Degraded(t *testing.T) {
	app := fiber.New()
	app.Get("/health", NewHealthHandler("1.0.0", countFunc(func(context.Context) (int64, error) {
		return 0, errors.New("db down")
	})).Check)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	app := fiber.New()
	app.Get("/metrics", Metrics())

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "go_goroutines")
}
