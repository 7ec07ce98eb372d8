package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/whatsapp-engine/internal/services"
)

// FlowHandler serves the encrypted flow data endpoint
type FlowHandler struct {
	flows *services.FlowService
}

func NewFlowHandler(flows *services.FlowService) *FlowHandler {
	return &FlowHandler{flows: flows}
}

// Endpoint decrypts the request, answers it and returns the encrypted
// response as a plain base64 body. 421 tells the client to refresh the
// public key and retry.
func (h *FlowHandler) Endpoint(c *fiber.Ctx) error {
	var req services.EndpointRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	body, err := h.flows.HandleEndpoint(c.UserContext(), req)
	if err != nil {
		status := endpointStatus(err)
		log.Printf("❌ Flow endpoint failed (%d): %v", status, err)
		return c.SendStatus(status)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(body)
}

func endpointStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrKeyUnwrapFailed), errors.Is(err, services.ErrPayloadDecryptFailed):
		return fiber.StatusMisdirectedRequest
	case errors.Is(err, services.ErrPayloadDecodeFailed):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
