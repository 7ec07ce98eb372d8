package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/services"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
	"github.com/Ananth-NQI/whatsapp-engine/internal/utils"
)

// AdminHandler handles admin operations
type AdminHandler struct {
	store     storage.Store
	flows     *services.FlowService
	sender    services.Sender
	templates *services.TemplateService
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(store storage.Store, flows *services.FlowService, sender services.Sender, templates *services.TemplateService) *AdminHandler {
	return &AdminHandler{
		store:     store,
		flows:     flows,
		sender:    sender,
		templates: templates,
	}
}

type flowRequest struct {
	Name     string                 `json:"name"`
	Screens  []models.FlowScreen    `json:"screens"`
	Metadata map[string]interface{} `json:"metadata"`
}

// CreateFlow stores a new draft flow
func (h *AdminHandler) CreateFlow(c *fiber.Ctx) error {
	var req flowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	flow, err := h.flows.CreateFlow(c.UserContext(), req.Name, req.Screens, req.Metadata)
	if err != nil {
		return flowError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"flow":    flow,
	})
}

// ListFlows lists flows, optionally filtered by ?status=
func (h *AdminHandler) ListFlows(c *fiber.Ctx) error {
	flows, err := h.flows.ListFlows(c.UserContext(), c.Query("status"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch flows",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"flows":   flows,
		"count":   len(flows),
	})
}

func (h *AdminHandler) GetFlow(c *fiber.Ctx) error {
	flow, err := h.flows.GetFlow(c.UserContext(), c.Params("flowID"))
	if err != nil {
		return flowError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "flow": flow})
}

// UpdateFlow replaces the screens of a draft flow
func (h *AdminHandler) UpdateFlow(c *fiber.Ctx) error {
	var req flowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	flow, err := h.flows.UpdateFlow(c.UserContext(), c.Params("flowID"), req.Screens)
	if err != nil {
		return flowError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "flow": flow})
}

func (h *AdminHandler) PublishFlow(c *fiber.Ctx) error {
	flow, err := h.flows.PublishFlow(c.UserContext(), c.Params("flowID"))
	if err != nil {
		return flowError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "flow": flow})
}

func (h *AdminHandler) ArchiveFlow(c *fiber.Ctx) error {
	flow, err := h.flows.ArchiveFlow(c.UserContext(), c.Params("flowID"))
	if err != nil {
		return flowError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "flow": flow})
}

// BlockUser stops the chatbot from answering a phone number
func (h *AdminHandler) BlockUser(c *fiber.Ctx) error {
	return h.setBlocked(c, true)
}

// UnblockUser reverses BlockUser
func (h *AdminHandler) UnblockUser(c *fiber.Ctx) error {
	return h.setBlocked(c, false)
}

func (h *AdminHandler) setBlocked(c *fiber.Ctx, blocked bool) error {
	phone := c.Params("phone")
	user, err := h.store.SetUserBlocked(c.UserContext(), phone, blocked)
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update user",
		})
	}

	log.Printf("🔒 User %s blocked=%t", phone, blocked)
	return c.JSON(fiber.Map{"success": true, "user": user})
}

// SendMessage sends a text message, with up to three reply buttons
func (h *AdminHandler) SendMessage(c *fiber.Ctx) error {
	var req struct {
		To      string            `json:"to"`
		Text    string            `json:"text"`
		ReplyTo string            `json:"reply_to"`
		Buttons []services.Button `json:"buttons"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	builder := services.NewMessageBuilder(h.sender).To(req.To).Text(req.Text)
	if req.ReplyTo != "" {
		builder.Context(req.ReplyTo)
	}
	if len(req.Buttons) > 0 {
		builder.Buttons(req.Buttons...)
	}

	resp, err := builder.Send(c.UserContext())
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message_id": resp.MessageID()})
}

// SendTemplate sends a registered template by key
func (h *AdminHandler) SendTemplate(c *fiber.Ctx) error {
	var req struct {
		To       string            `json:"to"`
		Template string            `json:"template"`
		Params   map[string]string `json:"params"`
	}
	if err := c.BodyParser(&req); err != nil || req.To == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp, err := h.templates.SendTemplate(c.UserContext(), req.To, req.Template, req.Params)
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message_id": resp.MessageID()})
}

// SendFlow opens a published flow on the recipient's device
func (h *AdminHandler) SendFlow(c *fiber.Ctx) error {
	var req struct {
		To        string                 `json:"to"`
		FlowID    string                 `json:"flow_id"`
		FlowToken string                 `json:"flow_token"`
		CTA       string                 `json:"cta"`
		Body      string                 `json:"body"`
		Screen    string                 `json:"screen"`
		Data      map[string]interface{} `json:"data"`
	}
	if err := c.BodyParser(&req); err != nil || req.To == "" || req.Body == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "to and body are required",
		})
	}

	flow, err := h.flows.GetFlow(c.UserContext(), req.FlowID)
	if err != nil {
		return flowError(c, err)
	}
	if !flow.IsPublished() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Flow is not published",
		})
	}

	def := flow.Definition.Data()
	if req.Screen == "" && len(def.Screens) > 0 {
		req.Screen = def.Screens[0].ID
	}
	if req.CTA == "" {
		req.CTA = "Open"
	}
	if req.FlowToken == "" {
		req.FlowToken = utils.GenerateSecureID("ft_")
	}

	msg := services.NewFlowMessage(req.To, flow.FlowID, req.FlowToken, req.CTA, req.Body, req.Screen, req.Data)
	resp, err := h.sender.Send(c.UserContext(), msg)
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"message_id": resp.MessageID(),
		"flow_token": req.FlowToken,
	})
}

func flowError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Flow not found"})
	case errors.Is(err, services.ErrInvalidFlow):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrFlowPublished), errors.Is(err, services.ErrFlowArchived), errors.Is(err, storage.ErrAlreadyExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("❌ Flow admin operation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}
}

func sendError(c *fiber.Ctx, err error) error {
	var providerErr *services.ProviderError
	switch {
	case errors.Is(err, services.ErrInvalidMessage), errors.Is(err, services.ErrMissingTemplateParam), errors.Is(err, services.ErrUnsupportedMessageType):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrTemplateNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &providerErr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":           providerErr.Message,
			"provider_status": providerErr.StatusCode,
		})
	default:
		log.Printf("❌ Send failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to send message"})
	}
}
