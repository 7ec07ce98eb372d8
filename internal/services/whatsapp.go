package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/metrics"
)

// maxMediaSize caps DownloadMedia; the platform's own limit is 100MB
const maxMediaSize = 100 << 20

// Sender delivers one outbound message to the platform
type Sender interface {
	Send(ctx context.Context, msg *OutboundMessage) (*SendResponse, error)
}

// ProviderError is a non-2xx answer from the messaging provider
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("whatsapp provider error (status %d): %s", e.StatusCode, e.Message)
}

// OutboundMessage is the Graph API /messages payload
type OutboundMessage struct {
	MessagingProduct string              `json:"messaging_product"`
	RecipientType    string              `json:"recipient_type,omitempty"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Context          *ReplyContext       `json:"context,omitempty"`
	Text             *TextContent        `json:"text,omitempty"`
	Template         *TemplateContent    `json:"template,omitempty"`
	Interactive      *InteractiveContent `json:"interactive,omitempty"`
	Image            *MediaContent       `json:"image,omitempty"`
	Document         *MediaContent       `json:"document,omitempty"`
	Audio            *MediaContent       `json:"audio,omitempty"`
	Video            *MediaContent       `json:"video,omitempty"`
	Location         *LocationContent    `json:"location,omitempty"`
}

type ReplyContext struct {
	MessageID string `json:"message_id"`
}

type TextContent struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type TemplateContent struct {
	Name       string              `json:"name"`
	Language   TemplateLanguage    `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

type TemplateLanguage struct {
	Code string `json:"code"`
}

type TemplateComponent struct {
	Type       string              `json:"type"` // header, body, button
	SubType    string              `json:"sub_type,omitempty"`
	Index      string              `json:"index,omitempty"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

type TemplateParameter struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type MediaContent struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// InteractiveContent covers button, list and flow messages
type InteractiveContent struct {
	Type   string             `json:"type"`
	Header *InteractiveHeader `json:"header,omitempty"`
	Body   *InteractiveText   `json:"body,omitempty"`
	Footer *InteractiveText   `json:"footer,omitempty"`
	Action InteractiveAction  `json:"action"`
}

type InteractiveHeader struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type InteractiveText struct {
	Text string `json:"text"`
}

type InteractiveAction struct {
	Button     string                 `json:"button,omitempty"`
	Buttons    []InteractiveButton    `json:"buttons,omitempty"`
	Sections   []ListSection          `json:"sections,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type InteractiveButton struct {
	Type  string `json:"type"`
	Reply Button `json:"reply"`
}

// Button is a quick-reply button
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// SendResponse is the platform's answer to a send
type SendResponse struct {
	MessagingProduct string        `json:"messaging_product"`
	Contacts         []SendContact `json:"contacts"`
	Messages         []SentMessage `json:"messages"`
}

type SendContact struct {
	Input string `json:"input"`
	WaID  string `json:"wa_id"`
}

type SentMessage struct {
	ID string `json:"id"`
}

// MessageID returns the wamid of the first sent message
func (r *SendResponse) MessageID() string {
	if r == nil || len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

// NewTextMessage builds a text message, optionally quoting replyTo
func NewTextMessage(to, body, replyTo string) *OutboundMessage {
	msg := &OutboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &TextContent{Body: body},
	}
	if replyTo != "" {
		msg.Context = &ReplyContext{MessageID: replyTo}
	}
	return msg
}

func newMediaMessage(to, kind string, media *MediaContent) *OutboundMessage {
	msg := &OutboundMessage{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: kind}
	switch kind {
	case "image":
		msg.Image = media
	case "document":
		msg.Document = media
	case "audio":
		msg.Audio = media
	case "video":
		msg.Video = media
	}
	return msg
}

// CloudAPIClient sends messages through the WhatsApp Cloud (Graph) API
type CloudAPIClient struct {
	httpClient    *http.Client
	baseURL       string
	version       string
	phoneNumberID string
	accessToken   string
}

// NewCloudAPIClient creates a client from the WhatsApp config block
func NewCloudAPIClient(cfg config.WhatsAppConfig, httpClient *http.Client) (*CloudAPIClient, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, errors.New("missing WhatsApp access token or phone number id")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudAPIClient{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(cfg.APIURL, "/"),
		version:       cfg.APIVersion,
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
	}, nil
}

// Send posts msg to /{phone_number_id}/messages
func (c *CloudAPIClient) Send(ctx context.Context, msg *OutboundMessage) (*SendResponse, error) {
	if msg.MessagingProduct == "" {
		msg.MessagingProduct = "whatsapp"
	}

	var resp SendResponse
	if err := c.post(ctx, c.endpoint(c.phoneNumberID, "messages"), msg, &resp); err != nil {
		metrics.OutboundMessages.WithLabelValues("failed").Inc()
		log.Printf("❌ Failed to send WhatsApp %s message to %s: %v", msg.Type, msg.To, err)
		return nil, err
	}

	metrics.OutboundMessages.WithLabelValues("sent").Inc()
	log.Printf("✅ WhatsApp message sent! ID: %s", resp.MessageID())
	return &resp, nil
}

func (c *CloudAPIClient) SendText(ctx context.Context, to, body, replyTo string) (*SendResponse, error) {
	return c.Send(ctx, NewTextMessage(to, body, replyTo))
}

// SendTemplate sends a pre-approved template. components may be nil.
func (c *CloudAPIClient) SendTemplate(ctx context.Context, to, name, language string, components []TemplateComponent) (*SendResponse, error) {
	return c.Send(ctx, &OutboundMessage{
		To:   to,
		Type: "template",
		Template: &TemplateContent{
			Name:       name,
			Language:   TemplateLanguage{Code: language},
			Components: components,
		},
	})
}

func (c *CloudAPIClient) SendInteractive(ctx context.Context, to string, interactive *InteractiveContent) (*SendResponse, error) {
	return c.Send(ctx, &OutboundMessage{RecipientType: "individual", To: to, Type: "interactive", Interactive: interactive})
}

func (c *CloudAPIClient) SendImage(ctx context.Context, to string, media MediaContent) (*SendResponse, error) {
	return c.Send(ctx, newMediaMessage(to, "image", &media))
}

func (c *CloudAPIClient) SendDocument(ctx context.Context, to string, media MediaContent) (*SendResponse, error) {
	return c.Send(ctx, newMediaMessage(to, "document", &media))
}

func (c *CloudAPIClient) SendAudio(ctx context.Context, to string, media MediaContent) (*SendResponse, error) {
	return c.Send(ctx, newMediaMessage(to, "audio", &media))
}

func (c *CloudAPIClient) SendVideo(ctx context.Context, to string, media MediaContent) (*SendResponse, error) {
	return c.Send(ctx, newMediaMessage(to, "video", &media))
}

func (c *CloudAPIClient) SendLocation(ctx context.Context, to string, location LocationContent) (*SendResponse, error) {
	return c.Send(ctx, &OutboundMessage{RecipientType: "individual", To: to, Type: "location", Location: &location})
}

// SendFlow opens a published flow on the user's device at screen
func (c *CloudAPIClient) SendFlow(ctx context.Context, to, flowID, flowToken, cta, body, screen string, data map[string]interface{}) (*SendResponse, error) {
	return c.Send(ctx, NewFlowMessage(to, flowID, flowToken, cta, body, screen, data))
}

// NewFlowMessage builds the interactive message that opens flowID at screen
func NewFlowMessage(to, flowID, flowToken, cta, body, screen string, data map[string]interface{}) *OutboundMessage {
	payload := map[string]interface{}{"screen": screen}
	if len(data) > 0 {
		payload["data"] = data
	}
	return &OutboundMessage{
		RecipientType: "individual",
		To:            to,
		Type:          "interactive",
		Interactive: &InteractiveContent{
			Type: "flow",
			Body: &InteractiveText{Text: body},
			Action: InteractiveAction{
				Name: "flow",
				Parameters: map[string]interface{}{
					"flow_message_version": "3",
					"flow_token":           flowToken,
					"flow_id":              flowID,
					"flow_cta":             cta,
					"flow_action":          "navigate",
					"flow_action_payload":  payload,
				},
			},
		},
	}
}

// MarkAsRead sets the blue ticks on an inbound message
func (c *CloudAPIClient) MarkAsRead(ctx context.Context, messageID string) error {
	body := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	return c.post(ctx, c.endpoint(c.phoneNumberID, "messages"), body, nil)
}

// DownloadMedia resolves a media id to its URL and fetches the bytes
func (c *CloudAPIClient) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint(mediaID), nil, &meta); err != nil {
		return nil, "", fmt.Errorf("resolve media %s: %w", mediaID, err)
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("media %s has no url", mediaID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &ProviderError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize))
	if err != nil {
		return nil, "", err
	}
	return data, meta.MimeType, nil
}

func (c *CloudAPIClient) endpoint(parts ...string) string {
	return c.baseURL + "/" + c.version + "/" + strings.Join(parts, "/")
}

func (c *CloudAPIClient) post(ctx context.Context, url string, payload, out any) error {
	return c.do(ctx, http.MethodPost, url, payload, out)
}

func (c *CloudAPIClient) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseProviderError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseProviderError(status int, raw []byte) *ProviderError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := http.StatusText(status)
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	return &ProviderError{StatusCode: status, Message: msg}
}
