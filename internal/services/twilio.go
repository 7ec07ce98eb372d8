package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/metrics"
)

// ErrUnsupportedMessageType is returned by transports that cannot carry a message type
var ErrUnsupportedMessageType = errors.New("message type not supported by transport")

// TwilioSender delivers text (and Content API templates) through Twilio's
// WhatsApp channel. Interactive and media messages are not supported.
type TwilioSender struct {
	client *twilio.RestClient
	from   string // "whatsapp:+14155238886"
}

// NewTwilioSender creates a Twilio-backed sender
func NewTwilioSender(cfg config.TwilioConfig) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.WhatsAppFrom == "" {
		return nil, fmt.Errorf("missing Twilio credentials in environment variables")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	from := cfg.WhatsAppFrom
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &TwilioSender{client: client, from: from}, nil
}

// Send maps an OutboundMessage onto a Twilio CreateMessage call
func (t *TwilioSender) Send(_ context.Context, msg *OutboundMessage) (*SendResponse, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(fmt.Sprintf("whatsapp:%s", msg.To))

	switch {
	case msg.Type == "text" && msg.Text != nil:
		params.SetBody(msg.Text.Body)
	case msg.Type == "template" && msg.Template != nil:
		// Template.Name carries the Twilio Content SID
		params.SetContentSid(msg.Template.Name)
		if vars := contentVariables(msg.Template); len(vars) > 0 {
			variablesJSON, err := json.Marshal(vars)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal content variables: %w", err)
			}
			params.SetContentVariables(string(variablesJSON))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessageType, msg.Type)
	}

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		metrics.OutboundMessages.WithLabelValues("failed").Inc()
		log.Printf("❌ Failed to send WhatsApp message: %v", err)
		var restErr *twilioClient.TwilioRestError
		if errors.As(err, &restErr) {
			return nil, &ProviderError{StatusCode: restErr.Status, Message: restErr.Message}
		}
		return nil, err
	}

	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		metrics.OutboundMessages.WithLabelValues("failed").Inc()
		message := "twilio error"
		if resp.ErrorMessage != nil {
			message = *resp.ErrorMessage
		}
		return nil, &ProviderError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("%d: %s", *resp.ErrorCode, message)}
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	metrics.OutboundMessages.WithLabelValues("sent").Inc()
	log.Printf("✅ WhatsApp message sent via Twilio! SID: %s", sid)

	return &SendResponse{MessagingProduct: "whatsapp", Messages: []SentMessage{{ID: sid}}}, nil
}

// contentVariables numbers body parameters the way Twilio expects: {"1": ..., "2": ...}
func contentVariables(tpl *TemplateContent) map[string]string {
	vars := make(map[string]string)
	for _, component := range tpl.Components {
		if component.Type != "body" {
			continue
		}
		for i, p := range component.Parameters {
			vars[fmt.Sprintf("%d", i+1)] = p.Text
		}
	}
	return vars
}
