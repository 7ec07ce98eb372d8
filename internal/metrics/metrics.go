package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEvents counts normalized webhook events by kind (message, status) and outcome
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_webhook_events_total",
		Help: "Webhook events by kind and outcome.",
	}, []string{"kind", "outcome"})

	// SignatureRejections counts webhook requests rejected before parsing
	SignatureRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_webhook_signature_rejections_total",
		Help: "Webhook requests rejected by signature verification.",
	}, []string{"reason"})

	// RuleMatches counts chatbot rules that fired
	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_chatbot_rule_matches_total",
		Help: "Chatbot rules that handled a message.",
	}, []string{"rule"})

	// AIFallbacks counts AI fallback attempts by outcome (replied, empty, failed)
	AIFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_chatbot_ai_fallbacks_total",
		Help: "AI fallback attempts by outcome.",
	}, []string{"outcome"})

	// FlowCryptoFailures counts flow endpoint requests that failed in the codec
	FlowCryptoFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_flow_crypto_failures_total",
		Help: "Flow endpoint codec failures by stage.",
	}, []string{"stage"})

	// OutboundMessages counts sends by result
	OutboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_outbound_messages_total",
		Help: "Outbound sends by result.",
	}, []string{"result"})
)
