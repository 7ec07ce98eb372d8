package services

import (
	"context"
	"log"
	"sync"

	"github.com/Ananth-NQI/whatsapp-engine/internal/utils"
)

// FakeSender records outbound messages instead of sending them. main uses it
// when no transport credentials are configured; tests use it to assert replies.
type FakeSender struct {
	mu   sync.Mutex
	sent []*OutboundMessage

	// Err, when set, is returned by every Send
	Err error
	// Verbose logs each message the way an unconfigured transport would
	Verbose bool
}

// NewFakeSender creates an empty recorder
func NewFakeSender() *FakeSender {
	return &FakeSender{}
}

func (f *FakeSender) Send(_ context.Context, msg *OutboundMessage) (*SendResponse, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if f.Verbose {
		body := msg.Type
		if msg.Text != nil {
			body = msg.Text.Body
		}
		log.Printf("📤 Response to %s (not sent - no WhatsApp transport configured): %s", msg.To, body)
	}

	id := utils.GenerateSecureID("wamid.fake_")
	return &SendResponse{
		MessagingProduct: "whatsapp",
		Contacts:         []SendContact{{Input: msg.To, WaID: msg.To}},
		Messages:         []SentMessage{{ID: id}},
	}, nil
}

// Sent returns every recorded message in send order
func (f *FakeSender) Sent() []*OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*OutboundMessage(nil), f.sent...)
}

// SentTo returns the messages recorded for one recipient
func (f *FakeSender) SentTo(to string) []*OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*OutboundMessage
	for _, msg := range f.sent {
		if msg.To == to {
			out = append(out, msg)
		}
	}
	return out
}

// Texts returns the bodies of recorded text messages
func (f *FakeSender) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, msg := range f.sent {
		if msg.Text != nil {
			out = append(out, msg.Text.Body)
		}
	}
	return out
}

func (f *FakeSender) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}
