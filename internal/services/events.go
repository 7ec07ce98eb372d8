package services

import (
	"context"
	"errors"
	"sync"

	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
)

// MessageReceived is published once per newly stored inbound message
type MessageReceived struct {
	Message *models.Message
	User    *models.User
}

// StatusUpdated is published after a status webhook changed a stored message
type StatusUpdated struct {
	Message *models.Message
	Status  string
}

// FlowResponseReceived is published when a user submits a flow (nfm_reply)
type FlowResponseReceived struct {
	User     *models.User
	Message  *models.Message
	Response map[string]interface{}
}

type (
	MessageReceivedHandler      func(context.Context, MessageReceived) error
	StatusUpdatedHandler        func(context.Context, StatusUpdated) error
	FlowResponseReceivedHandler func(context.Context, FlowResponseReceived) error
)

// EventBus delivers domain events to listeners synchronously, in
// registration order, on the publishing goroutine. Listener errors are
// joined and returned to the publisher.
type EventBus struct {
	mu              sync.RWMutex
	messageHandlers []MessageReceivedHandler
	statusHandlers  []StatusUpdatedHandler
	flowHandlers    []FlowResponseReceivedHandler
}

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) OnMessageReceived(h MessageReceivedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageHandlers = append(b.messageHandlers, h)
}

func (b *EventBus) OnStatusUpdated(h StatusUpdatedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusHandlers = append(b.statusHandlers, h)
}

func (b *EventBus) OnFlowResponse(h FlowResponseReceivedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flowHandlers = append(b.flowHandlers, h)
}

func (b *EventBus) PublishMessageReceived(ctx context.Context, ev MessageReceived) error {
	b.mu.RLock()
	handlers := append([]MessageReceivedHandler(nil), b.messageHandlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) PublishStatusUpdated(ctx context.Context, ev StatusUpdated) error {
	b.mu.RLock()
	handlers := append([]StatusUpdatedHandler(nil), b.statusHandlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) PublishFlowResponse(ctx context.Context, ev FlowResponseReceived) error {
	b.mu.RLock()
	handlers := append([]FlowResponseReceivedHandler(nil), b.flowHandlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
