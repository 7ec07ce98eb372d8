package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrTemplateNotFound     = errors.New("template not found")
	ErrMissingTemplateParam = errors.New("missing required parameter")
)

// TemplateConfig describes a pre-approved WhatsApp template
type TemplateConfig struct {
	Name        string // name registered with the platform (or Twilio Content SID)
	Language    string
	Description string
	Parameters  []string // body parameters, in {{1}}, {{2}} order
}

// DefaultTemplates are the templates every WhatsApp Business account starts with
var DefaultTemplates = map[string]TemplateConfig{
	"hello_world": {
		Name:        "hello_world",
		Language:    "en_US",
		Description: "Sample template shipped with every business account",
	},
}

// TemplateService validates template parameters before handing them to a Sender
type TemplateService struct {
	sender    Sender
	mu        sync.RWMutex
	templates map[string]TemplateConfig
}

// NewTemplateService creates a service seeded with DefaultTemplates
func NewTemplateService(sender Sender) *TemplateService {
	templates := make(map[string]TemplateConfig, len(DefaultTemplates))
	for key, tpl := range DefaultTemplates {
		templates[key] = tpl
	}
	return &TemplateService{sender: sender, templates: templates}
}

// Register adds or replaces a template under key
func (ts *TemplateService) Register(key string, tpl TemplateConfig) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tpl.Name == "" {
		tpl.Name = key
	}
	ts.templates[key] = tpl
}

// SendTemplate sends a registered template with named parameters
func (ts *TemplateService) SendTemplate(ctx context.Context, to, key string, params map[string]string) (*SendResponse, error) {
	template, err := ts.GetTemplateInfo(key)
	if err != nil {
		return nil, err
	}

	// Validate required parameters
	values := make([]TemplateParameter, 0, len(template.Parameters))
	for _, requiredParam := range template.Parameters {
		value, ok := params[requiredParam]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTemplateParam, requiredParam)
		}
		values = append(values, TemplateParameter{Type: "text", Text: value})
	}

	content := &TemplateContent{
		Name:     template.Name,
		Language: TemplateLanguage{Code: template.Language},
	}
	if len(values) > 0 {
		content.Components = []TemplateComponent{{Type: "body", Parameters: values}}
	}

	return ts.sender.Send(ctx, &OutboundMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template:         content,
	})
}

// GetTemplateInfo returns information about a template
func (ts *TemplateService) GetTemplateInfo(key string) (*TemplateConfig, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	template, exists := ts.templates[key]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", ErrTemplateNotFound, key)
	}
	return &template, nil
}

// Keys lists registered template keys, sorted
func (ts *TemplateService) Keys() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	keys := make([]string, 0, len(ts.templates))
	for key := range ts.templates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
