package services

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/metrics"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
	"github.com/Ananth-NQI/whatsapp-engine/internal/utils"
)

var (
	ErrFlowPublished = errors.New("cannot update published flow, create a new version instead")
	ErrFlowArchived  = errors.New("flow is archived")
	ErrInvalidFlow   = errors.New("invalid flow definition")
)

// Flow endpoint actions
const (
	FlowActionPing         = "ping"
	FlowActionInit         = "INIT"
	FlowActionDataExchange = "data_exchange"
	FlowActionBack         = "BACK"
)

// Component is one flow JSON layout component
type Component = map[string]interface{}

// EndpointRequest is the encrypted body the platform posts to the data endpoint
type EndpointRequest struct {
	EncryptedFlowData string `json:"encrypted_flow_data"`
	EncryptedAESKey   string `json:"encrypted_aes_key"`
	InitialVector     string `json:"initial_vector"`
}

// FlowExchangeRequest is the decrypted data-exchange request
type FlowExchangeRequest struct {
	Version   string                 `json:"version"`
	Action    string                 `json:"action"`
	Screen    string                 `json:"screen"`
	Data      map[string]interface{} `json:"data"`
	FlowToken string                 `json:"flow_token"`
}

// FlowExchangeResponse tells the client which screen to show next
type FlowExchangeResponse struct {
	Screen string                 `json:"screen,omitempty"`
	Data   map[string]interface{} `json:"data"`
}

// FlowExchangeHandler answers INIT, data_exchange and BACK requests
type FlowExchangeHandler func(ctx context.Context, req *FlowExchangeRequest) (*FlowExchangeResponse, error)

// FlowService manages flow definitions and serves the encrypted data endpoint
type FlowService struct {
	store      storage.Store
	sessions   *SessionManager
	crypto     *FlowCrypto
	privateKey *rsa.PrivateKey
	version    string
	now        func() time.Time

	mu       sync.RWMutex
	exchange FlowExchangeHandler
}

// NewFlowService creates the service. privateKey may be nil when the data
// endpoint is not used; HandleEndpoint then fails with ErrPrivateKeyMissing.
func NewFlowService(store storage.Store, sessions *SessionManager, cfg config.FlowConfig, privateKey *rsa.PrivateKey) *FlowService {
	version := cfg.Version
	if version == "" {
		version = "7.3"
	}
	return &FlowService{
		store:      store,
		sessions:   sessions,
		crypto:     NewFlowCrypto(cfg.FlipResponseIV),
		privateKey: privateKey,
		version:    version,
		now:        time.Now,
		exchange:   echoScreen,
	}
}

// HandleExchange replaces the data-exchange handler
func (fs *FlowService) HandleExchange(h FlowExchangeHandler) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.exchange = h
}

// HandleEndpoint decrypts one data endpoint call, answers it and returns the
// base64 encrypted response body.
func (fs *FlowService) HandleEndpoint(ctx context.Context, req EndpointRequest) (string, error) {
	decrypted, err := fs.crypto.Decrypt(req.EncryptedFlowData, req.EncryptedAESKey, req.InitialVector, fs.privateKey)
	if err != nil {
		metrics.FlowCryptoFailures.WithLabelValues(cryptoStage(err)).Inc()
		return "", err
	}

	var exchange FlowExchangeRequest
	if err := json.Unmarshal(decrypted.Raw, &exchange); err != nil {
		metrics.FlowCryptoFailures.WithLabelValues("decode").Inc()
		return "", fmt.Errorf("%w: %v", ErrPayloadDecodeFailed, err)
	}

	response, err := fs.respond(ctx, &exchange)
	if err != nil {
		return "", err
	}

	out, err := fs.crypto.Encrypt(response, decrypted.AESKey, fs.crypto.ResponseIV(decrypted.IV))
	if err != nil {
		metrics.FlowCryptoFailures.WithLabelValues("encrypt").Inc()
		return "", err
	}
	return out, nil
}

func (fs *FlowService) respond(ctx context.Context, req *FlowExchangeRequest) (interface{}, error) {
	if req.Action == FlowActionPing {
		return map[string]interface{}{"data": map[string]interface{}{"status": "active"}}, nil
	}

	// client-side error notification
	if _, isError := req.Data["error"]; isError {
		log.Printf("⚠️  Flow client reported error on screen %s: %v", req.Screen, req.Data["error_message"])
		return map[string]interface{}{"data": map[string]interface{}{"acknowledged": true}}, nil
	}

	switch req.Action {
	case FlowActionInit, FlowActionDataExchange, FlowActionBack:
	default:
		return nil, fmt.Errorf("%w: unknown flow action %q", ErrPayloadDecodeFailed, req.Action)
	}

	fs.mu.RLock()
	handler := fs.exchange
	fs.mu.RUnlock()

	resp, err := handler(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("flow %s handler: %w", req.Action, err)
	}
	if resp.Data == nil {
		resp.Data = map[string]interface{}{}
	}
	return resp, nil
}

func echoScreen(_ context.Context, req *FlowExchangeRequest) (*FlowExchangeResponse, error) {
	return &FlowExchangeResponse{Screen: req.Screen, Data: map[string]interface{}{}}, nil
}

func cryptoStage(err error) string {
	switch {
	case errors.Is(err, ErrKeyUnwrapFailed):
		return "unwrap"
	case errors.Is(err, ErrPayloadDecryptFailed):
		return "decrypt"
	case errors.Is(err, ErrPayloadDecodeFailed):
		return "decode"
	default:
		return "config"
	}
}

// RecordFlowResponse keeps the last submitted flow response on the user's
// session, opening one if needed, so rules handling the same turn can read it.
func (fs *FlowService) RecordFlowResponse(ctx context.Context, ev FlowResponseReceived) error {
	if ev.User.IsBlocked {
		return nil
	}
	for attempt := 0; attempt < createAttempts; attempt++ {
		session, err := fs.sessions.GetOrCreate(ctx, ev.User)
		if err != nil {
			return fmt.Errorf("acquire session: %w", err)
		}
		session.SetContext("last_flow_response", ev.Response)
		err = fs.sessions.Save(ctx, session)
		if !errors.Is(err, storage.ErrSessionNotActive) {
			return err
		}
	}
	return fmt.Errorf("could not record flow response for %s", ev.User.PhoneNumber)
}

// CreateFlow stores a new draft flow
func (fs *FlowService) CreateFlow(ctx context.Context, name string, screens []models.FlowScreen, metadata map[string]interface{}) (*models.Flow, error) {
	def := models.FlowDefinition{Version: fs.version, Screens: screens}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidFlow)
	}

	flow := &models.Flow{
		FlowID:     utils.GenerateFlowID(),
		Name:       name,
		Version:    fs.version,
		Status:     models.FlowStatusDraft,
		Definition: datatypes.NewJSONType(def),
		Metadata:   datatypes.JSONMap(metadata),
	}
	if err := fs.store.CreateFlow(ctx, flow); err != nil {
		return nil, err
	}
	log.Printf("✅ Flow %s (%s) created", flow.FlowID, name)
	return flow, nil
}

// UpdateFlow replaces the screens of a draft flow
func (fs *FlowService) UpdateFlow(ctx context.Context, flowID string, screens []models.FlowScreen) (*models.Flow, error) {
	flow, err := fs.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if flow.IsPublished() {
		return nil, ErrFlowPublished
	}

	def := flow.Definition.Data()
	def.Screens = screens
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	flow.Definition = datatypes.NewJSONType(def)
	if err := fs.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// PublishFlow freezes a flow. Publishing twice is a no-op.
func (fs *FlowService) PublishFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	flow, err := fs.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	switch flow.Status {
	case models.FlowStatusPublished:
		return flow, nil
	case models.FlowStatusArchived:
		return nil, ErrFlowArchived
	}
	if err := ValidateDefinition(flow.Definition.Data()); err != nil {
		return nil, err
	}

	now := fs.now()
	flow.Status = models.FlowStatusPublished
	flow.PublishedAt = &now
	if err := fs.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	log.Printf("🚀 Flow %s published", flow.FlowID)
	return flow, nil
}

// ArchiveFlow retires a flow
func (fs *FlowService) ArchiveFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	flow, err := fs.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	flow.Status = models.FlowStatusArchived
	if err := fs.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

func (fs *FlowService) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	return fs.store.GetFlow(ctx, flowID)
}

// ListFlows returns flows with status, or all flows when status is empty
func (fs *FlowService) ListFlows(ctx context.Context, status string) ([]*models.Flow, error) {
	return fs.store.ListFlows(ctx, status)
}

// ValidateDefinition checks the minimum structure the platform accepts
func ValidateDefinition(def models.FlowDefinition) error {
	if def.Version == "" {
		return fmt.Errorf("%w: flow must have version and screens", ErrInvalidFlow)
	}
	if len(def.Screens) == 0 {
		return fmt.Errorf("%w: flow must have at least one screen", ErrInvalidFlow)
	}
	for i, screen := range def.Screens {
		if screen.ID == "" || screen.Title == "" || len(screen.Layout) == 0 {
			return fmt.Errorf("%w: screen %d must have id, title, and layout", ErrInvalidFlow, i)
		}
	}
	return nil
}

// BuildScreen assembles a screen; data may be nil
func BuildScreen(id, title string, layout Component, data map[string]interface{}) models.FlowScreen {
	return models.FlowScreen{ID: id, Title: title, Layout: layout, Data: data}
}

// BuildLayout wraps children in the single-column layout every screen uses
func BuildLayout(children ...Component) Component {
	return Component{"type": "SingleColumnLayout", "children": children}
}

// BuildTextInput builds a TextInput; inputType ("email", "phone", ...) may be empty
func BuildTextInput(name, label string, required bool, inputType string) Component {
	component := Component{"type": "TextInput", "name": name, "label": label, "required": required}
	if inputType != "" {
		component["input-type"] = inputType
	}
	return component
}

// BuildTextArea builds a TextArea; maxLength 0 means no limit
func BuildTextArea(name, label string, required bool, maxLength int) Component {
	component := Component{"type": "TextArea", "name": name, "label": label, "required": required}
	if maxLength > 0 {
		component["max-length"] = maxLength
	}
	return component
}

// Option is one entry of a selection component's data-source
type Option struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func BuildCheckboxGroup(name, label string, options []Option, required bool) Component {
	return selection("CheckboxGroup", name, label, options, required)
}

func BuildRadioButtonsGroup(name, label string, options []Option, required bool) Component {
	return selection("RadioButtonsGroup", name, label, options, required)
}

func BuildDropdown(name, label string, options []Option, required bool) Component {
	return selection("Dropdown", name, label, options, required)
}

func BuildDatePicker(name, label string, required bool) Component {
	return Component{"type": "DatePicker", "name": name, "label": label, "required": required}
}

// BuildFooter builds the action button; payload may be nil
func BuildFooter(label, onClickAction string, payload map[string]interface{}) Component {
	footer := Component{"type": "Footer", "label": label, "on-click-action": onClickAction}
	if payload != nil {
		footer["payload"] = payload
	}
	return footer
}

func BuildForm(children ...Component) Component {
	return Component{"type": "Form", "children": children}
}

func selection(kind, name, label string, options []Option, required bool) Component {
	return Component{
		"type":        kind,
		"name":        name,
		"label":       label,
		"data-source": options,
		"required":    required,
	}
}
