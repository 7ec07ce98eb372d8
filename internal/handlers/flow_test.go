package handlers

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/services"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

var (
	endpointKeyOnce sync.Once
	endpointKey     *rsa.PrivateKey
)

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	endpointKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		endpointKey = key
	})
	return endpointKey
}

type sealed struct {
	body   string
	aesKey []byte
	iv     []byte
}

// seal encrypts payload the way the client does before posting it
func seal(t *testing.T, key *rsa.PrivateKey, payload string) sealed {
	t.Helper()
	aesKey := make([]byte, 16)
	iv := make([]byte, 16)
	_, _ = rand.Read(aesKey)
	_, _ = rand.Read(iv)

	wrapped, err := services.EncryptAESKey(&key.PublicKey, aesKey)
	require.NoError(t, err)

	gcm := newTestGCM(t, aesKey, len(iv))
	ciphertext := gcm.Seal(nil, iv, []byte(payload), nil)

	body, err := json.Marshal(services.EndpointRequest{
		EncryptedFlowData: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedAESKey:   wrapped,
		InitialVector:     base64.StdEncoding.EncodeToString(iv),
	})
	require.NoError(t, err)
	return sealed{body: string(body), aesKey: aesKey, iv: iv}
}

func newTestGCM(t *testing.T, key []byte, nonceSize int) cipher.AEAD {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	require.NoError(t, err)
	return gcm
}

func newFlowApp(key *rsa.PrivateKey) *fiber.App {
	store := storage.NewMemoryStore()
	sessions := services.NewSessionManager(store, config.ChatbotConfig{SessionTimeout: 1800})
	flows := services.NewFlowService(store, sessions, config.FlowConfig{Version: "7.3"}, key)
	app := fiber.New()
	app.Post("/whatsapp/flows/endpoint", NewFlowHandler(flows).Endpoint)
	return app
}

func postEndpoint(t *testing.T, app *fiber.App, body string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/whatsapp/flows/endpoint", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, resp.Header.Get(fiber.HeaderContentType), string(raw)
}

func TestFlowEndpoint_Ping(t *testing.T) {
	key := testPrivateKey(t)
	app := newFlowApp(key)
	req := seal(t, key, `{"version":"3.0","action":"ping"}`)

	status, contentType, body := postEndpoint(t, app, req.body)
	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, strings.HasPrefix(contentType, "text/plain"))

	ciphertext, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)
	plain, err := newTestGCM(t, req.aesKey, len(req.iv)).Open(nil, req.iv, ciphertext, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"status":"active"}}`, string(plain))
}

func TestFlowEndpoint_Errors(t *testing.T) {
	key := testPrivateKey(t)

	t.Run("wrong key is 421", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		req := seal(t, other, `{"action":"ping"}`)

		status, _, _ := postEndpoint(t, newFlowApp(key), req.body)
		assert.Equal(t, fiber.StatusMisdirectedRequest, status)
	})

	t.Run("undecodable payload is 400", func(t *testing.T) {
		req := seal(t, key, `not json`)
		status, _, _ := postEndpoint(t, newFlowApp(key), req.body)
		assert.Equal(t, fiber.StatusBadRequest, status)
	})

	t.Run("invalid body is 400", func(t *testing.T) {
		status, _, _ := postEndpoint(t, newFlowApp(key), `{`)
		assert.Equal(t, fiber.StatusBadRequest, status)
	})

	t.Run("missing private key is 500", func(t *testing.T) {
		req := seal(t, key, `{"action":"ping"}`)
		status, _, _ := postEndpoint(t, newFlowApp(nil), req.body)
		assert.Equal(t, fiber.StatusInternalServerError, status)
	})
}
