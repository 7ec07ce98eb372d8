package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// gcmTagSize is the length of the authentication tag appended to every payload
const gcmTagSize = 16

var (
	ErrKeyUnwrapFailed      = errors.New("flow: failed to decrypt AES key")
	ErrPayloadDecryptFailed = errors.New("flow: failed to decrypt payload")
	ErrPayloadDecodeFailed  = errors.New("flow: failed to decode payload")
	ErrPayloadEncryptFailed = errors.New("flow: failed to encrypt response")
	ErrPrivateKeyMissing    = errors.New("flow: private key not configured")
)

// FlowRequest is a decrypted flow data-exchange request. AESKey and IV are
// kept so the response can be encrypted with the same session key.
type FlowRequest struct {
	Payload interface{}
	Raw     []byte
	AESKey  []byte
	IV      []byte
}

// Object returns the payload as a JSON object, or nil when it is an array or scalar
func (r *FlowRequest) Object() map[string]interface{} {
	doc, _ := r.Payload.(map[string]interface{})
	return doc
}

// FlowCrypto implements the hybrid RSA-OAEP(SHA-256) + AES-GCM codec used
// by the flows data endpoint. Payloads travel as base64(ciphertext || tag).
type FlowCrypto struct {
	flipResponseIV bool
}

// NewFlowCrypto creates the codec. With flipResponseIV the response leg uses
// the bitwise complement of the request IV instead of the IV itself.
func NewFlowCrypto(flipResponseIV bool) *FlowCrypto {
	return &FlowCrypto{flipResponseIV: flipResponseIV}
}

// Decrypt unwraps the AES key with the business private key and opens the payload
func (fc *FlowCrypto) Decrypt(encryptedPayload, encryptedAESKey, iv string, key *rsa.PrivateKey) (*FlowRequest, error) {
	if key == nil {
		return nil, ErrPrivateKeyMissing
	}

	payload, err := base64.StdEncoding.DecodeString(encryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", ErrPayloadDecodeFailed, err)
	}
	wrappedKey, err := base64.StdEncoding.DecodeString(encryptedAESKey)
	if err != nil {
		return nil, fmt.Errorf("%w: aes key is not base64: %v", ErrPayloadDecodeFailed, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not base64: %v", ErrPayloadDecodeFailed, err)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, key, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrapFailed, err)
	}

	if len(payload) < gcmTagSize {
		return nil, fmt.Errorf("%w: payload shorter than tag", ErrPayloadDecryptFailed)
	}
	gcm, err := newGCM(aesKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecryptFailed, err)
	}
	plain, err := gcm.Open(nil, nonce, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecryptFailed, err)
	}

	var doc interface{}
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecodeFailed, err)
	}

	return &FlowRequest{Payload: doc, Raw: plain, AESKey: aesKey, IV: nonce}, nil
}

// Encrypt serializes payload and seals it with the request's AES key
func (fc *FlowCrypto) Encrypt(payload any, aesKey, iv []byte) (string, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadEncryptFailed, err)
	}
	gcm, err := newGCM(aesKey, iv)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayloadEncryptFailed, err)
	}
	sealed := gcm.Seal(nil, iv, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// ResponseIV returns the IV the response leg must be sealed with
func (fc *FlowCrypto) ResponseIV(requestIV []byte) []byte {
	if fc.flipResponseIV {
		return FlipIV(requestIV)
	}
	return requestIV
}

// FlipIV returns the bitwise complement of iv
func FlipIV(iv []byte) []byte {
	flipped := make([]byte, len(iv))
	for i, b := range iv {
		flipped[i] = ^b
	}
	return flipped
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(iv) == 0 {
		return nil, errors.New("empty iv")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, len(iv))
}

// ParsePrivateKey reads a PKCS#1 or PKCS#8 RSA key. Literal "\n" sequences
// are accepted so the key can live in a single-line env var.
func ParsePrivateKey(pemData, passphrase string) (*rsa.PrivateKey, error) {
	pemData = strings.ReplaceAll(strings.TrimSpace(pemData), `\n`, "\n")
	if pemData == "" {
		return nil, ErrPrivateKeyMissing
	}

	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("flow: private key is not PEM encoded")
	}

	der := block.Bytes
	//nolint:staticcheck
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return nil, errors.New("flow: private key is encrypted but no passphrase is set")
		}
		//nolint:staticcheck
		decrypted, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("flow: decrypt private key: %w", err)
		}
		der = decrypted
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("flow: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("flow: private key is not RSA")
	}
	return key, nil
}

// EncryptAESKey wraps an AES key with the public half of key. The platform
// does this on its side; it is exported for clients and tests.
func EncryptAESKey(pub *rsa.PublicKey, aesKey []byte) (string, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}
