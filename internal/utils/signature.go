package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader is the header Meta signs webhook deliveries with
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

var (
	ErrSignatureMissing    = errors.New("webhook signature missing")
	ErrSecretNotConfigured = errors.New("app secret not configured")
	ErrSignatureMismatch   = errors.New("invalid webhook signature")
)

// VerifySignature checks header against HMAC-SHA256(secret, rawBody).
// rawBody must be the exact bytes received; the comparison is constant time.
func VerifySignature(rawBody []byte, header, secret string) error {
	if header == "" {
		return ErrSignatureMissing
	}
	if secret == "" {
		return ErrSecretNotConfigured
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrSignatureMismatch
	}

	if !hmac.Equal(provided, ComputeSignature(rawBody, secret)) {
		return ErrSignatureMismatch
	}
	return nil
}

// ComputeSignature returns the raw HMAC-SHA256 of body
func ComputeSignature(body []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}

// SignatureHeaderValue renders the header value for body, e.g. for tests and replay tools
func SignatureHeaderValue(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(ComputeSignature(body, secret))
}
