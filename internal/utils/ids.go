package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateFlowID returns a new local flow identifier, e.g. flow_3f2a...
func GenerateFlowID() string {
	return GenerateSecureID("flow_")
}

// GenerateSecureID returns prefix followed by a random UUID without dashes
func GenerateSecureID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
