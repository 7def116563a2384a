package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSecret generates a cryptographically secure random secret
func GenerateSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DeploymentSecrets are the values an operator has to mint once per
// environment
type DeploymentSecrets struct {
	JWTSecret     string
	CallbackToken string
}

// GenerateDeploymentSecrets generates the JWT signing secret and the token
// appended to the M-Pesa callback URL
func GenerateDeploymentSecrets() (*DeploymentSecrets, error) {
	jwtSecret, err := GenerateSecret(32) // 256-bit
	if err != nil {
		return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
	}

	// Shorter: it travels in a query string Safaricom stores with the shortcode.
	callbackToken, err := GenerateSecret(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate callback token: %w", err)
	}

	return &DeploymentSecrets{JWTSecret: jwtSecret, CallbackToken: callbackToken}, nil
}
