package referral

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// codeAttempts bounds retries on code collisions.
const codeAttempts = 5

// GenerateCode returns a random 12-character hex code.
func GenerateCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("referral: generate code: %w", err)
	}
	return hex.EncodeToString(b), nil
}
