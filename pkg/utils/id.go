package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GeneratePeerID generates a unique peer ID for an authenticated user.
func GeneratePeerID() string {
	return fmt.Sprintf("user_%s", uuid.NewString())
}

// GenerateGuestID generates a unique peer ID for an anonymous participant.
func GenerateGuestID() string {
	return fmt.Sprintf("public_%s", uuid.NewString())
}

// GenerateMeetingID generates a unique meeting ID.
func GenerateMeetingID() string {
	return uuid.NewString()
}

// GenerateContextID generates a unique pooled audio context ID.
func GenerateContextID() string {
	return fmt.Sprintf("audio_%s", uuid.NewString())
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}

// IsGuestID reports whether the peer ID belongs to an anonymous participant.
func IsGuestID(id string) bool {
	return strings.HasPrefix(id, "public_")
}

// FallbackDisplayName derives a short display name from a peer ID when the
// join payload carried none.
func FallbackDisplayName(id string) string {
	trimmed := id
	switch {
	case strings.HasPrefix(id, "user_"):
		trimmed = strings.TrimPrefix(id, "user_")
	case strings.HasPrefix(id, "public_"):
		trimmed = strings.TrimPrefix(id, "public_")
	}
	if len(trimmed) > 8 {
		trimmed = trimmed[:8]
	}
	if IsGuestID(id) {
		return fmt.Sprintf("Guest %s", trimmed)
	}
	return fmt.Sprintf("User %s", trimmed)
}
