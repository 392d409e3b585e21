package utils

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const maxIDLength = 128

// GeneratePeerID generates an identity for a node that does not claim the
// room id.
func GeneratePeerID() string {
	return uuid.NewString()
}

// GenerateMessageID generates the id of an acknowledged message.
func GenerateMessageID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req-" + uuid.NewString()
}

// SequentialIDs returns a generator yielding prefix1, prefix2, ...
// Deterministic identities make multi-node scenarios reproducible.
func SequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// ValidateID checks that id can be registered with a rendezvous.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id must not be empty")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("id longer than %d bytes", maxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("id %q contains whitespace or control characters", id)
		}
	}
	return nil
}
