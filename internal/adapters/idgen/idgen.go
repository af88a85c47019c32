package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates random identifiers.
type Generator struct{}

// NewID returns a random UUIDv4 string.
func (Generator) NewID() string {
	return uuid.NewString()
}

// DeviceID derives a stable MAC-style identifier (AA:BB:CC:DD:EE:FF) from
// name, so a renderer keeps its AirPlay identity across restarts.
func DeviceID(name string) string {
	sum := uuid.NewSHA1(uuid.NameSpaceURL, []byte(name))
	parts := make([]string, 6)
	for i := range parts {
		parts[i] = fmt.Sprintf("%02X", sum[i])
	}
	return strings.Join(parts, ":")
}
