package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// TempID returns a client-side identifier for a record that has not been
// persisted yet. Temp ids are replaced by store ids when the board is saved.
func TempID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return "temp-" + hex.EncodeToString(bytes)
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, "temp-")
}
