package id

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ContentHash is the cache key and reported identifier for a payload. It is
// computed over the payload text exactly as the client sent it, not over the
// decoded bytes, so two encodings of the same bytes hash differently.
func ContentHash(encoded string) string {
	sum := sha256.Sum256([]byte(encoded))

	return hex.EncodeToString(sum[:])
}

// ID returns an unique ID based on the parts passed in. If none are passed in
// then ID will be random. The ID will be a fixed length hexadecimal string.
func ID(parts ...string) string {
	if len(parts) == 0 {
		return ContentHash(uuid.New().String())
	}

	return ContentHash(strings.Join(parts, "\n"))
}
