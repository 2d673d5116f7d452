package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID returns a URL-safe random hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewMessageID returns an ID whose lexicographic order follows insertion
// time. Messages sort by (created_at, id); the time prefix keeps the id
// tie-break consistent with the timestamp.
func NewMessageID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%016x%s", uint64(time.Now().UTC().UnixNano()), hex.EncodeToString(b[:]))
}
