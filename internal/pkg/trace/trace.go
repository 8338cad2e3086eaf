// Package trace generates per-message trace context: a 128-bit trace id and
// a 64-bit span id, both lowercase hex.
package trace

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewTraceID returns a fresh 32-char hex trace id.
func NewTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// NewSpanID returns a fresh 16-char hex span id.
func NewSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}
