// Package admission derives the identity of a logical execution: the
// canonical payload hash, the dedupe window bucket, and the execution key
// that collapses duplicate submissions.
package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CanonicalJSON renders a payload as deterministic JSON: sorted keys, compact
// separators, UTF-8. Two payloads that differ only in key order produce the
// same bytes.
func CanonicalJSON(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	// encoding/json sorts map keys and emits compact output.
	return json.Marshal(payload)
}

// PayloadHash is the hex SHA-256 over the canonical JSON form.
func PayloadHash(payload map[string]any) (string, error) {
	b, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// WindowStart aligns t down to the containing dedupe-window boundary.
// Buckets are half-open [start, start+window): a timestamp exactly on a
// boundary lands in the later bucket.
func WindowStart(t time.Time, window time.Duration) time.Time {
	w := window.Milliseconds()
	if w < 1 {
		w = 1
	}
	aligned := (t.UnixMilli() / w) * w
	return time.UnixMilli(aligned).UTC()
}

// CandidateWindows returns up to three deduplicated window starts for a
// submission at t under clock-skew tolerance skew: the bucket containing t,
// then the buckets containing t+skew and t-skew. The first element is the
// primary window used for inserts.
func CandidateWindows(t time.Time, window, skew time.Duration) []time.Time {
	candidates := []time.Time{
		WindowStart(t, window),
		WindowStart(t.Add(skew), window),
		WindowStart(t.Add(-skew), window),
	}
	out := candidates[:0]
	seen := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		ms := c.UnixMilli()
		if _, dup := seen[ms]; dup {
			continue
		}
		seen[ms] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ExecutionKey is the globally unique identifier of one logical execution:
// name ":" payload_hash ":" window_start_epoch_ms.
func ExecutionKey(name, payloadHash string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", name, payloadHash, windowStart.UnixMilli())
}
