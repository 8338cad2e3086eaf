package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"
)

// Builtin returns a registry populated with the stock handlers.
func Builtin(log zerolog.Logger) *Registry {
	r := NewRegistry()
	r.Register("heartbeat", Heartbeat)
	r.Register("echo", Echo(log))
	r.Register("sha256", Sha256)
	return r
}

// Heartbeat is a liveness no-op.
func Heartbeat(ctx context.Context, _ map[string]any) error {
	return sleep(ctx, 100*time.Millisecond)
}

// Echo logs its payload back.
func Echo(log zerolog.Logger) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
		log.Info().Interface("payload", payload).Msg("echo")
		return nil
	}
}

// Sha256 hashes payload["text"].
func Sha256(_ context.Context, payload map[string]any) error {
	text, _ := payload["text"].(string)
	sum := sha256.Sum256([]byte(text))
	_ = hex.EncodeToString(sum[:])
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
