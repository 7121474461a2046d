package postgres

import (
	"context"
	"strings"
	"time"
)

// reconnectDelay is the pause between a detected disconnect and the retry.
const reconnectDelay = 3 * time.Second

// isDisconnectError recognises the transient "server gone away" family of
// errors the Failure Envelope and this package treat specially: a
// dropped connection is not a processing failure, it is retried silently.
func isDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server gone away") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}

// withReconnect runs fn, and if it fails with a disconnect error, reopens
// the pool and retries fn exactly once more.
func (s *Store) withReconnect(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isDisconnectError(err) {
		return err
	}

	select {
	case <-time.After(reconnectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if reopenErr := s.Reopen(ctx); reopenErr != nil {
		return reopenErr
	}
	return fn()
}
