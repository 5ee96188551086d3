package session

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wagate-dev/wagate/internal/protocol"
)

// RetryPolicy decides whether a closed connection may reconnect and after
// what delay. The attempt counter lives in the registry; the policy itself
// holds only configuration read once at process start.
type RetryPolicy struct {
	// MaxAttempts bounds consecutive reconnect attempts per identity.
	MaxAttempts int
	// Interval is the fixed delay between attempts. A restart-required
	// disconnect overrides it to zero.
	Interval time.Duration

	registry *Registry
}

func NewRetryPolicy(maxAttempts int, interval time.Duration, registry *Registry) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if interval < 0 {
		interval = 0
	}
	return &RetryPolicy{MaxAttempts: maxAttempts, Interval: interval, registry: registry}
}

// ShouldRetry consumes one retry attempt for identity. It reports false once
// the configured maximum is reached; the caller then tears the session down
// exactly as it would for an explicit logout.
func (p *RetryPolicy) ShouldRetry(identity string, reason protocol.DisconnectReason) (bool, time.Duration) {
	if p.registry.Attempts(identity) >= p.MaxAttempts {
		return false, 0
	}
	attempt := p.registry.Attempt(identity)
	log.Info().
		Str("session_id", identity).
		Int("attempt", attempt).
		Int("reason", int(reason)).
		Msg("session_reconnecting")

	if reason == protocol.ReasonRestartRequired {
		return true, 0
	}
	return true, p.Interval
}
