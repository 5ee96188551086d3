package session

import (
	"context"
	"sync"
)

// PairingResult is the single outcome of an interactive session creation:
// either a pairing code to scan or the terminal failure that preempted it.
type PairingResult struct {
	QRCode string
	Err    error
}

// PairingSink is a one-shot reply channel handed to Create for sessions
// built interactively. Whichever terminal event fires first, QR delivery or
// permanent failure, consumes it; every later fulfillment attempt is a
// no-op.
type PairingSink struct {
	mu   sync.Mutex
	done bool
	ch   chan PairingResult
}

func NewPairingSink() *PairingSink {
	return &PairingSink{ch: make(chan PairingResult, 1)}
}

// Fulfill delivers a pairing code. It reports whether this call consumed the
// sink.
func (s *PairingSink) Fulfill(qr string) bool {
	return s.complete(PairingResult{QRCode: qr})
}

// Fail delivers a terminal failure. It reports whether this call consumed
// the sink.
func (s *PairingSink) Fail(err error) bool {
	return s.complete(PairingResult{Err: err})
}

// Done reports whether the sink has been consumed.
func (s *PairingSink) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the sink is fulfilled or ctx ends.
func (s *PairingSink) Wait(ctx context.Context) (PairingResult, error) {
	select {
	case res := <-s.ch:
		return res, nil
	case <-ctx.Done():
		return PairingResult{}, ctx.Err()
	}
}

func (s *PairingSink) complete(res PairingResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.ch <- res
	return true
}
