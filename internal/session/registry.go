// Package session implements the gateway core: the process-wide session
// registry, the per-session connection state machine with its retry policy,
// the on-disk footprint store, and the startup loader that rehydrates
// persisted sessions.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wagate-dev/wagate/internal/protocol"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExists   = errors.New("session: already exists")
	ErrIdentityEmpty   = errors.New("session: identity required")
)

// Mode selects the credential-storage strategy for a session, fixed at
// creation time.
type Mode int

const (
	// ModeStandard uses a multi-file auth directory and snapshots the
	// in-memory chat store.
	ModeStandard Mode = iota
	// ModeLegacy uses a single flat auth file and carries no store.
	ModeLegacy
)

func (m Mode) String() string {
	if m == ModeLegacy {
		return "legacy"
	}
	return "standard"
}

// Handle is one live session entry. It is owned by the Registry once
// inserted; Store is nil for legacy sessions.
type Handle struct {
	ID        string
	Mode      Mode
	Client    protocol.Client
	Store     *protocol.MemoryStore
	CreatedAt time.Time
}

// Registry is the single source of truth for which sessions exist. It also
// owns the per-identity reconnect attempt counters so that every piece of
// process-wide mutable state funnels through one mutex.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Handle
	retries  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Handle),
		retries:  make(map[string]int),
	}
}

// Put inserts or replaces a handle. Replacing a live handle without a prior
// Remove is a caller error; it is logged and permitted.
func (r *Registry) Put(identity string, handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[identity]; exists {
		log.Warn().Str("session_id", identity).Msg("registry_overwrite_live_handle")
	}
	r.sessions[identity] = handle
}

// Get returns the handle for identity or ErrSessionNotFound.
func (r *Registry) Get(identity string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[identity]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return h, nil
}

// Exists reports registry membership.
func (r *Registry) Exists(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[identity]
	return ok
}

// Remove drops the registry entry; absent identities are a no-op.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, identity)
}

// Snapshot returns the live handles in no particular order.
func (r *Registry) Snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}

// Attempt increments and returns the reconnect attempt count for identity.
func (r *Registry) Attempt(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[identity]++
	return r.retries[identity]
}

// Attempts returns the current reconnect attempt count without mutating it.
func (r *Registry) Attempts(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries[identity]
}

// ClearRetries deletes the attempt counter, ending a reconnect cycle.
func (r *Registry) ClearRetries(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, identity)
}

func validIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrIdentityEmpty
	}
	return nil
}
