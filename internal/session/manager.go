package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wagate-dev/wagate/internal/observability"
	"github.com/wagate-dev/wagate/internal/protocol"
)

// ErrPairingFailed is delivered to a pending pairing sink when the session
// reaches permanent teardown before a QR code could be handed out.
var ErrPairingFailed = errors.New("session: unable to create session")

const recreateTimeout = 30 * time.Second

// Relay is the application-server side channel: inbound message forwarding
// and device-status notifications. Both are best-effort; implementations log
// failures and never surface them.
type Relay interface {
	ForwardInbound(identity, sender, messageID string, body json.RawMessage)
	NotifyDeviceStatus(identity string, code int)
}

// ManagerConfig carries the connection identification handed to the protocol
// client at dial time.
type ManagerConfig struct {
	Browser protocol.BrowserIdent
	Version [3]int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Browser == (protocol.BrowserIdent{}) {
		c.Browser = protocol.BrowserIdent{Platform: "Chrome", Name: "Chrome", Version: "110.0"}
	}
	if c.Version == ([3]int{}) {
		c.Version = [3]int{2, 1541, 1}
	}
	return c
}

// Manager owns the per-session connection state machine: creation with
// optional QR pairing hand-off, deletion, and the reconnect loop driven by
// the retry policy.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	store    *FootprintStore
	dialer   protocol.Dialer
	policy   *RetryPolicy
	relay    Relay
}

func NewManager(
	cfg ManagerConfig,
	registry *Registry,
	store *FootprintStore,
	dialer protocol.Dialer,
	policy *RetryPolicy,
	relay Relay,
) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		store:    store,
		dialer:   dialer,
		policy:   policy,
		relay:    relay,
	}
}

// Registry exposes the registry for read-side collaborators.
func (m *Manager) Registry() *Registry { return m.registry }

// Create opens a connection for identity and registers its handle. sink is
// optional and only present for interactively-created sessions awaiting a
// pairing code; it is consumed at most once by whichever of QR delivery or
// terminal failure happens first.
func (m *Manager) Create(ctx context.Context, identity string, mode Mode, sink *PairingSink) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	if m.registry.Exists(identity) {
		return ErrSessionExists
	}

	auth, err := m.store.LoadAuth(identity, mode)
	if err != nil {
		// Unreadable footprint is treated like an absent one: the
		// session starts unpaired.
		log.Warn().Str("session_id", identity).Err(err).Msg("session_auth_unreadable")
		auth = protocol.AuthState{}
	}

	var chatStore *protocol.MemoryStore
	if mode == ModeStandard {
		chatStore = protocol.NewMemoryStore()
		if err := m.store.ReadSnapshot(identity, chatStore); err != nil {
			log.Warn().Str("session_id", identity).Err(err).Msg("session_snapshot_unreadable")
		}
	}

	opts := protocol.DialOptions{
		Auth:         auth,
		Browser:      m.cfg.Browser,
		Version:      m.cfg.Version,
		PatchMessage: protocol.PatchInteractiveMessage,
	}

	client, err := m.dialer.Dial(ctx, opts)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}

	// The handle must be registered before any event can be handled;
	// otherwise an event-driven teardown would race the insert and leave a
	// dead session behind. Attach starts event delivery, replaying anything
	// the client held back since dial.
	m.registry.Put(identity, &Handle{
		ID:        identity,
		Mode:      mode,
		Client:    client,
		Store:     chatStore,
		CreatedAt: time.Now(),
	})
	observability.SetSessionsActive(len(m.registry.Snapshot()))
	log.Info().Str("session_id", identity).Str("mode", mode.String()).Msg("session_created")

	client.Attach(protocol.Handlers{
		OnCredentials: func(creds json.RawMessage) {
			m.onCredentials(identity, mode, creds)
		},
		OnMessage: func(ev protocol.MessageEvent) {
			m.onMessage(identity, ev)
		},
		OnConnection: func(update protocol.ConnectionUpdate) {
			m.onConnection(identity, mode, sink, update)
		},
		OnChatsSet: func(chats []protocol.Chat) {
			if chatStore != nil {
				chatStore.UpsertChats(chats...)
			}
		},
	})
	return nil
}

// Delete logs the session out (best-effort), erases its footprint, and
// removes it from the registry. Absent sessions return ErrSessionNotFound
// with no side effect.
func (m *Manager) Delete(ctx context.Context, identity string) error {
	handle, err := m.registry.Get(identity)
	if err != nil {
		return err
	}
	if err := handle.Client.Logout(ctx); err != nil {
		log.Warn().Str("session_id", identity).Err(err).Msg("session_logout_failed")
	}
	m.cleanup(identity)
	log.Info().Str("session_id", identity).Msg("session_deleted")
	return nil
}

// WriteSnapshots persists the chat store of every live standard session.
// Called once at process shutdown.
func (m *Manager) WriteSnapshots() {
	for _, handle := range m.registry.Snapshot() {
		if handle.Mode != ModeStandard || handle.Store == nil {
			continue
		}
		if err := m.store.WriteSnapshot(handle.ID, handle.Store); err != nil {
			log.Warn().Str("session_id", handle.ID).Err(err).Msg("session_snapshot_write_failed")
		}
	}
}

func (m *Manager) onCredentials(identity string, mode Mode, creds json.RawMessage) {
	if err := m.store.SaveCredentials(identity, mode, creds); err != nil {
		// Credential autosave failures are logged and ignored; the
		// session keeps running on its in-memory state.
		log.Warn().Str("session_id", identity).Err(err).Msg("session_creds_save_failed")
	}
}

func (m *Manager) onMessage(identity string, ev protocol.MessageEvent) {
	if ev.FromMe || ev.Kind != "notify" {
		return
	}
	if m.relay == nil {
		return
	}
	m.relay.ForwardInbound(identity, ev.Sender, ev.ID, ev.Body)
}

func (m *Manager) onConnection(identity string, mode Mode, sink *PairingSink, update protocol.ConnectionUpdate) {
	if update.QRCode != "" {
		m.onPairingCode(identity, update.QRCode, sink)
	}
	switch update.State {
	case protocol.StateConnected:
		m.registry.ClearRetries(identity)
		log.Info().Str("session_id", identity).Msg("session_open")
	case protocol.StateDisconnected:
		m.onClosed(identity, mode, sink, update.Disconnect)
	}
}

func (m *Manager) onPairingCode(identity, code string, sink *PairingSink) {
	if sink != nil && sink.Fulfill(code) {
		log.Info().Str("session_id", identity).Msg("session_qr_delivered")
		return
	}
	// A pairing request with no pending sink means an already-paired
	// session lost its credentials mid-reconnect. Nothing can consume the
	// code, so the session is unrecoverable.
	log.Warn().Str("session_id", identity).Msg("session_pairing_unrecoverable")
	if handle, err := m.registry.Get(identity); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := handle.Client.Logout(ctx); err != nil {
			log.Warn().Str("session_id", identity).Err(err).Msg("session_logout_failed")
		}
		cancel()
	}
	m.cleanup(identity)
}

func (m *Manager) onClosed(identity string, mode Mode, sink *PairingSink, disc *protocol.Disconnect) {
	var reason protocol.DisconnectReason
	if disc != nil {
		reason = disc.Reason
	}

	if reason == protocol.ReasonLoggedOut {
		log.Info().Str("session_id", identity).Msg("session_logged_out")
		m.teardown(identity, sink)
		return
	}

	retry, delay := m.policy.ShouldRetry(identity, reason)
	if !retry {
		log.Warn().Str("session_id", identity).Int("reason", int(reason)).Msg("session_retries_exhausted")
		m.teardown(identity, sink)
		return
	}

	observability.RecordReconnect()
	time.AfterFunc(delay, func() {
		m.recreate(identity, mode, sink)
	})
}

// recreate is the reconnect timer callback. A session deleted while the
// timer was pending is absent from the registry, which turns the callback
// into a no-op.
func (m *Manager) recreate(identity string, mode Mode, sink *PairingSink) {
	if !m.registry.Exists(identity) {
		return
	}
	m.registry.Remove(identity)

	ctx, cancel := context.WithTimeout(context.Background(), recreateTimeout)
	defer cancel()
	if err := m.Create(ctx, identity, mode, sink); err != nil {
		// The footprint stays on disk so the next boot retries the
		// session from scratch, but the device is down until then and
		// the application server is told so.
		log.Error().Str("session_id", identity).Err(err).Msg("session_recreate_failed")
		m.registry.ClearRetries(identity)
		if sink != nil {
			sink.Fail(err)
		}
		if m.relay != nil {
			m.relay.NotifyDeviceStatus(identity, 0)
		}
	}
}

// teardown is the permanent-failure path: delete-equivalent cleanup plus
// failure delivery to a still-pending pairing sink.
func (m *Manager) teardown(identity string, sink *PairingSink) {
	if sink != nil {
		sink.Fail(ErrPairingFailed)
	}
	m.cleanup(identity)
}

func (m *Manager) cleanup(identity string) {
	if err := m.store.Erase(identity); err != nil {
		log.Warn().Str("session_id", identity).Err(err).Msg("session_erase_failed")
	}
	m.registry.Remove(identity)
	m.registry.ClearRetries(identity)
	if m.relay != nil {
		m.relay.NotifyDeviceStatus(identity, 0)
	}
	observability.SetSessionsActive(len(m.registry.Snapshot()))
}
