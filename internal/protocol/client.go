// Package protocol defines the boundary to the external messaging-client
// library. The gateway core never speaks the wire protocol itself; it dials
// through a Dialer, receives typed events through handlers registered at dial
// time, and drives the resulting Client. Real deployments plug in a Dialer
// backed by the vendor client library; the in-process loopback transport in
// this package covers development and tests.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrSendFailed = errors.New("protocol: message send failed")

// ConnState mirrors the transport socket lifecycle of one client.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DisconnectReason carries the vendor status code attached to a closed
// connection. The two codes the session core branches on are logged-out
// (permanent) and restart-required (transient renegotiation).
type DisconnectReason int

const (
	ReasonLoggedOut       DisconnectReason = 401
	ReasonConnectionLost  DisconnectReason = 408
	ReasonConnectionClose DisconnectReason = 428
	ReasonBadSession      DisconnectReason = 500
	ReasonRestartRequired DisconnectReason = 515
)

// Account is the authenticated identity behind a client, nil until pairing
// completes.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// AuthState is the credential material handed to the client at dial time.
// Creds is the vendor credential blob; Keys holds the per-key files of a
// multi-file auth directory. Both empty means an unpaired session that will
// request QR pairing.
type AuthState struct {
	Creds json.RawMessage
	Keys  map[string]json.RawMessage
}

func (a AuthState) Empty() bool {
	return len(a.Creds) == 0 && len(a.Keys) == 0
}

// BrowserIdent identifies the gateway to the remote network.
type BrowserIdent struct {
	Platform string
	Name     string
	Version  string
}

// MessageEvent is one inbound message notification.
type MessageEvent struct {
	Sender string
	ID     string
	FromMe bool
	// Kind is "notify" for live notifications and "append" for backlog
	// replays delivered during history sync.
	Kind string
	Body json.RawMessage
}

// Disconnect describes why a connection reached the disconnected state.
type Disconnect struct {
	Reason DisconnectReason
	Err    error
}

// ConnectionUpdate is one lifecycle transition emitted by the client.
// QRCode is set when the network requests pairing; Disconnect is set when
// State is StateDisconnected.
type ConnectionUpdate struct {
	State      ConnState
	QRCode     string
	Disconnect *Disconnect
}

// Handlers are the typed event subscriptions installed through
// Client.Attach. Nil handlers are skipped. The client invokes them from its
// own goroutines.
type Handlers struct {
	OnCredentials func(creds json.RawMessage)
	OnMessage     func(ev MessageEvent)
	OnConnection  func(update ConnectionUpdate)
	OnChatsSet    func(chats []Chat)
}

// DialOptions configures one client connection.
type DialOptions struct {
	Auth    AuthState
	Browser BrowserIdent
	Version [3]int
	// PatchMessage rewrites outbound message content before it is encoded
	// on the wire. Nil means no rewrite.
	PatchMessage func(body json.RawMessage) json.RawMessage
}

// Client is one live connection to the messaging network.
type Client interface {
	// Attach installs the event subscriptions and starts delivery. Events
	// that occur between Dial and Attach are held back and replayed in
	// order once handlers are installed, so no event is handled before the
	// caller has finished wiring the session around the client.
	Attach(handlers Handlers)
	SendMessage(ctx context.Context, receiver string, body json.RawMessage) error
	// ReceiverExists reports whether receiver is reachable on the network.
	ReceiverExists(ctx context.Context, receiver string, group bool) (bool, error)
	Logout(ctx context.Context) error
	Close() error
	State() ConnState
	// Account returns the authenticated identity, nil while unpaired.
	Account() *Account
}

// Dialer opens client connections. Dial must not deliver any event; event
// flow begins with Client.Attach.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Client, error)
}
