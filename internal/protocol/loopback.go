package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// LoopbackDialer is the in-process transport. It never touches the network:
// unpaired sessions receive a synthetic QR pairing token, paired sessions
// open immediately against their stored credentials, and sends are recorded
// on the client. It backs development runs of the gateway and every test
// that needs to drive connection lifecycle events by hand.
type LoopbackDialer struct {
	// Manual suppresses the automatic connect sequence so callers drive
	// every transition themselves.
	Manual bool
	// DialErr, when set, fails every Dial with that error.
	DialErr error

	mu      sync.Mutex
	clients []*LoopbackClient
}

func NewLoopbackDialer() *LoopbackDialer {
	return &LoopbackDialer{}
}

func (d *LoopbackDialer) Dial(ctx context.Context, opts DialOptions) (Client, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := &LoopbackClient{opts: opts, state: StateConnecting, manual: d.Manual}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

// Clients returns every client dialed so far, in dial order.
func (d *LoopbackDialer) Clients() []*LoopbackClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*LoopbackClient, len(d.clients))
	copy(out, d.clients)
	return out
}

// Last returns the most recently dialed client, nil when none exist.
func (d *LoopbackDialer) Last() *LoopbackClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// SentMessage is one outbound message recorded by a loopback client.
type SentMessage struct {
	Receiver string
	Body     json.RawMessage
}

// LoopbackClient implements Client without a network. Driver methods (Open,
// EmitQR, CloseWith, EmitMessage, EmitCredentials, EmitChats) invoke the
// attached handlers from the caller's goroutine; events emitted before
// Attach are queued and replayed in order when handlers arrive.
type LoopbackClient struct {
	mu          sync.Mutex
	opts        DialOptions
	manual      bool
	attached    bool
	handlers    Handlers
	pending     []func(Handlers)
	state       ConnState
	account     *Account
	sent        []SentMessage
	logoutCalls int
	sendErr     error
	unknown     map[string]bool
}

func (c *LoopbackClient) Attach(handlers Handlers) {
	c.mu.Lock()
	c.attached = true
	c.handlers = handlers
	queued := c.pending
	c.pending = nil
	manual := c.manual
	c.mu.Unlock()

	for _, fire := range queued {
		fire(handlers)
	}
	if !manual {
		go c.autoStart()
	}
}

func (c *LoopbackClient) autoStart() {
	if c.opts.Auth.Empty() {
		c.EmitQR("loopback-pairing-" + uuid.NewString())
		return
	}
	c.EmitCredentials(c.opts.Auth.Creds)
	c.Open(accountFromCreds(c.opts.Auth.Creds))
}

func accountFromCreds(creds json.RawMessage) *Account {
	var blob struct {
		Me *Account `json:"me"`
	}
	if err := json.Unmarshal(creds, &blob); err != nil || blob.Me == nil {
		return &Account{ID: "loopback" + UserSuffix}
	}
	return blob.Me
}

func (c *LoopbackClient) SendMessage(ctx context.Context, receiver string, body json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.opts.PatchMessage != nil {
		body = c.opts.PatchMessage(body)
	}
	c.sent = append(c.sent, SentMessage{Receiver: receiver, Body: body})
	return nil
}

// ReceiverExists reports true for every receiver not marked unknown via
// MarkUnknownReceiver.
func (c *LoopbackClient) ReceiverExists(ctx context.Context, receiver string, group bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unknown[receiver], nil
}

func (c *LoopbackClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalls++
	c.state = StateDisconnected
	return nil
}

func (c *LoopbackClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	return nil
}

func (c *LoopbackClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *LoopbackClient) Account() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Sent returns the recorded outbound messages in send order.
func (c *LoopbackClient) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// LogoutCalls reports how many times Logout ran.
func (c *LoopbackClient) LogoutCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutCalls
}

// FailSends makes every subsequent SendMessage return err.
func (c *LoopbackClient) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// MarkUnknownReceiver makes ReceiverExists report false for receiver.
func (c *LoopbackClient) MarkUnknownReceiver(receiver string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unknown == nil {
		c.unknown = make(map[string]bool)
	}
	c.unknown[receiver] = true
}

// Open transitions the client to connected with the given identity.
func (c *LoopbackClient) Open(account *Account) {
	c.mu.Lock()
	c.state = StateConnected
	c.account = account
	c.mu.Unlock()
	c.fireConnection(ConnectionUpdate{State: StateConnected})
}

// EmitQR delivers a pairing code while the client stays connecting.
func (c *LoopbackClient) EmitQR(code string) {
	c.fireConnection(ConnectionUpdate{State: StateConnecting, QRCode: code})
}

// CloseWith transitions the client to disconnected with a vendor reason.
func (c *LoopbackClient) CloseWith(reason DisconnectReason) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.fireConnection(ConnectionUpdate{
		State:      StateDisconnected,
		Disconnect: &Disconnect{Reason: reason},
	})
}

// EmitMessage delivers one inbound message event.
func (c *LoopbackClient) EmitMessage(ev MessageEvent) {
	c.emit(func(h Handlers) {
		if h.OnMessage != nil {
			h.OnMessage(ev)
		}
	})
}

// EmitCredentials delivers one credential-update event.
func (c *LoopbackClient) EmitCredentials(creds json.RawMessage) {
	c.emit(func(h Handlers) {
		if h.OnCredentials != nil {
			h.OnCredentials(creds)
		}
	})
}

// EmitChats delivers one chat-sync event.
func (c *LoopbackClient) EmitChats(chats []Chat) {
	c.emit(func(h Handlers) {
		if h.OnChatsSet != nil {
			h.OnChatsSet(chats)
		}
	})
}

func (c *LoopbackClient) fireConnection(update ConnectionUpdate) {
	c.emit(func(h Handlers) {
		if h.OnConnection != nil {
			h.OnConnection(update)
		}
	})
}

// emit runs fire against the attached handlers, or queues it when handlers
// are not attached yet. The handler runs outside the lock so it may call
// back into the client.
func (c *LoopbackClient) emit(fire func(Handlers)) {
	c.mu.Lock()
	if !c.attached {
		c.pending = append(c.pending, fire)
		c.mu.Unlock()
		return
	}
	handlers := c.handlers
	c.mu.Unlock()
	fire(handlers)
}
