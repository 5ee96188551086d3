// Package webhook relays inbound messages to the application server and
// executes the outbound sends it requests in response. Every delivery is
// best-effort: failures are logged, never retried, never surfaced to the
// owning connection.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wagate-dev/wagate/internal/observability"
	"github.com/wagate-dev/wagate/internal/protocol"
	"github.com/wagate-dev/wagate/internal/session"
)

const requestTimeout = 10 * time.Second

// Payload is the webhook body posted for one inbound message.
type Payload struct {
	From      string          `json:"from"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
}

// Reply is the optional webhook response that triggers an outbound send.
type Reply struct {
	Receiver string          `json:"receiver"`
	Message  json.RawMessage `json:"message"`
}

// Dispatcher posts inbound messages to the configured application server,
// identity-scoped by URL path, and looks sessions back up through the
// registry when a reply arrives.
type Dispatcher struct {
	base     string
	client   *http.Client
	registry *session.Registry
}

func NewDispatcher(base string, registry *session.Registry) *Dispatcher {
	return &Dispatcher{
		base:     strings.TrimRight(base, "/"),
		client:   &http.Client{Timeout: requestTimeout},
		registry: registry,
	}
}

// ForwardInbound relays one inbound message asynchronously. It returns
// immediately; the POST and any reply-triggered send run on their own
// goroutine.
func (d *Dispatcher) ForwardInbound(identity, sender, messageID string, body json.RawMessage) {
	go d.deliver(identity, sender, messageID, body)
}

func (d *Dispatcher) deliver(identity, sender, messageID string, body json.RawMessage) {
	endpoint := fmt.Sprintf("%s/send-webhook/%s", d.base, url.PathEscape(identity))
	data, err := json.Marshal(Payload{From: sender, MessageID: messageID, Message: body})
	if err != nil {
		log.Warn().Str("session_id", identity).Err(err).Msg("webhook_encode_failed")
		return
	}

	resp, err := d.client.Post(endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		observability.RecordWebhookDelivery(false)
		log.Warn().Str("session_id", identity).Err(err).Msg("webhook_delivery_failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.RecordWebhookDelivery(false)
		log.Warn().
			Str("session_id", identity).
			Int("status", resp.StatusCode).
			Msg("webhook_delivery_rejected")
		return
	}
	observability.RecordWebhookDelivery(true)

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil || reply.Receiver == "" || len(reply.Message) == 0 {
		return
	}

	handle, err := d.registry.Get(identity)
	if err != nil {
		// Session deleted while the POST was in flight; the reply is
		// dropped rather than acted upon.
		log.Debug().Str("session_id", identity).Msg("webhook_reply_dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_ = d.SendMessage(ctx, handle, reply.Receiver, reply.Message, 0)
}

// SendMessage waits delay, then submits the message through the session's
// protocol client. Failure detail is intentionally opaque to callers.
func (d *Dispatcher) SendMessage(
	ctx context.Context,
	handle *session.Handle,
	receiver string,
	body json.RawMessage,
	delay time.Duration,
) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := handle.Client.SendMessage(ctx, receiver, body); err != nil {
		log.Warn().Str("session_id", handle.ID).Err(err).Msg("message_send_failed")
		return protocol.ErrSendFailed
	}
	return nil
}

// NotifyDeviceStatus fires one device-status POST at the application server
// and forgets about it.
func (d *Dispatcher) NotifyDeviceStatus(identity string, code int) {
	endpoint := fmt.Sprintf("%s/set-device-status/%s/%d", d.base, url.PathEscape(identity), code)
	go func() {
		resp, err := d.client.Post(endpoint, "application/json", nil)
		if err != nil {
			log.Warn().Str("session_id", identity).Err(err).Msg("device_status_failed")
			return
		}
		resp.Body.Close()
	}()
}
