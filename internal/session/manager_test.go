package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wagate-dev/wagate/internal/protocol"
	"github.com/wagate-dev/wagate/internal/testutil/testlog"
)

type inboundRecord struct {
	Identity  string
	Sender    string
	MessageID string
	Body      json.RawMessage
}

type statusRecord struct {
	Identity string
	Code     int
}

// recordingRelay captures relay calls for assertions.
type recordingRelay struct {
	mu       sync.Mutex
	inbound  []inboundRecord
	statuses []statusRecord
}

func (r *recordingRelay) ForwardInbound(identity, sender, messageID string, body json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, inboundRecord{identity, sender, messageID, body})
}

func (r *recordingRelay) NotifyDeviceStatus(identity string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusRecord{identity, code})
}

func (r *recordingRelay) Inbound() []inboundRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inboundRecord(nil), r.inbound...)
}

func (r *recordingRelay) Statuses() []statusRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusRecord(nil), r.statuses...)
}

type fixture struct {
	dialer *protocol.LoopbackDialer
	reg    *Registry
	store  *FootprintStore
	relay  *recordingRelay
	mgr    *Manager
}

func newFixture(t *testing.T, maxRetries int, interval time.Duration) *fixture {
	t.Helper()
	store := newTestStore(t)
	dialer := protocol.NewLoopbackDialer()
	dialer.Manual = true
	reg := NewRegistry()
	relay := &recordingRelay{}
	mgr := NewManager(
		ManagerConfig{},
		reg,
		store,
		dialer,
		NewRetryPolicy(maxRetries, interval, reg),
		relay,
	)
	return &fixture{dialer: dialer, reg: reg, store: store, relay: relay, mgr: mgr}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateDuplicateFails(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := f.reg.Get("abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	after, _ := f.reg.Get("abc")
	if after != first {
		t.Fatal("duplicate create must not replace the live handle")
	}
	if len(f.dialer.Clients()) != 1 {
		t.Fatalf("duplicate create must not dial, clients=%d", len(f.dialer.Clients()))
	}
}

func TestCreateRejectsEmptyIdentity(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)
	if err := f.mgr.Create(context.Background(), "  ", ModeStandard, nil); !errors.Is(err, ErrIdentityEmpty) {
		t.Fatalf("expected ErrIdentityEmpty, got %v", err)
	}
}

func TestDeleteRemovesSessionAndFootprint(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	client := f.dialer.Last()
	client.EmitCredentials(json.RawMessage(`{"me":{"id":"111@s.whatsapp.net"}}`))
	if !f.store.HasFootprint("abc", ModeStandard) {
		t.Fatal("credentials event should persist a footprint")
	}

	if err := f.mgr.Delete(context.Background(), "abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.reg.Exists("abc") {
		t.Fatal("registry should not contain abc after delete")
	}
	if f.store.HasFootprint("abc", ModeStandard) {
		t.Fatal("footprint should be erased by delete")
	}
	if client.LogoutCalls() != 1 {
		t.Fatalf("logout calls = %d, want 1", client.LogoutCalls())
	}
	statuses := f.relay.Statuses()
	if len(statuses) != 1 || statuses[0] != (statusRecord{"abc", 0}) {
		t.Fatalf("unexpected device-status calls: %+v", statuses)
	}

	if err := f.mgr.Delete(context.Background(), "abc"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second delete: expected ErrSessionNotFound, got %v", err)
	}
}

func TestDeleteMissingHasNoSideEffects(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	// footprint on disk but no live session (boot-time rehydration window)
	if err := f.store.SaveCredentials("abc", ModeStandard, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.mgr.Delete(context.Background(), "abc"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if !f.store.HasFootprint("abc", ModeStandard) {
		t.Fatal("delete of a missing session must not erase the footprint")
	}
	if len(f.relay.Statuses()) != 0 {
		t.Fatal("delete of a missing session must not notify device status")
	}
}

func TestTransientFailuresRetryUntilExhausted(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 2, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	// failures 1 and 2 reconnect, failure 3 exceeds max=2
	f.dialer.Last().CloseWith(protocol.ReasonConnectionLost)
	waitFor(t, "first reconnect", func() bool { return len(f.dialer.Clients()) == 2 })

	f.dialer.Last().CloseWith(protocol.ReasonConnectionLost)
	waitFor(t, "second reconnect", func() bool { return len(f.dialer.Clients()) == 3 })

	f.dialer.Last().CloseWith(protocol.ReasonConnectionLost)
	waitFor(t, "permanent teardown", func() bool { return !f.reg.Exists("abc") })
	if len(f.dialer.Clients()) != 3 {
		t.Fatalf("no reconnect may follow exhaustion, clients=%d", len(f.dialer.Clients()))
	}
	if f.reg.Attempts("abc") != 0 {
		t.Fatal("teardown must clear the retry counter")
	}
	statuses := f.relay.Statuses()
	if len(statuses) != 1 || statuses[0].Code != 0 {
		t.Fatalf("teardown should notify device status once: %+v", statuses)
	}
}

func TestRestartRequiredRetriesImmediately(t *testing.T) {
	testlog.Start(t)
	// interval long enough that only a zero-delay retry can pass waitFor
	f := newFixture(t, 5, time.Hour)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().CloseWith(protocol.ReasonRestartRequired)
	waitFor(t, "immediate reconnect", func() bool { return len(f.dialer.Clients()) == 2 })
}

func TestLoggedOutNeverRetries(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 5, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().EmitCredentials(json.RawMessage(`{}`))

	f.dialer.Last().CloseWith(protocol.ReasonLoggedOut)
	waitFor(t, "teardown", func() bool { return !f.reg.Exists("abc") })
	if len(f.dialer.Clients()) != 1 {
		t.Fatalf("logged-out must not reconnect, clients=%d", len(f.dialer.Clients()))
	}
	if f.store.HasFootprint("abc", ModeStandard) {
		t.Fatal("logged-out teardown should erase the footprint")
	}
}

func TestOpenClearsRetryCounter(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().CloseWith(protocol.ReasonConnectionLost)
	waitFor(t, "reconnect", func() bool { return len(f.dialer.Clients()) == 2 })
	if f.reg.Attempts("abc") != 1 {
		t.Fatalf("attempts = %d, want 1", f.reg.Attempts("abc"))
	}

	f.dialer.Last().Open(&protocol.Account{ID: "111@s.whatsapp.net"})
	if f.reg.Attempts("abc") != 0 {
		t.Fatal("open must clear the retry counter")
	}
}

func TestDeleteCancelsPendingReconnect(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, 100*time.Millisecond)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().CloseWith(protocol.ReasonConnectionLost)
	if err := f.mgr.Delete(context.Background(), "abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if len(f.dialer.Clients()) != 1 {
		t.Fatalf("pending reconnect timer must become a no-op, clients=%d", len(f.dialer.Clients()))
	}
	if f.reg.Exists("abc") {
		t.Fatal("deleted session must stay deleted")
	}
}

// qrDuringDialDialer emits a pairing code before Dial returns, the way a
// vendor client can when the handshake itself requests pairing.
type qrDuringDialDialer struct {
	inner *protocol.LoopbackDialer
}

func (d *qrDuringDialDialer) Dial(ctx context.Context, opts protocol.DialOptions) (protocol.Client, error) {
	client, err := d.inner.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	d.inner.Last().EmitQR("qr-early")
	return client, nil
}

func TestCreateHandlesEventsOnlyAfterRegistration(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)
	f.mgr.dialer = &qrDuringDialDialer{inner: f.dialer}

	// no sink: the early pairing request is unrecoverable, and its teardown
	// must land after the handle was registered, not race the insert
	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.reg.Exists("abc") {
		t.Fatal("registry must not keep a handle whose pairing was declared unrecoverable")
	}
	if calls := f.dialer.Last().LogoutCalls(); calls != 1 {
		t.Fatalf("logout calls = %d, want 1", calls)
	}
	if len(f.dialer.Clients()) != 1 {
		t.Fatalf("no reconnect may follow an unrecoverable pairing, clients=%d", len(f.dialer.Clients()))
	}
}

func TestCreateDeliversDialTimePairingCodeToSink(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)
	f.mgr.dialer = &qrDuringDialDialer{inner: f.dialer}

	sink := NewPairingSink()
	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, sink); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := sink.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.QRCode != "qr-early" || res.Err != nil {
		t.Fatalf("unexpected sink result: %+v", res)
	}
	if !f.reg.Exists("abc") {
		t.Fatal("delivering the code must not terminate the session")
	}
}

func TestRecreateFailureNotifiesDeviceStatus(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 3, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().EmitCredentials(json.RawMessage(`{}`))

	f.dialer.DialErr = errors.New("handshake refused")
	f.dialer.Last().CloseWith(protocol.ReasonConnectionLost)

	waitFor(t, "device status notification", func() bool { return len(f.relay.Statuses()) == 1 })
	if got := f.relay.Statuses()[0]; got != (statusRecord{"abc", 0}) {
		t.Fatalf("unexpected device-status call: %+v", got)
	}
	if f.reg.Exists("abc") {
		t.Fatal("failed re-dial must leave no live handle")
	}
	if !f.store.HasFootprint("abc", ModeStandard) {
		t.Fatal("footprint must survive a failed re-dial for the next boot")
	}
	if f.reg.Attempts("abc") != 0 {
		t.Fatal("failed re-dial must clear the retry counter")
	}
}

func TestInboundMessageFiltering(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	client := f.dialer.Last()

	client.EmitMessage(protocol.MessageEvent{Sender: "x", ID: "m1", FromMe: true, Kind: "notify"})
	client.EmitMessage(protocol.MessageEvent{Sender: "x", ID: "m2", FromMe: false, Kind: "append"})
	if len(f.relay.Inbound()) != 0 {
		t.Fatalf("own and replayed messages must not forward: %+v", f.relay.Inbound())
	}

	body := json.RawMessage(`{"conversation":"hola"}`)
	client.EmitMessage(protocol.MessageEvent{Sender: "222@s.whatsapp.net", ID: "m3", FromMe: false, Kind: "notify", Body: body})
	inbound := f.relay.Inbound()
	if len(inbound) != 1 {
		t.Fatalf("forward count = %d, want 1", len(inbound))
	}
	got := inbound[0]
	if got.Identity != "abc" || got.Sender != "222@s.whatsapp.net" || got.MessageID != "m3" {
		t.Fatalf("unexpected forward: %+v", got)
	}
}

func TestPairingCodeDeliveredToSink(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	sink := NewPairingSink()
	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, sink); err != nil {
		t.Fatalf("create: %v", err)
	}
	client := f.dialer.Last()
	client.EmitQR("qr-code-1")

	res, err := sink.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.QRCode != "qr-code-1" || res.Err != nil {
		t.Fatalf("unexpected sink result: %+v", res)
	}
	if !f.reg.Exists("abc") {
		t.Fatal("delivering the code must not terminate the session")
	}

	// the sink is consumed; a refreshed code has nowhere to go
	client.EmitQR("qr-code-2")
	waitFor(t, "teardown after unconsumable code", func() bool { return !f.reg.Exists("abc") })
	if client.LogoutCalls() != 1 {
		t.Fatalf("logout calls = %d, want 1", client.LogoutCalls())
	}
}

func TestPairingCodeWithoutSinkTearsDown(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().CloseWith(protocol.ReasonRestartRequired)
	waitFor(t, "reconnect", func() bool { return len(f.dialer.Clients()) == 2 })

	// the reconnected session requests pairing: credentials are gone and
	// no caller is waiting for a code
	f.dialer.Last().EmitQR("qr-stale")
	waitFor(t, "teardown", func() bool { return !f.reg.Exists("abc") })
}

func TestPermanentFailureFailsPendingSink(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	sink := NewPairingSink()
	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, sink); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().CloseWith(protocol.ReasonLoggedOut)

	res, err := sink.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !errors.Is(res.Err, ErrPairingFailed) {
		t.Fatalf("unexpected sink result: %+v", res)
	}
}

func TestCredentialAutosave(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	creds := json.RawMessage(`{"me":{"id":"111@s.whatsapp.net","name":"ana"}}`)
	f.dialer.Last().EmitCredentials(creds)

	read, err := f.store.ReadCredentials("abc", ModeStandard)
	if err != nil {
		t.Fatalf("read creds: %v", err)
	}
	if string(read) != string(creds) {
		t.Fatalf("persisted creds mismatch: %s", read)
	}
}

func TestChatsSetPopulatesStore(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.dialer.Last().EmitChats([]protocol.Chat{{ID: "111@s.whatsapp.net", Name: "ana"}})

	handle, _ := f.reg.Get("abc")
	if handle.Store.Len() != 1 {
		t.Fatalf("chat store len = %d, want 1", handle.Store.Len())
	}
}

func TestWriteSnapshotsAtShutdown(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if err := f.mgr.Create(context.Background(), "std", ModeStandard, nil); err != nil {
		t.Fatalf("create standard: %v", err)
	}
	if err := f.mgr.Create(context.Background(), "old", ModeLegacy, nil); err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	handle, _ := f.reg.Get("std")
	handle.Store.UpsertChats(protocol.Chat{ID: "111@s.whatsapp.net"})

	f.mgr.WriteSnapshots()

	rehydrated := protocol.NewMemoryStore()
	if err := f.store.ReadSnapshot("std", rehydrated); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if rehydrated.Len() != 1 {
		t.Fatalf("snapshot chat count = %d, want 1", rehydrated.Len())
	}
	if err := f.store.ReadSnapshot("old", protocol.NewMemoryStore()); err != nil {
		t.Fatalf("legacy snapshot read should be a clean miss: %v", err)
	}
}

func TestStatusLifecycle(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, 1, 0)

	if _, err := f.mgr.Status("abc"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := f.mgr.Create(context.Background(), "abc", ModeStandard, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	// live handle but no credential footprint yet
	if _, err := f.mgr.Status("abc"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound before creds, got %v", err)
	}

	client := f.dialer.Last()
	client.EmitCredentials(json.RawMessage(`{"me":{"id":"111@s.whatsapp.net","name":"ana"}}`))
	status, err := f.mgr.Status("abc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "connecting" || !status.ValidSession {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !json.Valid(status.UserInfo) {
		t.Fatalf("user_info should carry the creds me field: %s", status.UserInfo)
	}

	client.Open(&protocol.Account{ID: "111@s.whatsapp.net", Name: "ana"})
	status, err = f.mgr.Status("abc")
	if err != nil {
		t.Fatalf("status after open: %v", err)
	}
	if status.Status != "authenticated" {
		t.Fatalf("status = %q, want authenticated", status.Status)
	}
}
