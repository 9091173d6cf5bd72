package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/Tyrowin/relay/internal/dispatch"
	"github.com/Tyrowin/relay/internal/protocol"
	"github.com/Tyrowin/relay/internal/registry"
	"github.com/Tyrowin/relay/internal/router"
	"github.com/Tyrowin/relay/internal/testhelpers"
)

const waitTimeout = 2 * time.Second

type harness struct {
	t   *testing.T
	reg *registry.Registry
	d   *dispatch.Dispatcher
}

func newHarness(t *testing.T, capacity int, opts ...dispatch.Option) *harness {
	t.Helper()
	reg := registry.New(capacity)
	return &harness{t: t, reg: reg, d: dispatch.New(reg, router.New(reg, nil), opts...)}
}

// start runs Serve for a fresh peer and returns the peer plus a channel
// closed when Serve returns.
func (h *harness) start() (*testhelpers.ScriptedPeer, <-chan struct{}) {
	peer := testhelpers.NewScriptedPeer(fmt.Sprintf("peer-%p", h))
	done := make(chan struct{})
	go func() {
		h.d.Serve(context.Background(), peer)
		close(done)
	}()
	return peer, done
}

// register starts a peer and registers name, failing unless the reply is OK.
func (h *harness) register(name string) (*testhelpers.ScriptedPeer, <-chan struct{}) {
	h.t.Helper()
	peer, done := h.start()
	peer.PushJSON(map[string]string{"kind": "register", "name": name})
	msgs := peer.WaitForMessages(1, waitTimeout)
	if len(msgs) != 1 {
		h.t.Fatalf("no register reply for %s", name)
	}
	testhelpers.AssertOK(h.t, msgs[0])
	return peer, done
}

// expectReply waits for the n-th message on peer and returns it.
func expectReply(t *testing.T, peer *testhelpers.ScriptedPeer, n int) map[string]any {
	t.Helper()
	msgs := peer.WaitForMessages(n, waitTimeout)
	if len(msgs) < n {
		t.Fatalf("expected %d messages, got %d: %v", n, len(msgs), msgs)
	}
	return msgs[n-1]
}

func expectTerminated(t *testing.T, peer *testhelpers.ScriptedPeer, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}
	if !peer.Closed() {
		t.Error("peer was not closed")
	}
}

func expectRunning(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
		t.Fatal("Serve returned, connection should stay open")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestRegisterThenDuplicate tests a name collision across two connections.
func TestRegisterThenDuplicate(t *testing.T) {
	h := newHarness(t, 10)
	h.register("alice")

	second, done := h.start()
	second.PushJSON(map[string]string{"kind": "register", "name": "alice"})
	testhelpers.AssertError(t, expectReply(t, second, 1), "duplicate-name")
	expectTerminated(t, second, done)

	if h.reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.reg.Len())
	}
}

// TestRegisterFull tests registration into a full registry.
func TestRegisterFull(t *testing.T) {
	h := newHarness(t, 10)
	for i := 0; i < 10; i++ {
		h.register(fmt.Sprintf("user%d", i))
	}

	late, done := h.start()
	late.PushJSON(map[string]string{"kind": "register", "name": "late"})
	testhelpers.AssertError(t, expectReply(t, late, 1), "full")
	expectTerminated(t, late, done)
}

// TestUnregisteredGetsOneChance verifies every pre-registration violation
// terminates the connection with the matching reason.
func TestUnregisteredGetsOneChance(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		reason string
	}{
		{"other kind", `{"kind":"list"}`, "not-registered"},
		{"missing name", `{"kind":"register"}`, "invalid-register"},
		{"empty name", `{"kind":"register","name":""}`, "invalid-register"},
		{"missing kind", `{"name":"alice"}`, "missing-kind"},
		{"unparseable", `not json`, "parse-error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10)
			peer, done := h.start()
			peer.Push(tt.frame)
			testhelpers.AssertError(t, expectReply(t, peer, 1), tt.reason)
			expectTerminated(t, peer, done)
			if h.reg.Len() != 0 {
				t.Errorf("Len() = %d, want 0", h.reg.Len())
			}
		})
	}
}

// TestActionAliasRegisters verifies the action discriminator is accepted.
func TestActionAliasRegisters(t *testing.T) {
	h := newHarness(t, 10)
	peer, done := h.start()
	peer.Push(`{"action":"register","name":"alice"}`)
	testhelpers.AssertOK(t, expectReply(t, peer, 1))
	expectRunning(t, done)
}

// TestBroadcastAndDirectMessage tests fan-out and targeted delivery.
func TestBroadcastAndDirectMessage(t *testing.T) {
	h := newHarness(t, 10)
	alice, _ := h.register("alice")
	bob, _ := h.register("bob")

	alice.PushJSON(map[string]string{"kind": "broadcast", "senderName": "alice", "text": "hi"})
	for name, peer := range map[string]*testhelpers.ScriptedPeer{"alice": alice, "bob": bob} {
		msg := expectReply(t, peer, 2)
		if msg["kind"] != "broadcast" || msg["sender"] != "alice" || msg["text"] != "hi" {
			t.Errorf("%s got %v", name, msg)
		}
	}

	alice.PushJSON(map[string]string{"kind": "directMessage", "senderName": "alice", "recipientName": "bob", "text": "psst"})
	testhelpers.AssertOK(t, expectReply(t, alice, 3))
	dm := expectReply(t, bob, 3)
	if dm["kind"] != "directMessage" || dm["recipient"] != "bob" || dm["text"] != "psst" {
		t.Errorf("bob got %v", dm)
	}

	alice.PushJSON(map[string]string{"kind": "directMessage", "senderName": "alice", "recipientName": "carol", "text": "?"})
	testhelpers.AssertError(t, expectReply(t, alice, 4), "recipient-not-found")
}

// TestBroadcastUsesRegisteredName verifies deliveries carry the session's
// own name rather than the claimed sender.
func TestBroadcastUsesRegisteredName(t *testing.T) {
	h := newHarness(t, 10)
	alice, _ := h.register("alice")

	alice.PushJSON(map[string]string{"kind": "broadcast", "senderName": "mallory", "text": "hi"})
	if msg := expectReply(t, alice, 2); msg["sender"] != "alice" {
		t.Errorf("sender = %v, want alice", msg["sender"])
	}
}

func TestListAndPresence(t *testing.T) {
	h := newHarness(t, 10)
	alice, _ := h.register("alice")
	h.register("bob")

	alice.PushJSON(map[string]string{"kind": "list"})
	list := expectReply(t, alice, 2)
	names, ok := list["names"].([]any)
	if list["kind"] != "list" || !ok || len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Errorf("list reply = %v", list)
	}

	alice.PushJSON(map[string]string{"kind": "presenceQuery", "name": "bob"})
	presence := expectReply(t, alice, 3)
	if presence["kind"] != "presence" || presence["name"] != "bob" || presence["status"] != "ACTIVE" {
		t.Errorf("presence reply = %v", presence)
	}

	alice.PushJSON(map[string]string{"kind": "presenceQuery", "name": "zed"})
	testhelpers.AssertError(t, expectReply(t, alice, 4), "not-found")
}

// TestStatusChange tests a status change and every failure reason.
func TestStatusChange(t *testing.T) {
	h := newHarness(t, 10)
	alice, done := h.register("alice")

	steps := []struct {
		name      string
		target    string
		newStatus string
		reason    string
	}{
		{"set busy", "alice", "BUSY", ""},
		{"same status other casing", "alice", "busy", "already-set"},
		{"invalid value", "alice", "away", "invalid-status"},
		{"unknown user", "zed", "IDLE", "not-found"},
		{"back to active", "alice", "Active", ""},
	}

	for i, step := range steps {
		alice.PushJSON(map[string]string{"kind": "statusChange", "name": step.target, "newStatus": step.newStatus})
		reply := expectReply(t, alice, i+2)
		if step.reason == "" {
			testhelpers.AssertOK(t, reply)
		} else {
			testhelpers.AssertError(t, reply, step.reason)
		}
	}
	expectRunning(t, done)
}

// TestMalformedKeepsConnection verifies kind-specific format errors do not
// terminate an active session.
func TestMalformedKeepsConnection(t *testing.T) {
	tests := []struct {
		frame  string
		reason string
	}{
		{`{"kind":"broadcast","text":"hi"}`, "invalid-broadcast"},
		{`{"kind":"directMessage","senderName":"alice","text":"x"}`, "invalid-direct-message"},
		{`{"kind":"presenceQuery"}`, "invalid-presence-query"},
		{`{"kind":"statusChange","name":"alice"}`, "invalid-status-change"},
		{`{"kind":"dance"}`, "unknown-kind"},
		{`{"kind":"register","name":"alice2"}`, "already-registered"},
	}

	h := newHarness(t, 10)
	alice, done := h.register("alice")
	for i, tt := range tests {
		alice.Push(tt.frame)
		testhelpers.AssertError(t, expectReply(t, alice, i+2), tt.reason)
	}
	expectRunning(t, done)

	if _, err := h.reg.FindByName("alice"); err != nil {
		t.Errorf("alice should still be registered: %v", err)
	}
}

// TestActiveProtocolViolationsTerminate verifies missing kind and
// unparseable input end an active session.
func TestActiveProtocolViolationsTerminate(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		reason string
	}{
		{"missing kind", `{"text":"hi"}`, "missing-kind"},
		{"unparseable", `{{{`, "parse-error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10)
			alice, done := h.register("alice")
			alice.Push(tt.frame)
			testhelpers.AssertError(t, expectReply(t, alice, 2), tt.reason)
			expectTerminated(t, alice, done)
			if h.reg.Len() != 0 {
				t.Error("session should be deregistered")
			}
		})
	}
}

// TestTransportUnparseableError verifies a framing error reported by the
// transport is answered and terminates.
func TestTransportUnparseableError(t *testing.T) {
	h := newHarness(t, 10)
	alice, done := h.register("alice")

	alice.PushError(fmt.Errorf("%w: bad stream", protocol.ErrUnparseable))
	testhelpers.AssertError(t, expectReply(t, alice, 2), "parse-error")
	expectTerminated(t, alice, done)
}

// TestExit verifies exit acknowledges, deregisters and closes.
func TestExit(t *testing.T) {
	h := newHarness(t, 10)
	alice, done := h.register("alice")

	alice.PushJSON(map[string]string{"kind": "exit"})
	testhelpers.AssertOK(t, expectReply(t, alice, 2))
	expectTerminated(t, alice, done)

	if _, err := h.reg.FindByName("alice"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("alice still registered after exit: %v", err)
	}
	h.register("alice")
}

// TestReadFailureDeregistersSilently verifies transport loss sends nothing.
func TestReadFailureDeregistersSilently(t *testing.T) {
	h := newHarness(t, 10)
	alice, done := h.register("alice")

	alice.PushError(io.ErrUnexpectedEOF)
	expectTerminated(t, alice, done)

	if len(alice.Messages()) != 1 {
		t.Errorf("expected only the register reply, got %v", alice.Messages())
	}
	if h.reg.Len() != 0 {
		t.Error("session should be deregistered after read failure")
	}
}

// TestActivityUpdatesOnInvalidInput verifies malformed frames still count
// as activity.
func TestActivityUpdatesOnInvalidInput(t *testing.T) {
	h := newHarness(t, 10)
	alice, _ := h.register("alice")

	id, _ := h.reg.FindByName("alice")
	before, _ := h.reg.Lookup(id)
	time.Sleep(5 * time.Millisecond)

	alice.Push(`{"kind":"broadcast"}`)
	expectReply(t, alice, 2)

	after, _ := h.reg.Lookup(id)
	if !after.LastActivity.After(before.LastActivity) {
		t.Errorf("LastActivity not advanced: %v -> %v", before.LastActivity, after.LastActivity)
	}
}

// TestFrameAfterEvictionIsDropped verifies a frame read after the session
// was evicted is not routed and ends the connection.
func TestFrameAfterEvictionIsDropped(t *testing.T) {
	h := newHarness(t, 10)
	alice, done := h.register("alice")
	bob, _ := h.register("bob")

	id, err := h.reg.FindByName("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !h.reg.Deregister(id) {
		t.Fatal("Deregister() = false")
	}

	alice.PushJSON(map[string]string{"kind": "broadcast", "senderName": "alice", "text": "ghost"})
	expectTerminated(t, alice, done)

	if msgs := alice.Messages(); len(msgs) != 1 {
		t.Errorf("alice: expected only the register reply, got %v", msgs)
	}
	if msgs := bob.WaitForMessages(2, 50*time.Millisecond); len(msgs) != 1 {
		t.Errorf("bob: expected only the register reply, got %v", msgs)
	}
}

// TestRateLimit verifies frames over the burst are rejected but the
// connection stays up.
func TestRateLimit(t *testing.T) {
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, 10,
		dispatch.WithRateLimit(dispatch.RateLimit{Burst: 2, RefillInterval: time.Hour}),
		dispatch.WithClock(func() time.Time { return frozen }),
	)
	alice, done := h.register("alice")

	alice.PushJSON(map[string]string{"kind": "list"})
	if msg := expectReply(t, alice, 2); msg["kind"] != "list" {
		t.Fatalf("expected list reply, got %v", msg)
	}
	alice.PushJSON(map[string]string{"kind": "list"})
	testhelpers.AssertError(t, expectReply(t, alice, 3), "rate-limited")
	expectRunning(t, done)
}

// TestContextCancelClosesPeer verifies cancellation unblocks the read loop
// and cleans up the session.
func TestContextCancelClosesPeer(t *testing.T) {
	reg := registry.New(10)
	d := dispatch.New(reg, router.New(reg, nil))
	peer := testhelpers.NewScriptedPeer("ctx")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Serve(ctx, peer)
		close(done)
	}()

	peer.PushJSON(map[string]string{"kind": "register", "name": "alice"})
	testhelpers.AssertOK(t, expectReply(t, peer, 1))

	cancel()
	expectTerminated(t, peer, done)
	if reg.Len() != 0 {
		t.Error("session should be deregistered after cancellation")
	}
}
