package conn

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparques/dlink/internal/wire"
)

type sentFrame struct {
	ft      wire.FrameType
	payload []byte
}

type harness struct {
	mu     sync.Mutex
	sent   []sentFrame
	events []string
}

func (h *harness) recordEvent(e string) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *harness) send(ft wire.FrameType, payload []byte) {
	h.mu.Lock()
	h.sent = append(h.sent, sentFrame{ft, payload})
	h.mu.Unlock()
}

func TestConnectSucceedsOnConnAck(t *testing.T) {
	h := &harness{}
	m := New(Options{ConnectionTimeout: time.Second}, h.send, Hooks{
		OnConnected: func() { h.recordEvent("connected") },
	}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- m.Connect() }()

	waitForSend(t, h, wire.FrameTypeConn)
	m.OnRxControlFrame(wire.FrameTypeConnAck, 0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after CONN_ACK")
	}
	if m.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %v", m.State())
	}
	m.Reset()
}

func TestConnectTimesOut(t *testing.T) {
	h := &harness{}
	m := New(Options{ConnectionTimeout: 20 * time.Millisecond}, h.send, Hooks{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- m.Connect() }()

	select {
	case err := <-done:
		if err != ErrConnectionTimeout {
			t.Fatalf("expected ErrConnectionTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not time out")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED after timeout, got %v", m.State())
	}
}

func TestAcceptInboundConnection(t *testing.T) {
	h := &harness{}
	connected := make(chan struct{}, 1)
	var m *Manager
	m = New(Options{}, h.send, Hooks{
		OnConnectionRequest: func(seq uint8) {
			if !m.Accept(seq) {
				t.Errorf("Accept failed")
			}
		},
		OnConnected: func() { connected <- struct{}{} },
	}, zerolog.Nop())

	m.OnRxControlFrame(wire.FrameTypeConn, 0)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("never connected")
	}
	if m.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %v", m.State())
	}
	m.Reset()
}

func TestGracefulDisconnect(t *testing.T) {
	h := &harness{}
	m := New(Options{DisconnectTimeout: time.Second}, h.send, Hooks{}, zerolog.Nop())
	forceConnected(m)

	done := make(chan error, 1)
	go func() { done <- m.Disconnect() }()

	waitForSend(t, h, wire.FrameTypeDisc)
	m.OnRxControlFrame(wire.FrameTypeDiscAck, 0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Disconnect returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not complete")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %v", m.State())
	}
}

func TestDisconnectForcedAfterTimeout(t *testing.T) {
	h := &harness{}
	m := New(Options{DisconnectTimeout: 20 * time.Millisecond}, h.send, Hooks{}, zerolog.Nop())
	forceConnected(m)

	done := make(chan error, 1)
	go func() { done <- m.Disconnect() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected forced disconnect to resolve with nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect never forced")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %v", m.State())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	h := &harness{}
	m := New(Options{}, h.send, Hooks{}, zerolog.Nop())
	if err := m.Disconnect(); err != nil {
		t.Fatalf("expected nil disconnecting an already-disconnected manager, got %v", err)
	}
}

func TestHeartbeatLivenessTimeout(t *testing.T) {
	h := &harness{}
	disconnected := make(chan string, 1)
	m := New(Options{HeartbeatInterval: 20 * time.Millisecond}, h.send, Hooks{
		OnDisconnected: func(reason string) { disconnected <- reason },
	}, zerolog.Nop())
	forceConnected(m)

	select {
	case reason := <-disconnected:
		if reason != "heartbeat_timeout" {
			t.Fatalf("expected heartbeat_timeout, got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("liveness timeout never fired")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %v", m.State())
	}
}

func TestHeartbeatReceiptResetsLiveness(t *testing.T) {
	h := &harness{}
	disconnected := make(chan string, 1)
	m := New(Options{HeartbeatInterval: 40 * time.Millisecond}, h.send, Hooks{
		OnDisconnected: func(reason string) { disconnected <- reason },
	}, zerolog.Nop())
	forceConnected(m)

	stop := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(15 * time.Millisecond):
			m.OnRxControlFrame(wire.FrameTypeHeartbeat, 0)
		}
	}

	select {
	case reason := <-disconnected:
		t.Fatalf("expected no disconnect while heartbeats keep arriving, got %q", reason)
	default:
	}
	if m.State() != StateConnected {
		t.Fatalf("expected still CONNECTED, got %v", m.State())
	}
	m.Reset()
}

// forceConnected pokes a Manager directly into StateConnected without
// running the full handshake, for tests that only care about post-handshake
// behavior.
func forceConnected(m *Manager) {
	m.mu.Lock()
	m.state = StateConnected
	m.lastHBRecv = time.Now()
	m.mu.Unlock()
	m.startHeartbeat()
}

func waitForSend(t *testing.T, h *harness, want wire.FrameType) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		for _, f := range h.sent {
			if f.ft == want {
				h.mu.Unlock()
				return
			}
		}
		h.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frame type %v to be sent", want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
