package ack

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, ackTimeout time.Duration, maxRetries int) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := New(ackTimeout, maxRetries, rec.retransmit, rec.fail, zerolog.Nop())
	return e, rec
}

type recorder struct {
	mu          sync.Mutex
	retransmits []uint8
	fails       []uint8
	failRetries int
}

func (r *recorder) retransmit(frame []byte, seq uint8, retry int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retransmits = append(r.retransmits, seq)
}

func (r *recorder) fail(seq uint8, retries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = append(r.fails, seq)
	r.failRetries = retries
}

func (r *recorder) count() (retransmits, fails int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retransmits), len(r.fails)
}

func TestRegisterThenAck(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour, 3)
	e.Register(0, []byte("frame-0"))
	if e.PendingCount() != 1 {
		t.Fatalf("expected 1 pending entry")
	}
	_, retries, ok := e.OnAck(0)
	if !ok {
		t.Fatalf("expected OnAck to find the pending entry")
	}
	if retries != 0 {
		t.Fatalf("expected 0 retries, got %d", retries)
	}
	if e.PendingCount() != 0 {
		t.Fatalf("expected 0 pending entries after ack")
	}
}

func TestOnAckUnexpected(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour, 3)
	_, _, ok := e.OnAck(5)
	if ok {
		t.Fatalf("expected OnAck on unknown seq to report not-found")
	}
}

func TestOnNakRetransmitsImmediately(t *testing.T) {
	e, rec := newTestEngine(t, time.Hour, 3)
	e.Register(2, []byte("frame-2"))

	if !e.OnNak(2) {
		t.Fatalf("expected OnNak to find the pending entry")
	}
	retransmits, _ := rec.count()
	if retransmits != 1 {
		t.Fatalf("expected 1 retransmit after NAK, got %d", retransmits)
	}

	_, retries, ok := e.OnAck(2)
	if !ok {
		t.Fatalf("expected entry to still be pending")
	}
	if retries != 1 {
		t.Fatalf("expected NAK to count as a retry, got %d", retries)
	}
}

func TestRetryExhaustion(t *testing.T) {
	e, rec := newTestEngine(t, 10*time.Millisecond, 3)
	e.Register(0, []byte("lost forever"))

	deadline := time.After(2 * time.Second)
	for {
		_, fails := rec.count()
		if fails == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("frame never failed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	retransmits, fails := rec.count()
	if fails != 1 {
		t.Fatalf("expected exactly 1 fail event, got %d", fails)
	}
	if retransmits != 3 {
		t.Fatalf("expected exactly 3 retransmits (MAX_RETRIES) before failing, got %d", retransmits)
	}
	if rec.failRetries != 3 {
		t.Fatalf("expected FrameFailed.retries == 3, got %d", rec.failRetries)
	}
	if e.PendingCount() != 0 {
		t.Fatalf("expected no pending entries after exhaustion")
	}
}

func TestCancelSweepsPendingEntry(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour, 3)
	e.Register(1, []byte("frame-1"))
	if !e.Cancel(1) {
		t.Fatalf("expected Cancel to find the entry")
	}
	if e.Cancel(1) {
		t.Fatalf("expected second Cancel to report not-found")
	}
	if e.PendingCount() != 0 {
		t.Fatalf("expected 0 pending after cancel")
	}
}

func TestClearAll(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour, 3)
	for seq := uint8(0); seq < 4; seq++ {
		e.Register(seq, []byte{seq})
	}
	e.ClearAll()
	if e.PendingCount() != 0 {
		t.Fatalf("expected 0 pending after ClearAll")
	}
}
