// Package ack implements the acknowledgement engine: the map of outstanding
// DATA frames, their retransmission timers, and the ACK/NAK bookkeeping
// that drives retransmission.
package ack

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultAckTimeout is the time a sender waits for an ACK before
	// retransmitting.
	DefaultAckTimeout = 2000 * time.Millisecond
	// DefaultMaxRetries is the number of retransmissions attempted before a
	// frame is declared failed.
	DefaultMaxRetries = 3
)

// RetransmitFunc hands a previously built frame back to the physical layer.
type RetransmitFunc func(frameBytes []byte, seq uint8, retry int)

// FailFunc is invoked once a pending frame exhausts its retries.
type FailFunc func(seq uint8, retries int)

type pendingAck struct {
	seq     uint8
	frame   []byte
	sentAt  time.Time
	retries int
	timer   *time.Timer
}

// Engine tracks outstanding DATA frames awaiting acknowledgement.
//
// Engine methods are safe for concurrent use: retransmission timers fire on
// their own goroutines and must serialize with calls the coordinator makes
// from its own goroutine.
type Engine struct {
	mu sync.Mutex

	ackTimeout time.Duration
	maxRetries int

	pending map[uint8]*pendingAck

	onRetransmit RetransmitFunc
	onFail       FailFunc

	log zerolog.Logger
}

// New constructs an Engine. ackTimeout/maxRetries <= 0 fall back to the
// package defaults.
func New(ackTimeout time.Duration, maxRetries int, onRetransmit RetransmitFunc, onFail FailFunc, log zerolog.Logger) *Engine {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{
		ackTimeout:   ackTimeout,
		maxRetries:   maxRetries,
		pending:      make(map[uint8]*pendingAck),
		onRetransmit: onRetransmit,
		onFail:       onFail,
		log:          log,
	}
}

// Register stores frameBytes under seq and arms its retransmission timer,
// replacing (and cancelling) any prior entry for the same seq.
func (e *Engine) Register(seq uint8, frameBytes []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.pending[seq]; ok {
		old.timer.Stop()
	}

	pa := &pendingAck{
		seq:    seq,
		frame:  frameBytes,
		sentAt: time.Now(),
	}
	pa.timer = time.AfterFunc(e.ackTimeout, func() { e.onTimer(seq) })
	e.pending[seq] = pa
}

// OnAck processes an ACK for seq. ok is false if no entry for seq existed
// (an ACK for a seq with no outstanding frame).
func (e *Engine) OnAck(seq uint8) (rtt time.Duration, retries int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pa, ok := e.pending[seq]
	if !ok {
		return 0, 0, false
	}
	pa.timer.Stop()
	delete(e.pending, seq)
	return time.Since(pa.sentAt), pa.retries, true
}

// OnNak retransmits immediately without waiting for the timer, counting as
// a retry. Returns false if seq was not pending.
func (e *Engine) OnNak(seq uint8) bool {
	e.mu.Lock()
	pa, ok := e.pending[seq]
	if !ok {
		e.mu.Unlock()
		return false
	}
	pa.retries++
	pa.sentAt = time.Now()
	frame, retries := pa.frame, pa.retries
	pa.timer.Stop()
	pa.timer = time.AfterFunc(e.ackTimeout, func() { e.onTimer(seq) })
	e.mu.Unlock()

	if e.onRetransmit != nil {
		e.onRetransmit(frame, seq, retries)
	}
	return true
}

func (e *Engine) onTimer(seq uint8) {
	e.mu.Lock()
	pa, ok := e.pending[seq]
	if !ok {
		e.mu.Unlock()
		return
	}

	// Checked before incrementing: maxRetries retransmissions (on top of
	// the initial transmission the coordinator already made) are allowed,
	// for maxRetries+1 total transmissions before the frame is failed.
	if pa.retries >= e.maxRetries {
		delete(e.pending, seq)
		e.mu.Unlock()
		e.log.Warn().Uint8("seq", seq).Int("retries", pa.retries).Msg("frame failed: retries exhausted")
		if e.onFail != nil {
			e.onFail(seq, pa.retries)
		}
		return
	}

	pa.retries++
	pa.sentAt = time.Now()
	pa.timer = time.AfterFunc(e.ackTimeout, func() { e.onTimer(seq) })
	frame, retries := pa.frame, pa.retries
	e.mu.Unlock()

	e.log.Debug().Uint8("seq", seq).Int("retry", retries).Msg("ack timeout: retransmitting")
	if e.onRetransmit != nil {
		e.onRetransmit(frame, seq, retries)
	}
}

// Cancel cancels and removes the pending entry for seq, if any. It is used
// by the coordinator to sweep every seq a cumulative ACK slid past.
func (e *Engine) Cancel(seq uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	pa, ok := e.pending[seq]
	if !ok {
		return false
	}
	pa.timer.Stop()
	delete(e.pending, seq)
	return true
}

// PendingCount returns the number of outstanding frames. This always equals
// the number of live retransmission timers, since every map entry owns
// exactly one timer for its lifetime.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ClearAll cancels every live timer and drops all pending state. Used on
// disconnect.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for seq, pa := range e.pending {
		pa.timer.Stop()
		delete(e.pending, seq)
	}
}
