// Package dlink implements a point-to-point data link layer: byte
// stuffing and CRC-16-CCITT framing, ACK/NAK sliding-window reliable
// delivery, and a connection lifecycle with heartbeat liveness, on top of
// an opaque byte-oriented physical channel.
package dlink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sparques/dlink/internal/ack"
	"github.com/sparques/dlink/internal/config"
	"github.com/sparques/dlink/internal/conn"
	"github.com/sparques/dlink/internal/window"
	"github.com/sparques/dlink/internal/wire"
)

const engineQueueDepth = 256

// Hooks are the upcalls the network layer receives from a Core, mirroring
// the external API boundary: on_data, on_connected, on_disconnected,
// on_error, plus the connection_request notification that precedes Accept.
type Hooks struct {
	OnData              func(payload []byte, seq uint8)
	OnConnected         func()
	OnDisconnected      func(reason string)
	OnConnectionRequest func(remoteSeq uint8)
	OnError             func(kind ErrorKind, detail string)
}

type pendingSend struct {
	payload []byte
	done    chan error
}

// coreEvent is the closed input-event enum the engine goroutine consumes.
// Frames arrive via rxFrameEvent, network-layer sends via
// sendRequestEvent, ack-engine timer firings via retransmitEvent/
// failEvent, and the post-disconnect cleanup via resetEvent. Posting an
// event from any goroutine (rx callback, timer, conn.Manager hook) and
// having only the engine goroutine act on it is what keeps frame
// transmission, Event emission, and send-queue draining serialized.
type coreEvent interface {
	apply(c *Core)
}

type rxFrameEvent struct{ raw []byte }

func (e rxFrameEvent) apply(c *Core) { c.handleRxFrame(e.raw) }

type sendRequestEvent struct {
	payload []byte
	done    chan error
}

func (e sendRequestEvent) apply(c *Core) { c.handleSendRequest(e.payload, e.done) }

type retransmitEvent struct {
	frame []byte
	seq   uint8
	retry int
}

func (e retransmitEvent) apply(c *Core) { c.handleRetransmit(e.frame, e.seq, e.retry) }

type failEvent struct {
	seq     uint8
	retries int
}

func (e failEvent) apply(c *Core) { c.handleFail(e.seq, e.retries) }

type resetEvent struct{}

func (e resetEvent) apply(c *Core) { c.handleReset() }

// Core is the Data Link Core: the coordinator holding one instance each of
// the ACK engine, window manager, and connection manager, running a single
// engine goroutine that serializes received-frame dispatch, DATA/ACK
// transmission, retransmission, and send-queue draining. Connection-control
// and heartbeat frames, and the Connected/Disconnected events, come from
// the connection manager's own goroutines; txMu keeps every physical-layer
// write whole.
type Core struct {
	opts config.Options

	ackEngine *ack.Engine
	sender    *window.Sender
	receiver  *window.Receiver
	connMgr   *conn.Manager

	txMu sync.Mutex
	tx   func([]byte)

	events chan coreEvent
	closed chan struct{}
	once   sync.Once

	sendQueue []pendingSend // touched only inside the engine goroutine

	hooks Hooks
	subs  subscriptions

	Metrics Metrics

	log zerolog.Logger
}

// New constructs a Core in the DISCONNECTED state and starts its engine
// goroutine. Callers must call SetTx before Connect/Accept/Send.
func New(opts config.Options, hooks Hooks, log zerolog.Logger) *Core {
	c := &Core{
		opts:   opts,
		events: make(chan coreEvent, engineQueueDepth),
		closed: make(chan struct{}),
		hooks:  hooks,
		log:    log,
	}

	c.ackEngine = ack.New(opts.AckTimeout, opts.MaxRetries, c.onAckRetransmit, c.onAckFail, log)
	c.sender = window.NewSender(opts.WindowSize)
	c.receiver = window.NewReceiver(opts.WindowSize)
	c.connMgr = conn.New(conn.Options{
		ConnectionTimeout: opts.ConnectionTimeout,
		DisconnectTimeout: opts.DisconnectTimeout,
		HeartbeatInterval: opts.HeartbeatInterval,
	}, c.sendControlFrame, conn.Hooks{
		OnConnected:         c.onConnected,
		OnDisconnected:      c.onDisconnected,
		OnConnectionRequest: c.onConnectionRequest,
	}, log)

	go c.run()
	return c
}

func (c *Core) run() {
	for {
		select {
		case ev := <-c.events:
			ev.apply(c)
		case <-c.closed:
			return
		}
	}
}

func (c *Core) post(ev coreEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// SetTx installs the physical-layer transmit hook. Safe to call at any
// time; takes effect on the next frame written.
func (c *Core) SetTx(fn func([]byte)) {
	c.txMu.Lock()
	c.tx = fn
	c.txMu.Unlock()
}

// Rx is the physical layer's upcall for one received (still-stuffed,
// flag-delimited) frame. It never blocks the caller beyond enqueueing.
func (c *Core) Rx(data []byte) {
	cp := append([]byte(nil), data...)
	c.post(rxFrameEvent{raw: cp})
}

func (c *Core) hasTx() bool {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.tx != nil
}

// Connect initiates the three-way handshake; see conn.Manager.Connect.
func (c *Core) Connect() error {
	if !c.hasTx() {
		return ErrNoTx
	}
	return c.connMgr.Connect()
}

// Accept accepts an inbound connection request previously reported via
// Hooks.OnConnectionRequest.
func (c *Core) Accept(remoteSeq uint8) bool {
	return c.connMgr.Accept(remoteSeq)
}

// Disconnect initiates graceful teardown; see conn.Manager.Disconnect.
func (c *Core) Disconnect() error {
	return c.connMgr.Disconnect()
}

// Send enqueues payload for transmission. The returned error reflects
// whether the bytes were placed into a frame and dispatched, not whether
// they were ever acknowledged; retry exhaustion surfaces later as an
// EventTransmissionFailed / Hooks.OnError(ErrKindFrameFailed, ...) call.
func (c *Core) Send(payload []byte) error {
	if len(payload) > c.opts.MaxData {
		return wire.ErrPayloadTooLarge
	}
	if !c.hasTx() {
		return ErrNoTx
	}
	if c.connMgr.State() != conn.StateConnected {
		return ErrNotConnected
	}

	done := make(chan error, 1)
	c.post(sendRequestEvent{payload: payload, done: done})

	select {
	case err := <-done:
		return err
	case <-c.closed:
		return ErrClosed
	}
}

// Subscribe returns a channel receiving every Event the Core emits. The
// channel has a bounded backlog; a subscriber that falls behind silently
// misses events rather than stalling the engine. Call Unsubscribe to stop
// receiving and release the channel.
func (c *Core) Subscribe() <-chan Event {
	return c.subs.add()
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (c *Core) Unsubscribe(ch <-chan Event) {
	c.subs.remove(ch)
}

// Close stops the engine goroutine and the connection manager's timers.
// It does not send DISC; call Disconnect first for a graceful teardown.
func (c *Core) Close() {
	c.once.Do(func() {
		c.connMgr.Reset()
		close(c.closed)
	})
}

func (c *Core) emitEvent(e Event) { c.subs.emit(e) }

func (c *Core) writeFrame(frameBytes []byte) {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.tx != nil {
		c.tx(frameBytes)
	}
}

// sendControlFrame is conn.Manager's SendFrameFunc: it builds and writes a
// connection-control or heartbeat frame directly, outside the engine
// queue, since control frames carry no DATA sequence number and do not
// participate in window/ack bookkeeping.
func (c *Core) sendControlFrame(ft wire.FrameType, payload []byte) {
	frameBytes, err := wire.Build(wire.Frame{Type: ft, Seq: 0, Payload: payload})
	if err != nil {
		c.log.Error().Err(err).Str("frame_type", ft.String()).Msg("failed to build control frame")
		return
	}
	c.writeFrame(frameBytes)
}

func (c *Core) onConnected() {
	c.emitEvent(Event{Kind: EventConnected})
	if c.hooks.OnConnected != nil {
		c.hooks.OnConnected()
	}
}

func (c *Core) onDisconnected(reason string) {
	if reason == "heartbeat_timeout" {
		c.Metrics.HeartbeatTimeouts.Add(1)
	}
	if reason == "connect_timeout" {
		c.Metrics.ConnectionTimeouts.Add(1)
	}
	c.emitEvent(Event{Kind: EventDisconnected, Reason: reason})
	if c.hooks.OnDisconnected != nil {
		c.hooks.OnDisconnected(reason)
	}
	c.post(resetEvent{})
}

func (c *Core) onConnectionRequest(remoteSeq uint8) {
	if c.hooks.OnConnectionRequest != nil {
		c.hooks.OnConnectionRequest(remoteSeq)
	}
}

func (c *Core) onAckRetransmit(frameBytes []byte, seq uint8, retry int) {
	c.Metrics.Retransmissions.Add(1)
	c.post(retransmitEvent{frame: frameBytes, seq: seq, retry: retry})
}

func (c *Core) onAckFail(seq uint8, retries int) {
	c.Metrics.FramesFailed.Add(1)
	c.post(failEvent{seq: seq, retries: retries})
}

// ---- engine-goroutine-only handlers ----

func (c *Core) handleRxFrame(raw []byte) {
	f, err := wire.Parse(raw)
	if err != nil {
		c.handleParseError(err)
		return
	}

	switch f.Type {
	case wire.FrameTypeConn, wire.FrameTypeConnAck, wire.FrameTypeDisc, wire.FrameTypeDiscAck, wire.FrameTypeHeartbeat:
		c.connMgr.OnRxControlFrame(f.Type, f.Seq)
	case wire.FrameTypeData:
		c.handleRxData(f.Seq, f.Payload)
	case wire.FrameTypeAck:
		c.handleRxAck(f.Seq)
	case wire.FrameTypeNak:
		c.handleRxNak(f.Seq)
	}
}

func (c *Core) handleParseError(err error) {
	c.Metrics.FramesDropped.Add(1)

	var fe *wire.FrameError
	kind := ErrKindFrameTooShort
	wireKind := wire.ErrKindTooShort
	if errors.As(err, &fe) {
		wireKind = fe.Kind
		switch fe.Kind {
		case wire.ErrKindTooShort, wire.ErrKindPayloadTooShort:
			kind = ErrKindFrameTooShort
		case wire.ErrKindMissingFlags:
			kind = ErrKindMissingFlags
		case wire.ErrKindStuffingError:
			kind = ErrKindStuffingError
		case wire.ErrKindCrcMismatch:
			kind = ErrKindCrcMismatch
			c.Metrics.CRCErrors.Add(1)
		case wire.ErrKindUnknownType:
			kind = ErrKindUnknownType
		}
	}

	c.emitEvent(Event{Kind: EventFrameError, ErrKind: wireKind})
	if c.hooks.OnError != nil {
		c.hooks.OnError(kind, err.Error())
	}
}

func (c *Core) handleRxData(seq uint8, payload []byte) {
	if c.connMgr.State() != conn.StateConnected {
		return
	}

	outcome, deliveries := c.receiver.OnFrame(seq, payload)
	switch outcome {
	case window.FrameDelivered:
		for _, d := range deliveries {
			c.emitEvent(Event{Kind: EventDataReceived, Seq: d.Seq, Bytes: d.Payload})
			if c.hooks.OnData != nil {
				c.hooks.OnData(d.Payload, d.Seq)
			}
		}
		highest := deliveries[len(deliveries)-1].Seq
		c.sendAck(highest)
	case window.FrameBuffered:
		c.emitEvent(Event{Kind: EventFrameBuffered, Seq: seq, Expected: c.receiver.ExpectedSeq()})
	case window.FrameDuplicate:
		c.sendAck(seq)
	case window.FrameOutOfWindow:
		c.Metrics.FramesDropped.Add(1)
	}
}

func (c *Core) sendAck(seq uint8) {
	frameBytes, err := wire.Build(wire.Frame{Type: wire.FrameTypeAck, Seq: seq})
	if err != nil {
		return
	}
	c.writeFrame(frameBytes)
	c.emitEvent(Event{Kind: EventAckSent, Seq: seq})
}

func (c *Core) handleRxAck(seq uint8) {
	rtt, retries, ok := c.ackEngine.OnAck(seq)
	if !ok {
		return // AckUnexpected: state unchanged
	}
	c.emitEvent(Event{Kind: EventAckReceived, Seq: seq, RTT: int64(rtt), Retries: retries})

	outcome, oldBase, newBase := c.sender.OnAck(seq)
	if outcome != window.AckSlid {
		return
	}
	for s := oldBase; s != newBase; s = (s + 1) % window.SeqSpace {
		c.ackEngine.Cancel(s)
	}
	c.emitEvent(Event{Kind: EventWindowAdvanced, OldBase: oldBase, NewBase: newBase})
	c.drainSendQueue()
}

func (c *Core) handleRxNak(seq uint8) {
	if c.ackEngine.OnNak(seq) {
		c.emitEvent(Event{Kind: EventNakReceived, Seq: seq})
	}
}

func (c *Core) handleSendRequest(payload []byte, done chan error) {
	if c.connMgr.State() != conn.StateConnected {
		done <- ErrNotConnected
		return
	}
	c.sendQueue = append(c.sendQueue, pendingSend{payload: payload, done: done})
	c.drainSendQueue()
}

func (c *Core) drainSendQueue() {
	for len(c.sendQueue) > 0 {
		if !c.sender.CanSend() {
			c.emitEvent(Event{Kind: EventWindowFull})
			return
		}

		item := c.sendQueue[0]
		seq, ok := c.sender.AcquireSeq()
		if !ok {
			c.emitEvent(Event{Kind: EventWindowFull})
			return
		}
		c.sendQueue = c.sendQueue[1:]

		frameBytes, err := wire.Build(wire.Frame{Type: wire.FrameTypeData, Seq: seq, Payload: item.payload})
		if err != nil {
			item.done <- err
			continue
		}

		c.ackEngine.Register(seq, frameBytes)
		c.writeFrame(frameBytes)
		c.emitEvent(Event{Kind: EventDataFrameSent, Seq: seq, Size: len(item.payload)})
		item.done <- nil
	}
}

func (c *Core) handleRetransmit(frame []byte, seq uint8, retry int) {
	c.writeFrame(frame)
	c.emitEvent(Event{Kind: EventDataFrameSent, Seq: seq, Size: len(frame), Retries: retry})
}

func (c *Core) handleFail(seq uint8, retries int) {
	c.emitEvent(Event{Kind: EventTransmissionFailed, Seq: seq, Retries: retries})
	if c.hooks.OnError != nil {
		err := fmt.Errorf("frame seq %d failed after %d retries: %w", seq, retries, ErrFrameFailed)
		c.hooks.OnError(ErrKindFrameFailed, err.Error())
	}
}

// handleReset implements the four-step reset-on-disconnect sequence: clear
// pending ACKs, empty the send queue (rejecting queued items), reset
// window state, and (already done by conn.Manager) stop the heartbeat.
func (c *Core) handleReset() {
	c.ackEngine.ClearAll()
	for _, item := range c.sendQueue {
		item.done <- ErrNotConnected
	}
	c.sendQueue = nil
	c.sender.Reset()
	c.receiver.Reset()
}
