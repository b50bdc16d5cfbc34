// Package conn implements the connection lifecycle state machine: the
// DISCONNECTED/CONNECTING/CONNECTED/DISCONNECTING states, the three-way
// handshake, and heartbeat liveness.
package conn

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparques/dlink/internal/wire"
)

// State is one of the four connection lifecycle states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Default timing values.
const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultHeartbeatInterval = 5000 * time.Millisecond
	discDropDelay            = 100 * time.Millisecond
	// heartbeatReplyGuard debounces the receive-triggered heartbeat reply so
	// two peers that both reply-on-receipt don't ping-pong forever: a reply
	// is sent only if our own last heartbeat send is older than this guard.
	heartbeatReplyGuard = 250 * time.Millisecond
)

var (
	ErrAlreadyConnected     = errors.New("conn: already connected or connecting")
	ErrConnectionTimeout    = errors.New("conn: CONN unanswered within connection timeout")
	ErrNotConnected         = errors.New("conn: not connected")
	ErrAlreadyDisconnecting = errors.New("conn: disconnect already in progress")
)

// SendFrameFunc hands a connection-control frame to the coordinator for
// encoding and transmission.
type SendFrameFunc func(ft wire.FrameType, payload []byte)

// Hooks are the upcalls the coordinator receives from the state machine.
type Hooks struct {
	OnConnected         func()
	OnDisconnected      func(reason string)
	OnConnectionRequest func(remoteSeq uint8)
}

// Options configures timing; zero values fall back to the built-in defaults.
type Options struct {
	ConnectionTimeout time.Duration
	DisconnectTimeout time.Duration
	HeartbeatInterval time.Duration
}

// Manager drives the connection lifecycle for one peer.
type Manager struct {
	mu sync.Mutex

	state      State
	localSeq   uint8
	remoteSeq  uint8
	lastHBSent time.Time
	lastHBRecv time.Time

	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	heartbeatInterval time.Duration

	connectTimer    *time.Timer
	disconnectTimer *time.Timer
	discDropTimer   *time.Timer
	heartbeatTicker *time.Ticker
	livenessTicker  *time.Ticker
	stopHeartbeat   chan struct{}

	pendingConnect    chan error
	pendingDisconnect chan error

	pendingRemoteSeq uint8
	hasConnRequest   bool

	sendFrame SendFrameFunc
	hooks     Hooks
	log       zerolog.Logger
}

// New constructs a Manager in StateDisconnected.
func New(opts Options, sendFrame SendFrameFunc, hooks Hooks, log zerolog.Logger) *Manager {
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Manager{
		state:             StateDisconnected,
		connectTimeout:    opts.ConnectionTimeout,
		disconnectTimeout: opts.DisconnectTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		sendFrame:         sendFrame,
		hooks:             hooks,
		log:               log,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect initiates the three-way handshake and blocks until CONNECTED or
// the connection timeout fires.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = StateConnecting
	done := make(chan error, 1)
	m.pendingConnect = done
	m.mu.Unlock()

	m.log.Debug().Msg("connect: DISCONNECTED -> CONNECTING")
	m.sendFrame(wire.FrameTypeConn, []byte("CONNECT_REQUEST"))

	m.mu.Lock()
	m.connectTimer = time.AfterFunc(m.connectTimeout, m.onConnectTimeout)
	m.mu.Unlock()

	return <-done
}

func (m *Manager) onConnectTimeout() {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	done := m.pendingConnect
	m.pendingConnect = nil
	m.mu.Unlock()

	m.log.Warn().Msg("connect: timed out, CONNECTING -> DISCONNECTED")
	if done != nil {
		done <- ErrConnectionTimeout
	}
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected("connect_timeout")
	}
}

// Accept is called by the coordinator's owner after OnConnectionRequest
// fired, to accept an inbound connection. It moves straight to CONNECTED
// and transmits CONN_ACK.
func (m *Manager) Accept(remoteSeq uint8) bool {
	m.mu.Lock()
	if m.state != StateDisconnected || !m.hasConnRequest || m.pendingRemoteSeq != remoteSeq {
		m.mu.Unlock()
		return false
	}
	m.hasConnRequest = false
	m.remoteSeq = remoteSeq
	m.state = StateConnected
	m.lastHBRecv = time.Now()
	m.mu.Unlock()

	m.log.Debug().Uint8("remote_seq", remoteSeq).Msg("accept: DISCONNECTED -> CONNECTED")
	m.sendFrame(wire.FrameTypeConnAck, []byte("CONNECT_ACK"))
	m.startHeartbeat()
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected()
	}
	return true
}

// Disconnect initiates graceful teardown and blocks until DISC_ACK arrives
// or the disconnect timeout forces local teardown. It is idempotent: it
// returns nil immediately if already disconnected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateDisconnected:
		m.mu.Unlock()
		return nil
	case StateDisconnecting:
		done := m.pendingDisconnect
		m.mu.Unlock()
		if done == nil {
			return ErrAlreadyDisconnecting
		}
		return <-done
	case StateConnecting:
		m.mu.Unlock()
		return ErrNotConnected
	}

	m.state = StateDisconnecting
	done := make(chan error, 1)
	m.pendingDisconnect = done
	m.mu.Unlock()

	m.stopHeartbeatTimers()
	m.log.Debug().Msg("disconnect: CONNECTED -> DISCONNECTING")
	m.sendFrame(wire.FrameTypeDisc, []byte("DISCONNECT"))

	m.mu.Lock()
	m.disconnectTimer = time.AfterFunc(m.disconnectTimeout, m.onDisconnectTimeout)
	m.mu.Unlock()

	return <-done
}

func (m *Manager) onDisconnectTimeout() {
	m.mu.Lock()
	if m.state != StateDisconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	done := m.pendingDisconnect
	m.pendingDisconnect = nil
	m.mu.Unlock()

	m.log.Warn().Msg("disconnect: forced after timeout, DISCONNECTING -> DISCONNECTED")
	if done != nil {
		done <- nil
	}
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected("disconnect_timeout")
	}
}

// OnRxControlFrame dispatches one received connection-control or heartbeat
// frame. seq is the frame's SEQ field (used only for CONN, to record the
// remote's initial sequence number).
func (m *Manager) OnRxControlFrame(ft wire.FrameType, seq uint8) {
	switch ft {
	case wire.FrameTypeConn:
		m.onRxConn(seq)
	case wire.FrameTypeConnAck:
		m.onRxConnAck()
	case wire.FrameTypeDisc:
		m.onRxDisc()
	case wire.FrameTypeDiscAck:
		m.onRxDiscAck()
	case wire.FrameTypeHeartbeat:
		m.onRxHeartbeat()
	}
}

func (m *Manager) onRxConn(seq uint8) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		m.log.Debug().Str("state", m.state.String()).Msg("ignoring CONN outside DISCONNECTED")
		return
	}
	m.pendingRemoteSeq = seq
	m.hasConnRequest = true
	m.mu.Unlock()

	if m.hooks.OnConnectionRequest != nil {
		m.hooks.OnConnectionRequest(seq)
	}
}

func (m *Manager) onRxConnAck() {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if m.connectTimer != nil {
		m.connectTimer.Stop()
	}
	m.state = StateConnected
	m.lastHBRecv = time.Now()
	done := m.pendingConnect
	m.pendingConnect = nil
	m.mu.Unlock()

	m.log.Debug().Msg("rx CONN_ACK: CONNECTING -> CONNECTED")
	m.startHeartbeat()
	if done != nil {
		done <- nil
	}
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected()
	}
}

func (m *Manager) onRxDisc() {
	m.mu.Lock()
	if m.state != StateConnected && m.state != StateDisconnecting {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.mu.Unlock()

	if wasConnected {
		m.stopHeartbeatTimers()
	}
	m.log.Debug().Msg("rx DISC: tx DISC_ACK, dropping shortly")
	m.sendFrame(wire.FrameTypeDiscAck, nil)

	m.mu.Lock()
	m.discDropTimer = time.AfterFunc(discDropDelay, m.finishPeerDisconnect)
	m.mu.Unlock()
}

func (m *Manager) finishPeerDisconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	done := m.pendingDisconnect
	m.pendingDisconnect = nil
	m.mu.Unlock()

	if done != nil {
		done <- nil
	}
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected("peer_disconnect")
	}
}

func (m *Manager) onRxDiscAck() {
	m.mu.Lock()
	if m.state != StateDisconnecting {
		m.mu.Unlock()
		return
	}
	if m.disconnectTimer != nil {
		m.disconnectTimer.Stop()
	}
	m.state = StateDisconnected
	done := m.pendingDisconnect
	m.pendingDisconnect = nil
	m.mu.Unlock()

	m.log.Debug().Msg("rx DISC_ACK: DISCONNECTING -> DISCONNECTED")
	if done != nil {
		done <- nil
	}
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected("graceful")
	}
}

func (m *Manager) onRxHeartbeat() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.lastHBRecv = time.Now()
	shouldReply := time.Since(m.lastHBSent) > heartbeatReplyGuard
	m.mu.Unlock()

	if shouldReply {
		m.sendHeartbeat()
	}
}

func (m *Manager) sendHeartbeat() {
	m.mu.Lock()
	m.lastHBSent = time.Now()
	m.mu.Unlock()
	m.sendFrame(wire.FrameTypeHeartbeat, []byte(strconv.FormatInt(time.Now().UnixMilli(), 10)))
}

func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	m.stopHeartbeat = make(chan struct{})
	stop := m.stopHeartbeat
	m.heartbeatTicker = time.NewTicker(m.heartbeatInterval)
	m.livenessTicker = time.NewTicker(m.heartbeatInterval)
	hbTicker := m.heartbeatTicker
	liveTicker := m.livenessTicker
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-hbTicker.C:
				m.sendHeartbeat()
			case <-liveTicker.C:
				m.checkLiveness()
			}
		}
	}()
}

func (m *Manager) checkLiveness() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	elapsed := time.Since(m.lastHBRecv)
	limit := 3 * m.heartbeatInterval
	if elapsed <= limit {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	m.log.Warn().Dur("elapsed", elapsed).Msg("heartbeat liveness timeout, CONNECTED -> DISCONNECTED")
	m.stopHeartbeatTimers()
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected("heartbeat_timeout")
	}
}

func (m *Manager) stopHeartbeatTimers() {
	m.mu.Lock()
	stop := m.stopHeartbeat
	hb := m.heartbeatTicker
	live := m.livenessTicker
	m.stopHeartbeat = nil
	m.heartbeatTicker = nil
	m.livenessTicker = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if hb != nil {
		hb.Stop()
	}
	if live != nil {
		live.Stop()
	}
}

// Reset forces the manager back to StateDisconnected and cancels every
// timer, without running any teardown hooks. Used by the coordinator after
// it has already processed a disconnect transition.
func (m *Manager) Reset() {
	m.stopHeartbeatTimers()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectTimer != nil {
		m.connectTimer.Stop()
	}
	if m.disconnectTimer != nil {
		m.disconnectTimer.Stop()
	}
	if m.discDropTimer != nil {
		m.discDropTimer.Stop()
	}
	m.state = StateDisconnected
	m.localSeq = 0
	m.remoteSeq = 0
	m.hasConnRequest = false
}
