package dlink

import "sync/atomic"

// Metrics holds read-only counters for the host application. There is no
// external metrics backend wired in (see DESIGN.md); plain atomic counters
// are the whole implementation, which is all a handful of monotonic
// integers needs.
type Metrics struct {
	FramesDropped      atomic.Int64
	CRCErrors          atomic.Int64
	Retransmissions    atomic.Int64
	FramesFailed       atomic.Int64
	HeartbeatTimeouts  atomic.Int64
	ConnectionTimeouts atomic.Int64
}

// MetricsSnapshot is a point-in-time copy, safe to read without further
// synchronization.
type MetricsSnapshot struct {
	FramesDropped      int64
	CRCErrors          int64
	Retransmissions    int64
	FramesFailed       int64
	HeartbeatTimeouts  int64
	ConnectionTimeouts int64
}

// Snapshot copies every counter's current value.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesDropped:      m.FramesDropped.Load(),
		CRCErrors:          m.CRCErrors.Load(),
		Retransmissions:    m.Retransmissions.Load(),
		FramesFailed:       m.FramesFailed.Load(),
		HeartbeatTimeouts:  m.HeartbeatTimeouts.Load(),
		ConnectionTimeouts: m.ConnectionTimeouts.Load(),
	}
}
