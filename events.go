package dlink

import (
	"sync"

	"github.com/sparques/dlink/internal/wire"
)

// EventKind identifies which variant an Event carries.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDataReceived
	EventDataFrameSent
	EventWindowAdvanced
	EventFrameError
	EventTransmissionFailed
	EventFrameBuffered
	EventWindowFull
	EventAckSent
	EventNakSent
	EventAckReceived
	EventNakReceived
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventDataReceived:
		return "DataReceived"
	case EventDataFrameSent:
		return "DataFrameSent"
	case EventWindowAdvanced:
		return "WindowAdvanced"
	case EventFrameError:
		return "FrameError"
	case EventTransmissionFailed:
		return "TransmissionFailed"
	case EventFrameBuffered:
		return "FrameBuffered"
	case EventWindowFull:
		return "WindowFull"
	case EventAckSent:
		return "AckSent"
	case EventNakSent:
		return "NakSent"
	case EventAckReceived:
		return "AckReceived"
	case EventNakReceived:
		return "NakReceived"
	default:
		return "Unknown"
	}
}

// Event is the closed variant type emitted on every observable transition.
// Only the fields relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind EventKind

	Seq      uint8
	Bytes    []byte
	Size     int
	OldBase  uint8
	NewBase  uint8
	Retries  int
	RTT      int64 // nanoseconds; avoids importing time for a single field
	Reason   string
	ErrKind  wire.ErrorKind
	Expected uint8
}

// subscriberBacklog bounds the per-subscriber Event channel so one slow
// consumer cannot block the engine goroutine indefinitely; events beyond
// this are dropped for that subscriber, matching the "a single subscriber
// sink receives these" note without granting unbounded buffering.
const subscriberBacklog = 64

// subscriptions fans one internally-emitted Event out to every subscriber.
type subscriptions struct {
	mu   sync.Mutex
	subs []chan Event
}

func (s *subscriptions) add() chan Event {
	ch := make(chan Event, subscriberBacklog)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *subscriptions) remove(target <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range s.subs {
		if ch == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *subscriptions) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
