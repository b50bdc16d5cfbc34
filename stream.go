package dlink

import (
	"bytes"
	"io"
	"sync"
)

// StreamFramer adapts a Core to io.ReadWriter: Write segments into Send calls
// sized to the link's MaxData, and Read hands back payload bytes in the
// order Core delivers them, reassembling across the subscription feed
// rather than requiring the caller to drive OnData directly.
type StreamFramer struct {
	core *Core

	sendBufMu sync.Mutex
	sendBuf   bytes.Buffer
	autoFlush bool

	recvMu   sync.Mutex
	recvBuf  bytes.Buffer
	recvCond *sync.Cond

	events <-chan Event

	closeOnce sync.Once
	closed    chan struct{}

	readErrMu sync.Mutex
	readErr   error
}

// NewFramer wraps core with a byte-stream interface. The returned StreamFramer
// owns a subscription to core's Event feed for the lifetime of the
// StreamFramer; call Close to release it.
func NewFramer(core *Core) *StreamFramer {
	s := &StreamFramer{
		core:      core,
		autoFlush: true,
		closed:    make(chan struct{}),
	}
	s.recvCond = sync.NewCond(&s.recvMu)
	s.events = core.Subscribe()

	go s.deliverLoop()

	return s
}

// SetAutoFlush controls Write's buffering behavior. With autoFlush true
// (the default), each Write call is immediately segmented into frames
// and sent. With it false, Write only buffers until Flush is called or
// the buffer reaches the link's MaxData size.
func (s *StreamFramer) SetAutoFlush(b bool) {
	s.sendBufMu.Lock()
	defer s.sendBufMu.Unlock()

	if b && !s.autoFlush && s.sendBuf.Len() > 0 {
		_ = s.flushLocked()
	}
	s.autoFlush = b
}

// Flush forces any buffered bytes out as data frames. Only meaningful
// when autoFlush is disabled.
func (s *StreamFramer) Flush() error {
	s.sendBufMu.Lock()
	defer s.sendBufMu.Unlock()
	return s.flushLocked()
}

func (s *StreamFramer) flushLocked() error {
	maxChunk := s.core.opts.MaxData
	for s.sendBuf.Len() > 0 {
		chunkSize := maxChunk
		if s.sendBuf.Len() < chunkSize {
			chunkSize = s.sendBuf.Len()
		}
		chunk := make([]byte, chunkSize)
		_, _ = io.ReadFull(&s.sendBuf, chunk)
		if err := s.core.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Write implements io.Writer.
func (s *StreamFramer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	maxChunk := s.core.opts.MaxData

	if s.autoFlush {
		offset := 0
		for offset < len(p) {
			chunkSize := maxChunk
			if len(p)-offset < chunkSize {
				chunkSize = len(p) - offset
			}
			chunk := make([]byte, chunkSize)
			copy(chunk, p[offset:offset+chunkSize])
			if err := s.core.Send(chunk); err != nil {
				return offset, err
			}
			offset += chunkSize
		}
		return len(p), nil
	}

	s.sendBufMu.Lock()
	defer s.sendBufMu.Unlock()

	n, _ := s.sendBuf.Write(p)
	for s.sendBuf.Len() >= maxChunk {
		chunk := make([]byte, maxChunk)
		_, _ = io.ReadFull(&s.sendBuf, chunk)
		if err := s.core.Send(chunk); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Read implements io.Reader, returning data in the order Core delivered
// it (Core's window.Receiver already handles reordering and dedup).
func (s *StreamFramer) Read(p []byte) (int, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for s.recvBuf.Len() == 0 {
		if err := s.getReadErr(); err != nil {
			return 0, err
		}
		select {
		case <-s.closed:
			if s.recvBuf.Len() == 0 {
				if err := s.getReadErr(); err != nil {
					return 0, err
				}
				return 0, io.EOF
			}
		default:
		}
		s.recvCond.Wait()
	}

	return s.recvBuf.Read(p)
}

// Close releases the StreamFramer's subscription to core's Event feed and
// unblocks any pending Read with io.EOF. It does not close core itself.
func (s *StreamFramer) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.core.Unsubscribe(s.events)
		s.setReadErr(io.EOF)
		s.recvCond.Broadcast()
	})
	return nil
}

func (s *StreamFramer) deliverLoop() {
	for {
		select {
		case e, ok := <-s.events:
			if !ok {
				return
			}
			switch e.Kind {
			case EventDataReceived:
				s.recvMu.Lock()
				s.recvBuf.Write(e.Bytes)
				s.recvCond.Signal()
				s.recvMu.Unlock()
			case EventDisconnected:
				s.setReadErr(ErrNotConnected)
				s.recvMu.Lock()
				s.recvCond.Broadcast()
				s.recvMu.Unlock()
			}
		case <-s.closed:
			return
		}
	}
}

func (s *StreamFramer) setReadErr(err error) {
	if err == nil {
		return
	}
	s.readErrMu.Lock()
	defer s.readErrMu.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
}

func (s *StreamFramer) getReadErr() error {
	s.readErrMu.Lock()
	defer s.readErrMu.Unlock()
	return s.readErr
}
