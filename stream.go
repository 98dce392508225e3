package quic

import (
	"net"

	"github.com/ef-ds/deque"
)

// maxWritevChunks caps the number of chunks gathered into one vector write.
const maxWritevChunks = 16

// A Stream is one QUIC stream of a session. The zero through third
// low bits of its ID encode origin and directionality.
//
// Stream methods must not be called concurrently with each other or with
// session methods; the embedding host drives everything from the
// listener's event loop.
type Stream struct {
	id   StreamID
	sess *Session

	// outbound chunk queue; drained into vector writes by the session
	chunks      *deque.Deque
	queuedBytes ByteCount

	writable     bool
	everWritable bool
	finSent      bool

	recvOffset ByteCount

	appErrorCode *uint64
}

func newStream(id StreamID, sess *Session, writable bool) *Stream {
	return &Stream{
		id:           id,
		sess:         sess,
		chunks:       deque.New(),
		writable:     writable,
		everWritable: writable,
	}
}

// StreamID returns the stream's ID.
func (s *Stream) StreamID() StreamID { return s.id }

// Session returns the session owning the stream.
func (s *Stream) Session() *Session { return s.sess }

// Write queues data for sending. The data is copied; the caller may reuse
// p. Writing triggers a send flush unless a transport callback is running,
// in which case the session flushes after the callback returns.
func (s *Stream) Write(p []byte) (int, error) {
	return s.sess.writeStreamData(s, p)
}

// End closes the write side: once the queued data drains, a FIN is sent.
func (s *Stream) End() error {
	return s.sess.endStream(s)
}

// Shutdown resets the stream with the given application error code.
func (s *Stream) Shutdown(code uint64) error {
	return s.sess.ShutdownStream(s.id, code)
}

// MarkConsumed extends the stream-level flow control window after the
// application consumed n received bytes. The connection-wide window was
// already extended on receipt.
func (s *Stream) MarkConsumed(n int) {
	s.sess.markStreamConsumed(s, n)
}

// queue appends a copy of p to the outbound chunk queue.
// Callers hold the session mutex.
func (s *Stream) queue(p []byte) {
	buf := make([]byte, len(p))
	copy(buf, p)
	s.chunks.PushBack(buf)
	s.queuedBytes += ByteCount(len(buf))
}

// gather collects queued chunks into a scatter-gather vector without
// consuming them. Callers hold the session mutex.
func (s *Stream) gather() net.Buffers {
	n := s.chunks.Len()
	if n > maxWritevChunks {
		n = maxWritevChunks
	}
	vec := make(net.Buffers, 0, n)
	for i := 0; i < n; i++ {
		front, _ := s.chunks.PopFront()
		vec = append(vec, front.([]byte))
	}
	// push them back in order; gather is non-destructive
	for i := len(vec) - 1; i >= 0; i-- {
		s.chunks.PushFront(vec[i])
	}
	return vec
}

// commit consumes the first n queued bytes. Callers hold the session mutex.
func (s *Stream) commit(n int) {
	s.queuedBytes -= ByteCount(n)
	for n > 0 {
		front, _ := s.chunks.PopFront()
		chunk := front.([]byte)
		if len(chunk) <= n {
			n -= len(chunk)
			continue
		}
		s.chunks.PushFront(chunk[n:])
		n = 0
	}
}

// hasData reports whether outbound bytes are queued. Callers hold the session mutex.
func (s *Stream) hasData() bool { return s.queuedBytes > 0 }
