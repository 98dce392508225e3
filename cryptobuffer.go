package quic

import (
	"fmt"

	"github.com/ef-ds/deque"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
)

// cryptoBuffer holds the outbound handshake bytes of a session, one
// append-only queue per encryption level. Bytes are written once,
// submitted to the transport library for (re)transmission, and freed
// strictly in order as the peer acknowledges crypto offsets.
type cryptoBuffer struct {
	levels [protocol.NumEncryptionLevels]cryptoLevelBuffer
}

type cryptoLevelBuffer struct {
	chunks *deque.Deque
	length int
}

func newCryptoBuffer() *cryptoBuffer {
	var b cryptoBuffer
	for i := range b.levels {
		b.levels[i].chunks = deque.New()
	}
	return &b
}

// Write copies data, submits the copy to the transport library and
// retains it. Retransmission must never alias the caller's storage.
func (b *cryptoBuffer) Write(conn Conn, level EncryptionLevel, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if err := conn.SubmitCryptoData(level, buf); err != nil {
		return err
	}
	lb := &b.levels[level]
	lb.chunks.PushBack(buf)
	lb.length += len(buf)
	return nil
}

// Consume frees the oldest n bytes at the given level. The peer may only
// acknowledge bytes it was sent, so over-consumption is a protocol violation.
func (b *cryptoBuffer) Consume(level EncryptionLevel, n int) error {
	lb := &b.levels[level]
	if n > lb.length {
		return &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: fmt.Sprintf("acked %d crypto bytes at %s, only %d outstanding", n, level, lb.length),
		}
	}
	lb.length -= n
	for n > 0 {
		front, _ := lb.chunks.PopFront()
		chunk := front.([]byte)
		if len(chunk) <= n {
			n -= len(chunk)
			continue
		}
		lb.chunks.PushFront(chunk[n:])
		n = 0
	}
	return nil
}

// Remaining returns the number of unacknowledged bytes at a level.
func (b *cryptoBuffer) Remaining(level EncryptionLevel) int {
	return b.levels[level].length
}

// TotalRemaining reports the bytes still held across all levels. A
// non-zero value at teardown means the peer never acknowledged them; the
// session logs it for leak detection.
func (b *cryptoBuffer) TotalRemaining() int {
	var total int
	for i := range b.levels {
		total += b.levels[i].length
	}
	return total
}
