package quic

import (
	"errors"

	"github.com/ef-ds/deque"
)

// ErrPacketBufferFull is returned when appending to a full packet buffer.
var ErrPacketBufferFull = errors.New("packet buffer full")

// defaultPacketBufferLimit bounds the bytes a session may queue before
// they reach the wire.
const defaultPacketBufferLimit = 256 * 1024

type queuedPacket struct {
	data []byte
	done func(error)
}

// packetBuffer owns a session's outbound byte queue and its in-flight
// queue. Serialized packets are appended to the pending queue; Flush
// moves them to the in-flight queue and hands them to the endpoint with
// an acknowledgement continuation.
type packetBuffer struct {
	pending  *deque.Deque
	inFlight *deque.Deque

	pendingBytes  ByteCount
	inFlightBytes ByteCount
	limit         ByteCount

	canceled bool
}

func newPacketBuffer() *packetBuffer {
	return &packetBuffer{
		pending:  deque.New(),
		inFlight: deque.New(),
		limit:    defaultPacketBufferLimit,
	}
}

// Append queues a serialized packet. done, if non-nil, fires when the
// packet was handed to the network or when the buffer is canceled.
func (b *packetBuffer) Append(data []byte, done func(error)) error {
	if b.canceled {
		return ErrPacketBufferFull
	}
	if b.pendingBytes+b.inFlightBytes+ByteCount(len(data)) > b.limit {
		return ErrPacketBufferFull
	}
	b.pending.PushBack(&queuedPacket{data: data, done: done})
	b.pendingBytes += ByteCount(len(data))
	return nil
}

// Len returns the number of pending packets.
func (b *packetBuffer) Len() int {
	return b.pending.Len()
}

// Flush drains the pending queue through transmit. transmit takes the
// packet bytes and a completion continuation; the packet counts as
// in flight until the continuation fires.
func (b *packetBuffer) Flush(transmit func(data []byte, onDone func(error)) error) error {
	for b.pending.Len() > 0 {
		front, _ := b.pending.PopFront()
		p := front.(*queuedPacket)
		b.pendingBytes -= ByteCount(len(p.data))
		b.inFlight.PushBack(p)
		b.inFlightBytes += ByteCount(len(p.data))
		if err := b.transmitOne(p, transmit); err != nil {
			return err
		}
	}
	return nil
}

func (b *packetBuffer) transmitOne(p *queuedPacket, transmit func([]byte, func(error)) error) error {
	return transmit(p.data, func(err error) {
		b.inFlightBytes -= ByteCount(len(p.data))
		// drop the queue entry; PopFront keeps ordering since the
		// endpoint completes sends in submission order
		if front, ok := b.inFlight.PopFront(); ok && front != p {
			b.inFlight.PushFront(front)
		}
		if p.done != nil {
			p.done(err)
		}
	})
}

// Cancel fails every queued and in-flight packet and rejects further appends.
func (b *packetBuffer) Cancel(err error) {
	b.canceled = true
	for b.pending.Len() > 0 {
		front, _ := b.pending.PopFront()
		p := front.(*queuedPacket)
		if p.done != nil {
			p.done(err)
		}
	}
	b.pendingBytes = 0
	for b.inFlight.Len() > 0 {
		front, _ := b.inFlight.PopFront()
		p := front.(*queuedPacket)
		if p.done != nil {
			p.done(err)
		}
	}
	b.inFlightBytes = 0
}
