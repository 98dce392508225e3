package quic

import (
	"errors"
	"time"
)

// sendPendingLocked flushes the send buffer, serializes pending stream
// data in insertion order until congestion limited, and finally lets the
// transport library emit any remaining non-stream packets.
//
// It never runs while a transport callback is in progress: the transport
// library must not be re-entered.
func (s *Session) sendPendingLocked(now time.Time) {
	if s.insideTransportCallback || s.isDestroyed() || s.isDraining() {
		return
	}
	if s.perspective == PerspectiveServer && s.isClosing() {
		return
	}

	if err := s.sendBuf.Flush(s.transmitQueued); err != nil {
		s.recordErrorLocked(err)
		s.handleErrorLocked(now, err)
		return
	}
	if s.isClosing() {
		// only CONNECTION_CLOSE retransmissions leave a closing session
		return
	}

	congestionLimited := false
	s.streams.rangeOrdered(func(st *Stream) bool {
		cont, err := s.writeStreamPendingLocked(now, st)
		if err != nil {
			s.recordErrorLocked(err)
			s.handleErrorLocked(now, err)
			return false
		}
		if !cont {
			congestionLimited = true
		}
		return cont
	})
	if s.isDestroyed() || s.isClosing() || s.isDraining() || congestionLimited {
		s.armLossTimerLocked()
		return
	}

	// remaining non-stream packets: acks, control frames, probes
	for {
		buf := make([]byte, s.maxPacketLen())
		n, err := s.conn.WritePackets(buf, now)
		if err != nil {
			if errors.Is(err, ErrPacketNumberExhausted) {
				s.silentCloseLocked(now, uint64(NoError), ErrorFamilyTransport, false)
				return
			}
			s.recordErrorLocked(err)
			s.handleErrorLocked(now, err)
			return
		}
		if n == 0 {
			break
		}
		if err := s.queueAndTransmitLocked(buf[:n]); err != nil {
			return
		}
	}
	s.armLossTimerLocked()
}

// writeStreamPendingLocked serializes one stream until it runs dry, is
// skipped, or the connection is congestion limited. The bool result says
// whether iteration should continue with the next stream.
func (s *Session) writeStreamPendingLocked(now time.Time, st *Stream) (bool, error) {
	for {
		vec := st.gather()
		coversQueue := ByteCount(vecLen(vec)) == st.queuedBytes
		if len(vec) == 0 && (st.writable || st.finSent || st.appErrorCode != nil) {
			return true, nil
		}
		fin := !st.writable && coversQueue && st.appErrorCode == nil

		buf := make([]byte, s.maxPacketLen())
		packetLen, consumed, err := s.conn.WriteStream(buf, now, st.id, vec, fin)
		switch {
		case err == nil && packetLen == 0:
			// congestion limited: stop serializing altogether
			return false, nil
		case errors.Is(err, ErrPacketNumberExhausted):
			s.silentCloseLocked(now, uint64(NoError), ErrorFamilyTransport, false)
			return false, nil
		case errors.Is(err, ErrStreamDataBlocked), errors.Is(err, ErrStreamShutWrite), errors.Is(err, ErrStreamNotFound):
			return true, nil
		case err != nil:
			return false, err
		}

		st.commit(consumed)
		if err := s.queueAndTransmitLocked(buf[:packetLen]); err != nil {
			return false, err
		}
		if fin && !st.hasData() {
			st.finSent = true
		}
		if !st.hasData() {
			return true, nil
		}
	}
}

// writeStreamData is the entry point for Stream.Write.
func (s *Session) writeStreamData(st *Stream, p []byte) (int, error) {
	s.mutex.Lock()
	if s.isDestroyed() || s.isClosing() || s.isDraining() {
		s.mutex.Unlock()
		return 0, ErrSessionClosed
	}
	if !st.writable {
		s.mutex.Unlock()
		return 0, ErrStreamShutWrite
	}
	st.queue(p)
	if !s.insideTransportCallback {
		s.sendPendingLocked(time.Now())
	}
	s.mutex.Unlock()
	s.deliverEvents()
	return len(p), nil
}

// markStreamConsumed is the entry point for Stream.MarkConsumed.
func (s *Session) markStreamConsumed(st *Stream, n int) {
	s.mutex.Lock()
	if s.isDestroyed() || s.isClosing() || s.isDraining() {
		s.mutex.Unlock()
		return
	}
	s.conn.ExtendMaxStreamData(st.id, ByteCount(n))
	if !s.insideTransportCallback {
		s.sendPendingLocked(time.Now())
	}
	s.mutex.Unlock()
	s.deliverEvents()
}

// endStream is the entry point for Stream.End.
func (s *Session) endStream(st *Stream) error {
	s.mutex.Lock()
	if s.isDestroyed() {
		s.mutex.Unlock()
		return ErrSessionClosed
	}
	st.writable = false
	if !s.insideTransportCallback && !s.isClosing() && !s.isDraining() {
		s.sendPendingLocked(time.Now())
	}
	s.mutex.Unlock()
	s.deliverEvents()
	return nil
}

// queueAndTransmitLocked appends serialized packet bytes to the send
// buffer and flushes it to the endpoint.
func (s *Session) queueAndTransmitLocked(data []byte) error {
	if err := s.sendBuf.Append(data, nil); err != nil {
		s.recordErrorLocked(err)
		s.handleErrorLocked(time.Now(), err)
		return err
	}
	if err := s.sendBuf.Flush(s.transmitQueued); err != nil {
		s.recordErrorLocked(err)
		s.handleErrorLocked(time.Now(), err)
		return err
	}
	return nil
}

// transmitQueued hands one packet to the endpoint with its
// acknowledgement continuation.
func (s *Session) transmitQueued(data []byte, onDone func(error)) error {
	err := s.socket.sendPacket(data, s.remoteAddr, s.localAddr)
	if err == nil {
		s.stats.stamp(&s.stats.SentAt, time.Now())
		s.stats.BytesSent += uint64(len(data))
		s.setIdleTimerLocked(time.Now())
	}
	onDone(err)
	// transient I/O errors are logged and retried via timers, they don't
	// kill the session
	if err != nil {
		s.log.WithError(err).Debug("packet transmission failed")
	}
	return nil
}

// transmitLocked sends raw bytes (a stored CONNECTION_CLOSE) directly.
func (s *Session) transmitLocked(data []byte) {
	if err := s.socket.sendPacket(data, s.remoteAddr, s.localAddr); err != nil {
		s.log.WithError(err).Debug("packet transmission failed")
		return
	}
	s.stats.stamp(&s.stats.SentAt, time.Now())
	s.stats.BytesSent += uint64(len(data))
}

func vecLen(vec [][]byte) int {
	var n int
	for _, b := range vec {
		n += len(b)
	}
	return n
}
