package quic

import (
	crand "crypto/rand"
	"net"
	"time"

	"github.com/zys-contribs/quic/internal/handshake"
)

// appErrorCodeClosing is the application error code used to shut peer
// streams opened while the session is closing gracefully.
const appErrorCodeClosing = uint64(ConnectionRefused)

// connCallbacks wires the transport library's callbacks into the session.
func (s *Session) connCallbacks() ConnCallbacks {
	return ConnCallbacks{
		HandshakeCompleted: s.onHandshakeCompleted,
		ReceiveCryptoData:  s.onReceiveCryptoData,
		AckedCryptoOffset:  s.onAckedCryptoOffset,
		ReceiveStreamData:  s.onReceiveStreamData,
		AckedStreamOffset:  s.onAckedStreamOffset,
		StreamClosed:       s.onStreamClosed,
		StreamReset:        s.onStreamReset,
		NewConnectionID:    s.onNewConnectionID,
		RetireConnectionID: s.onRetireConnectionID,
		PathValidated:      s.onPathValidated,
		PeerClose:          s.onPeerClose,
		VersionNegotiation: s.onVersionNegotiation,
		RetryReceived:      s.onRetryReceived,
		KeyUpdateCommitted: s.onKeyUpdateCommitted,
		Rand:               func(b []byte) { _, _ = crand.Read(b) },
	}
}

// enterTransportCallback sets the re-entrancy marker. While it is set, no
// send routine runs: the transport library delivers events from within
// its calls, and writing back into it from there would re-enter it. The
// intent is queued instead and flushed after the outermost call returns.
func (s *Session) enterTransportCallback() func() {
	prev := s.insideTransportCallback
	s.insideTransportCallback = true
	return func() { s.insideTransportCallback = prev }
}

func (s *Session) onReceiveCryptoData(level EncryptionLevel, data []byte) error {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return nil
	}
	now := time.Now()
	if s.state == stateFresh {
		s.state = stateHandshaking
		s.stats.stamp(&s.stats.HandshakeStartAt, now)
	}
	s.stats.stamp(&s.stats.HandshakeContinueAt, now)

	status, err := s.crypto.ProvideData(level, data)
	if err != nil {
		return err
	}
	s.handleHandshakeStatusLocked(status)
	return nil
}

func (s *Session) onAckedCryptoOffset(level EncryptionLevel, n int) error {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return nil
	}
	if err := s.cryptoBuf.Consume(level, n); err != nil {
		return err
	}
	now := time.Now()
	s.stats.stamp(&s.stats.HandshakeAckedAt, now)
	// feed the inter-ack interval into the latency histogram: peers that
	// withhold crypto acks to starve resources show up in the long tail
	if !s.lastCryptoAckAt.IsZero() {
		s.metrics.CryptoAckInterval(now.Sub(s.lastCryptoAckAt).Seconds())
	}
	s.lastCryptoAckAt = now
	return nil
}

func (s *Session) onReceiveStreamData(id StreamID, data []byte, fin bool) error {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return nil
	}
	st, ok := s.streams.get(id)
	if !ok {
		if s.gracefulClosing {
			// no new peer streams while closing gracefully
			return s.conn.ShutdownStream(id, appErrorCodeClosing)
		}
		if len(data) == 0 && !fin {
			// a zero-length, non-fin STREAM frame commits no data; creating
			// a stream for it would let the peer bind resources for free
			return nil
		}
		st = s.streams.addIncoming(id, s)
		s.stats.StreamsIn++
		s.stats.StreamsTotal++
		if id.Type() == StreamTypeBidi {
			s.stats.BidiStreams++
		} else {
			s.stats.UniStreams++
		}
		ready := st
		s.queueEvent(func() {
			if s.events != nil && s.events.StreamReady != nil {
				s.events.StreamReady(ready)
			}
		})
	}

	st.recvOffset += ByteCount(len(data))
	// connection-wide flow control is extended right away; the
	// stream-level window only grows when the application consumes
	s.conn.ExtendMaxData(ByteCount(len(data)))

	if len(data) > 0 || fin {
		buf := make([]byte, len(data))
		copy(buf, data)
		stream := st
		s.queueEvent(func() {
			if s.events != nil && s.events.StreamData != nil {
				s.events.StreamData(stream, buf, fin)
			}
		})
	}
	return nil
}

func (s *Session) onAckedStreamOffset(id StreamID, n int) error {
	defer s.enterTransportCallback()()
	return nil
}

func (s *Session) onStreamClosed(id StreamID, appErrorCode uint64) error {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return nil
	}
	// the stream leaves the table before the transport library discards
	// its state
	s.removeStreamLocked(id, appErrorCode, true)
	return nil
}

func (s *Session) onStreamReset(id StreamID, finalSize ByteCount, appErrorCode uint64) error {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return nil
	}
	if st, ok := s.streams.get(id); ok {
		st.writable = false
		code := appErrorCode
		st.appErrorCode = &code
	}
	s.queueEvent(func() {
		if s.events != nil && s.events.StreamReset != nil {
			s.events.StreamReset(s, id, appErrorCode, finalSize)
		}
	})
	return nil
}

func (s *Session) onNewConnectionID(cid ConnectionID, token StatelessResetToken) error {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return nil
	}
	if !s.socket.registry.Add(cid, s) {
		return &SessionError{ErrorMessage: "connection ID " + cid.String() + " already in use"}
	}
	s.socket.registry.AddResetToken(token, s)
	s.registeredCIDs = append(s.registeredCIDs, cid)
	s.cidTokens[string(cid)] = token
	return nil
}

func (s *Session) onRetireConnectionID(cid ConnectionID) {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return
	}
	s.socket.registry.Remove(cid)
	if token, ok := s.cidTokens[string(cid)]; ok {
		s.socket.registry.RemoveResetToken(token)
		delete(s.cidTokens, string(cid))
	}
	for i, id := range s.registeredCIDs {
		if id.Equal(cid) {
			s.registeredCIDs = append(s.registeredCIDs[:i], s.registeredCIDs[i+1:]...)
			break
		}
	}
}

func (s *Session) onPathValidated(local, remote net.Addr, ok bool) {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return
	}
	if ok {
		s.stats.PathValidationSuccess++
		s.metrics.PathValidation("success")
	} else {
		s.stats.PathValidationFailure++
		s.metrics.PathValidation("failure")
	}
	if ok && s.pendingPreferredAddr != nil && s.pendingPreferredAddr.String() == remote.String() {
		// migrate to the server's preferred address
		s.remoteAddr = remote
		s.pendingPreferredAddr = nil
	}
	info := &PathValidationInfo{Validated: ok, Local: local, Remote: remote}
	s.queueEvent(func() {
		if s.events != nil && s.events.PathValidation != nil {
			s.events.PathValidation(s, info)
		}
	})
}

func (s *Session) onPeerClose(code uint64, family ErrorFamily, reason string) {
	defer s.enterTransportCallback()()
	s.enterDrainingLocked(time.Now(), code, family, reason)
}

func (s *Session) onVersionNegotiation(requested Version, theirs []Version) {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return
	}
	info := &VersionNegotiationInfo{
		Requested: requested,
		Theirs:    theirs,
		Ours:      s.config.Versions,
	}
	s.queueEvent(func() {
		if s.events != nil && s.events.VersionNegotiation != nil {
			s.events.VersionNegotiation(s, info)
		}
	})
}

func (s *Session) onRetryReceived() {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return
	}
	s.stats.RetryCount++
}

func (s *Session) onKeyUpdateCommitted() {
	defer s.enterTransportCallback()()
	if s.isDestroyed() {
		return
	}
	if s.keyUpdateInProgress {
		s.keyUpdateInProgress = false
		return
	}
	// peer-initiated update: rotate our copy of the secrets and install
	// the next generation
	newRx, newTx := handshake.NextTrafficSecrets(s.secretHash, s.rxSecret, s.txSecret)
	if err := s.conn.InstallSecrets(EncryptionApplication, newRx, newTx); err != nil {
		s.log.WithError(err).Error("installing updated keys failed")
		return
	}
	s.rxSecret, s.txSecret = newRx, newTx
	s.stats.KeyUpdateCount++
	s.metrics.KeyUpdate()
}
