package quic

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
)

func newEstablishedSession(t *testing.T) (*testEnv, *Session, *fakeConn, *fakeCrypto) {
	t.Helper()
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.socket.Close() })
	sess, fc, crypt, err := env.dial(&ClientConfig{ServerName: "example.org", ALPN: []string{"h3"}})
	require.NoError(t, err)
	env.completeHandshake(sess, fc, crypt)
	require.True(t, sess.handshakeCompleted)
	return env, sess, fc, crypt
}

func TestDialStartsHandshake(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()

	sess, fc, crypt, err := env.dial(&ClientConfig{ServerName: "example.org"})
	require.NoError(t, err)
	require.True(t, crypt.started)
	// the ClientHello went through the crypto buffer into the transport library
	require.Len(t, fc.submittedCrypto[EncryptionInitial], 1)
	require.Equal(t, []byte("client hello"), fc.submittedCrypto[EncryptionInitial][0])
	require.Equal(t, 1, env.socket.NumSessions())
	require.False(t, sess.handshakeCompleted)
}

func TestHandshakeCompletionDeliversEvent(t *testing.T) {
	env, sess, _, _ := newEstablishedSession(t)
	require.Len(t, env.events.handshakes, 1)
	info := env.events.handshakes[0]
	require.Equal(t, "h3", info.ALPN)
	require.Equal(t, "TLS_AES_128_GCM_SHA256", info.CipherSuite)
	require.Equal(t, "example.org", info.ServerName)

	stats := sess.Stats()
	require.False(t, stats.HandshakeStartAt.IsZero())
	require.False(t, stats.HandshakeCompleteAt.IsZero())
	require.False(t, stats.HandshakeCompleteAt.Before(stats.HandshakeStartAt))
}

func TestHandshakeVerificationFailure(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()
	sess, fc, crypt, err := env.dial(&ClientConfig{ServerName: "example.org"})
	require.NoError(t, err)

	crypt.state.PeerVerified = false
	crypt.state.VerifyErrorReason = "self signed certificate"
	crypt.state.VerifyErrorCode = 18
	fc.enqueue(func(c *fakeConn) error { return c.cb.HandshakeCompleted() })
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)

	require.False(t, sess.handshakeCompleted)
	desc := sess.LastError()
	require.NotNil(t, desc)
	require.Equal(t, ErrorFamilyCrypto, desc.Family)
	// handshake-time errors tear down silently
	require.Equal(t, 1, env.events.numSilentCloses())
}

func TestImmediateClose(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	before := env.pc.numWrites()

	require.NoError(t, sess.CloseWithError(0, ErrorFamilyApplication))
	require.Equal(t, 1, fc.connCloses)
	require.Equal(t, before+1, env.pc.numWrites())
	require.Len(t, env.events.closes, 1)
	require.Equal(t, ErrorFamilyApplication, env.events.closes[0].Family)

	// closing may be entered only once
	require.NoError(t, sess.CloseWithError(7, ErrorFamilyTransport))
	require.Equal(t, 1, fc.connCloses)
	require.Len(t, env.events.closes, 1)
}

func TestClosingPeriodRetransmissionIsBounded(t *testing.T) {
	env, sess, _, _ := newEstablishedSession(t)
	require.NoError(t, sess.CloseWithError(0, ErrorFamilyApplication))
	base := env.pc.numWrites() // the initial CONNECTION_CLOSE

	for i := 0; i < 50; i++ {
		sess.handlePacket(time.Now(), []byte{0x40, byte(i)}, env.pc.LocalAddr(), env.raddr)
	}
	resends := env.pc.numWrites() - base
	require.Greater(t, resends, 0)
	require.LessOrEqual(t, resends, protocol.MaxConnectionCloseResends)
	require.Equal(t, uint64(51), sess.Stats().ConnectionCloseAttempts)
}

func TestDrainingDropsEverything(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	fc.readErr = ErrDraining
	fc.enqueue(func(c *fakeConn) error {
		c.cb.PeerClose(uint64(NoError), ErrorFamilyTransport, "bye")
		return nil
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.True(t, sess.isDraining())
	require.Len(t, env.events.closes, 1)

	before := env.pc.numWrites()
	_, err = st.Write([]byte("after close"))
	require.ErrorIs(t, err, ErrSessionClosed)
	require.Error(t, sess.Ping())
	// while draining, not a single byte leaves the session
	require.Equal(t, before, env.pc.numWrites())
}

func TestDestroyIsIdempotent(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()
	sess, fc, _, err := env.dial(nil)
	require.NoError(t, err)
	require.Equal(t, 1, env.socket.NumSessions())
	require.Greater(t, env.socket.registry.NumCIDs(), 0)

	sess.Destroy()
	require.True(t, sess.isDestroyed())
	require.True(t, fc.closed)
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, 0, env.socket.registry.NumCIDs())

	// the second call has the same observable effect as the first
	sess.Destroy()
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, 0, env.socket.registry.NumCIDs())
}

func TestDestroyedSessionDropsPackets(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	sess.Destroy()
	fc.enqueue(func(c *fakeConn) error {
		t.Fatal("packet processed on destroyed session")
		return nil
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
}

func TestOpenStream(t *testing.T) {
	_, sess, fc, _ := newEstablishedSession(t)

	bidi, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)
	require.Equal(t, StreamID(0), bidi.StreamID())

	uni, err := sess.OpenStream(StreamTypeUni)
	require.NoError(t, err)
	require.Equal(t, StreamID(2), uni.StreamID())
	// the read side of a local unidirectional stream is shut immediately
	_, ok := fc.shutdownReads[uni.StreamID()]
	require.True(t, ok)

	bidi2, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)
	require.Equal(t, StreamID(4), bidi2.StreamID())

	stats := sess.Stats()
	require.Equal(t, uint64(3), stats.StreamsOut)
	require.Equal(t, uint64(3), stats.StreamsTotal)
	require.Equal(t, uint64(2), stats.BidiStreams)
	require.Equal(t, uint64(1), stats.UniStreams)
	require.Equal(t, uint64(0), stats.StreamsIn)
}

func TestOpenStreamForbiddenWhileClosing(t *testing.T) {
	t.Run("graceful closing", func(t *testing.T) {
		_, sess, _, _ := newEstablishedSession(t)
		_, err := sess.OpenStream(StreamTypeBidi)
		require.NoError(t, err)
		sess.CloseGracefully()
		_, err = sess.OpenStream(StreamTypeBidi)
		require.ErrorIs(t, err, ErrGracefulClosing)
	})
	t.Run("closing", func(t *testing.T) {
		_, sess, _, _ := newEstablishedSession(t)
		require.NoError(t, sess.CloseWithError(0, ErrorFamilyApplication))
		_, err := sess.OpenStream(StreamTypeBidi)
		require.ErrorIs(t, err, ErrSessionClosed)
	})
	t.Run("destroyed", func(t *testing.T) {
		_, sess, _, _ := newEstablishedSession(t)
		sess.Destroy()
		_, err := sess.OpenStream(StreamTypeBidi)
		require.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestStreamWriteLoop(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	data := make([]byte, 10*1024)
	before := env.pc.numWrites()
	n, err := st.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// the stream drained into vector writes, committed packet by packet
	require.False(t, st.hasData())
	require.Greater(t, env.pc.numWrites(), before)
	var written int
	for _, c := range fc.writevCalls {
		require.Equal(t, st.StreamID(), c.id)
		written += c.numBytes
	}
	require.Equal(t, len(data), written)
	require.Equal(t, uint64(0), sess.Stats().BytesReceived)
	require.Greater(t, sess.Stats().BytesSent, uint64(len(data)))
}

func TestStreamWriteCongestionLimited(t *testing.T) {
	_, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	fc.congestionLimited = true
	_, err = st.Write(make([]byte, 2048))
	require.NoError(t, err)
	require.True(t, st.hasData())

	// once the congestion controller opens up, a flush drains the queue
	fc.congestionLimited = false
	require.NoError(t, sess.Ping())
	require.False(t, st.hasData())
}

func TestStreamFin(t *testing.T) {
	_, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	_, err = st.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, st.End())

	require.True(t, st.finSent)
	require.False(t, st.writable)
	last := fc.writevCalls[len(fc.writevCalls)-1]
	require.True(t, last.fin)

	// once fin_sent, it stays: further writes fail
	_, err = st.Write([]byte("more"))
	require.ErrorIs(t, err, ErrStreamShutWrite)
	require.True(t, st.finSent)
}

func TestStreamWriteErrorsSkipStream(t *testing.T) {
	_, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	fc.writeStreamErr = ErrStreamDataBlocked
	_, err = st.Write(make([]byte, 128))
	require.NoError(t, err)
	// the stream was skipped, the data stays queued, the session lives
	require.True(t, st.hasData())
	require.False(t, sess.isClosing())
}

func TestPacketNumberExhaustionSilentCloses(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	fc.writeStreamErr = ErrPacketNumberExhausted
	_, err = st.Write(make([]byte, 128))
	require.NoError(t, err)
	require.Equal(t, 1, env.events.numSilentCloses())
	require.False(t, env.events.lastSilentClose().StatelessReset)
	// a silent close sends no CONNECTION_CLOSE
	require.Equal(t, 0, fc.connCloses)
}

func TestShutdownStream(t *testing.T) {
	_, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	require.NoError(t, st.Shutdown(0x42))
	require.Equal(t, uint64(0x42), fc.shutdownStreams[st.StreamID()])
	require.False(t, st.writable)
}

func TestIncomingStreams(t *testing.T) {
	t.Run("data creates the stream", func(t *testing.T) {
		env, sess, fc, _ := newEstablishedSession(t)
		fc.enqueue(func(c *fakeConn) error {
			return c.cb.ReceiveStreamData(1, []byte("hello"), false)
		})
		sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)

		require.Len(t, env.events.streamsReady, 1)
		require.Equal(t, StreamID(1), env.events.streamsReady[0].StreamID())
		require.Len(t, env.events.streamData, 1)
		require.Equal(t, []byte("hello"), env.events.streamData[0])
		stats := sess.Stats()
		require.Equal(t, uint64(1), stats.StreamsIn)
		require.Equal(t, uint64(0), stats.StreamsOut)
		require.Equal(t, uint64(1), stats.StreamsTotal)
	})

	t.Run("zero-length non-fin frame is dropped", func(t *testing.T) {
		env, sess, fc, _ := newEstablishedSession(t)
		fc.enqueue(func(c *fakeConn) error {
			return c.cb.ReceiveStreamData(1, nil, false)
		})
		sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
		require.Empty(t, env.events.streamsReady)
		require.Equal(t, 0, sess.streams.len())
	})

	t.Run("zero-length fin frame creates the stream", func(t *testing.T) {
		env, sess, fc, _ := newEstablishedSession(t)
		fc.enqueue(func(c *fakeConn) error {
			return c.cb.ReceiveStreamData(1, nil, true)
		})
		sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
		require.Len(t, env.events.streamsReady, 1)
		require.Equal(t, 1, env.events.streamFins)
	})

	t.Run("new peer streams are refused while closing gracefully", func(t *testing.T) {
		env, sess, fc, _ := newEstablishedSession(t)
		sess.CloseGracefully()
		fc.enqueue(func(c *fakeConn) error {
			return c.cb.ReceiveStreamData(5, []byte("nope"), false)
		})
		sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
		require.Empty(t, env.events.streamsReady)
		require.Equal(t, appErrorCodeClosing, fc.shutdownStreams[StreamID(5)])
	})
}

func TestGracefulCloseWaitsForStreams(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)

	fc.congestionLimited = true
	_, err = st.Write(make([]byte, 4096))
	require.NoError(t, err)

	sess.CloseGracefully()
	// no CONNECTION_CLOSE while a stream is still alive
	require.Equal(t, 0, fc.connCloses)
	require.False(t, sess.isClosing())

	// the stream drains and finalizes
	fc.congestionLimited = false
	require.NoError(t, sess.Ping())
	require.NoError(t, st.End())
	fc.enqueue(func(c *fakeConn) error {
		return c.cb.StreamClosed(st.StreamID(), 0)
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)

	// then the session closes with NO_ERROR
	require.True(t, sess.isClosing())
	require.Equal(t, 1, fc.connCloses)
	require.Len(t, env.events.closes, 1)
	require.Equal(t, uint64(NoError), env.events.closes[0].Code)
	require.Contains(t, env.events.streamCloses, st.StreamID())
}

func TestGracefulCloseWithoutStreams(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	sess.CloseGracefully()
	require.True(t, sess.isClosing())
	require.Equal(t, 1, fc.connCloses)
	require.Len(t, env.events.closes, 1)
}

func TestPing(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	before := env.pc.numWrites()
	require.NoError(t, sess.Ping())
	require.Equal(t, 0, fc.pings) // consumed by the flush
	require.Equal(t, before+1, env.pc.numWrites())
}

func TestUpdateKey(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)

	require.NoError(t, sess.UpdateKey())
	require.Equal(t, 1, fc.keyUpdates)
	require.Equal(t, uint64(1), sess.Stats().KeyUpdateCount)

	// the new secrets are the RFC 9001 next generation of the old pair
	wantRx, wantTx := handshake.NextTrafficSecrets(defaultCryptoState().Hash, testRxSecret, testTxSecret)
	installed := fc.installedSecrets[EncryptionApplication]
	require.Len(t, installed, 4) // handshake pair + updated pair
	require.Equal(t, wantRx, installed[2])
	require.Equal(t, wantTx, installed[3])

	// forbidden while an update is in progress
	require.ErrorIs(t, sess.UpdateKey(), ErrKeyUpdateInProgress)

	// once the transport confirms the update, the next one may start
	fc.enqueue(func(c *fakeConn) error {
		c.cb.KeyUpdateCommitted()
		return nil
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.NoError(t, sess.UpdateKey())
	require.Equal(t, uint64(2), sess.Stats().KeyUpdateCount)

	// a subsequent stream write still succeeds
	st, err := sess.OpenStream(StreamTypeBidi)
	require.NoError(t, err)
	_, err = st.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.False(t, st.hasData())
}

func TestUpdateKeyBeforeHandshake(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()
	sess, _, _, err := env.dial(nil)
	require.NoError(t, err)
	require.Error(t, sess.UpdateKey())
}

func TestCryptoAckConsumption(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()
	sess, fc, _, err := env.dial(nil)
	require.NoError(t, err)

	// the ClientHello (12 bytes) is buffered; acking 5 frees the oldest 5
	require.Equal(t, 12, sess.cryptoBuf.Remaining(EncryptionInitial))
	fc.enqueue(func(c *fakeConn) error {
		return c.cb.AckedCryptoOffset(EncryptionInitial, 5)
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.Equal(t, 7, sess.cryptoBuf.Remaining(EncryptionInitial))
	require.False(t, sess.Stats().HandshakeAckedAt.IsZero())

	// over-acking is a protocol violation and kills the session
	fc.enqueue(func(c *fakeConn) error {
		return c.cb.AckedCryptoOffset(EncryptionInitial, 100)
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.NotNil(t, sess.LastError())
}

func TestPeerMigration(t *testing.T) {
	env, sess, _, _ := newEstablishedSession(t)
	newAddr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 99), Port: 999}
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), newAddr)
	require.Equal(t, newAddr.String(), sess.RemoteAddr().String())
}

func TestIdleTimeout(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()
	sess, _, _, err := env.dial(&ClientConfig{
		Session: &Config{IdleTimeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.events.numSilentCloses() == 1
	}, time.Second, 10*time.Millisecond)
	info := env.events.lastSilentClose()
	require.False(t, info.StatelessReset)
	require.Equal(t, uint64(NoError), info.Code)
	require.Equal(t, ErrorFamilyTransport, sess.LastError().Family)
}

func TestClientRetryCounter(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()
	sess, fc, _, err := env.dial(nil)
	require.NoError(t, err)

	fc.enqueue(func(c *fakeConn) error {
		c.cb.RetryReceived()
		return nil
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.Equal(t, uint64(1), sess.Stats().RetryCount)
}

func TestStatsTimestampsMonotone(t *testing.T) {
	_, sess, _, _ := newEstablishedSession(t)
	stats := sess.Stats()
	require.False(t, stats.CreatedAt.IsZero())
	require.False(t, stats.HandshakeStartAt.Before(stats.CreatedAt))
	require.False(t, stats.HandshakeContinueAt.Before(stats.HandshakeStartAt))
	require.False(t, stats.HandshakeCompleteAt.Before(stats.HandshakeStartAt))
}

func TestRememberedTransportParameters(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)

	// the peer's transport parameters arrive through the TLS extension
	peerParams := exampleClientVisibleParams()
	fc.enqueue(func(c *fakeConn) error {
		crypt := env.provider.lastSession()
		return crypt.cb.ReceivedTransportParameters(peerParams)
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)

	blob := sess.RememberedTransportParameters()
	require.NotEmpty(t, blob)

	// round trip: the blob is a valid EarlyTransportParameters input
	require.NoError(t, validateClientConfig(&ClientConfig{EarlyTransportParameters: blob}))

	// a new session resuming with these parameters accepts identical limits
	sess2, fc2, _, err := env.dial(&ClientConfig{
		EarlyTransportParameters: blob,
		SessionTicket:            []byte("ticket"),
	})
	require.NoError(t, err)
	fc2.enqueue(func(c *fakeConn) error {
		crypt := env.provider.lastSession()
		return crypt.cb.ReceivedTransportParameters(peerParams)
	})
	sess2.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.Nil(t, sess2.LastError())
	require.False(t, sess2.isClosing())
}

func TestReducedLimitsAfter0RTT(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	peerParams := exampleClientVisibleParams()
	fc.enqueue(func(c *fakeConn) error {
		crypt := env.provider.lastSession()
		return crypt.cb.ReceivedTransportParameters(peerParams)
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	blob := sess.RememberedTransportParameters()

	// the server reduces its limits below what 0-RTT data assumed
	reduced := exampleClientVisibleParamsReduced()
	sess2, fc2, _, err := env.dial(&ClientConfig{EarlyTransportParameters: blob})
	require.NoError(t, err)
	fc2.enqueue(func(c *fakeConn) error {
		crypt := env.provider.lastSession()
		return crypt.cb.ReceivedTransportParameters(reduced)
	})
	sess2.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.NotNil(t, sess2.LastError())
	require.Equal(t, uint64(ProtocolViolation), sess2.LastError().Code)
}

func TestKeylogEvent(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	fc.enqueue(func(c *fakeConn) error {
		crypt := env.provider.lastSession()
		crypt.cb.Keylog([]byte("CLIENT_TRAFFIC_SECRET_0 aabb cc"))
		return nil
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)
	require.Len(t, env.events.keylogLines, 1)
}

func TestTicketEvent(t *testing.T) {
	env, sess, fc, _ := newEstablishedSession(t)
	peerParams := exampleClientVisibleParams()
	fc.enqueue(func(c *fakeConn) error {
		crypt := env.provider.lastSession()
		if err := crypt.cb.ReceivedTransportParameters(peerParams); err != nil {
			return err
		}
		crypt.cb.TicketReceived([]byte("session ticket"))
		return nil
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)

	require.Len(t, env.events.tickets, 1)
	ticket := env.events.tickets[0]
	require.Equal(t, []byte("session ticket"), ticket.Ticket)
	require.NotEmpty(t, ticket.TransportParameters)
}

func TestNoSendInsideTransportCallback(t *testing.T) {
	// the listener echoes received data; the echo write must not be
	// serialized while a transport callback is running
	var echoed bool
	env, err := newTestEnv(func(cfg *SocketConfig) {
		cfg.Events = &SessionEvents{
			StreamData: func(st *Stream, data []byte, fin bool) {
				if !echoed {
					echoed = true
					_, _ = st.Write(data)
				}
			},
		}
	})
	require.NoError(t, err)
	defer env.socket.Close()
	sess, fc, crypt, err := env.dial(nil)
	require.NoError(t, err)
	env.completeHandshake(sess, fc, crypt)

	fc.enqueue(func(c *fakeConn) error {
		if err := c.cb.ReceiveStreamData(1, []byte("ping"), false); err != nil {
			return err
		}
		// the echo is queued as an event, not serialized mid-callback
		if len(c.writevCalls) != 0 {
			t.Error("stream serialized while inside a transport callback")
		}
		return nil
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)

	require.True(t, echoed)
	require.Len(t, fc.writevCalls, 1)
	require.Equal(t, StreamID(1), fc.writevCalls[0].id)
	require.Equal(t, 4, fc.writevCalls[0].numBytes)
}
