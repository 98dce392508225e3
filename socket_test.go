package quic

import (
	crand "crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
	"github.com/zys-contribs/quic/quicvarint"
)

// composeInitial crafts an Initial packet of the given total size.
func composeInitial(version Version, dest, src ConnectionID, token []byte, size int) []byte {
	b := []byte{0xc0}
	b = append(b, uint8(version>>24), uint8(version>>16), uint8(version>>8), uint8(version))
	b = append(b, uint8(dest.Len()))
	b = append(b, dest.Bytes()...)
	b = append(b, uint8(src.Len()))
	b = append(b, src.Bytes()...)
	b = quicvarint.Append(b, uint64(len(token)))
	b = append(b, token...)
	for len(b) < size {
		b = append(b, 0)
	}
	return b
}

func randomCID(l int) ConnectionID {
	cid, _ := protocol.GenerateConnectionID(l)
	return cid
}

func (env *testEnv) inject(data []byte) {
	env.socket.handlePacket(env.socket.endpoints[0], time.Now(), data, env.pc.LocalAddr(), env.raddr)
}

func TestSocketAcceptsInitial(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()

	dcid, scid := randomCID(8), randomCID(8)
	env.inject(composeInitial(Version1, dcid, scid, nil, 1200))

	require.Equal(t, 1, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().SessionsAccepted)
	require.Len(t, env.events.ready, 1)
	require.Equal(t, PerspectiveServer, env.events.ready[0].Perspective())

	// the session is reachable under the client's destination CID:
	// a follow-up packet routes to it, not into the accept path
	env.inject(composeInitial(Version1, dcid, scid, nil, 1200))
	require.Equal(t, 1, env.socket.NumSessions())
}

func TestSocketIgnoresShortInitial(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()

	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 600))
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, 0, env.pc.numWrites())
}

func TestSocketVersionNegotiation(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()

	dcid, scid := randomCID(8), randomCID(8)
	env.inject(composeInitial(Version(0x42), dcid, scid, nil, 1200))

	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().VersionNegotiationsSent)
	pkt, ok := env.pc.lastWrite()
	require.True(t, ok)
	d, s, versions, err := wire.ParseVersionNegotiationPacket(pkt)
	require.NoError(t, err)
	// connection IDs echoed back swapped
	require.True(t, scid.Equal(d))
	require.True(t, dcid.Equal(s))
	require.Contains(t, versions, protocol.Version1)

	// small packets with unknown versions don't trigger the reflex
	env.inject(composeInitial(Version(0x42), dcid, scid, nil, 100))
	require.Equal(t, uint64(1), env.socket.Stats().VersionNegotiationsSent)
}

func TestSocketRetryFlow(t *testing.T) {
	env, err := newTestEnv(func(cfg *SocketConfig) {
		cfg.ValidateAddress = true
	})
	require.NoError(t, err)
	defer env.socket.Close()

	dcid, scid := randomCID(8), randomCID(8)

	// the first Initial carries no token: the server answers with a Retry
	env.inject(composeInitial(Version1, dcid, scid, nil, 1200))
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().RetriesSent)
	require.Len(t, env.driver.retries, 1)
	token := env.driver.retries[0]

	// the client resubmits with the token: the handshake may proceed
	env.inject(composeInitial(Version1, randomCID(8), scid, token, 1200))
	require.Equal(t, 1, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().AddressValidations)

	// the accepted connection knows the pre-Retry connection IDs
	fc := env.driver.lastConn()
	require.True(t, dcid.Equal(fc.cfg.OriginalDestConnectionID))
	require.Equal(t, 8, fc.cfg.RetrySrcConnectionID.Len())
}

func TestSocketRejectsBadToken(t *testing.T) {
	env, err := newTestEnv(func(cfg *SocketConfig) {
		cfg.ValidateAddress = true
	})
	require.NoError(t, err)
	defer env.socket.Close()

	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), []byte("bogus token"), 1200))
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().SessionsRefused)
	require.Equal(t, []uint64{uint64(InvalidToken)}, env.driver.refused)
}

func TestSocketExpiredRetryToken(t *testing.T) {
	env, err := newTestEnv(func(cfg *SocketConfig) {
		cfg.ValidateAddress = true
		cfg.RetryTokenTimeout = time.Nanosecond
	})
	require.NoError(t, err)
	defer env.socket.Close()

	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	require.Len(t, env.driver.retries, 1)
	token := env.driver.retries[0]
	time.Sleep(time.Millisecond)

	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), token, 1200))
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().SessionsRefused)
}

func TestSocketValidatedAddressLRU(t *testing.T) {
	env, err := newTestEnv(func(cfg *SocketConfig) {
		cfg.ValidateAddress = true
		cfg.ValidatedAddressLRUSize = 16
	})
	require.NoError(t, err)
	defer env.socket.Close()

	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	token := env.driver.retries[0]
	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), token, 1200))
	require.Equal(t, 1, env.socket.NumSessions())

	// the address is remembered: the next connection skips the Retry
	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	require.Equal(t, 2, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().RetriesSent)
}

func TestSocketBusyMode(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()

	env.socket.SetBusy(true)
	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, uint64(1), env.socket.Stats().SessionsRefused)
	require.Equal(t, []uint64{uint64(ConnectionRefused)}, env.driver.refused)

	env.socket.SetBusy(false)
	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	require.Equal(t, 1, env.socket.NumSessions())
}

func TestSocketConnectionCaps(t *testing.T) {
	t.Run("per host", func(t *testing.T) {
		env, err := newTestEnv(func(cfg *SocketConfig) {
			cfg.MaxConnectionsPerHost = 1
		})
		require.NoError(t, err)
		defer env.socket.Close()

		env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
		require.Equal(t, 1, env.socket.NumSessions())

		env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
		require.Equal(t, 1, env.socket.NumSessions())
		require.Equal(t, uint64(1), env.socket.Stats().SessionsRefused)
	})

	t.Run("total", func(t *testing.T) {
		env, err := newTestEnv(func(cfg *SocketConfig) {
			cfg.MaxConnections = 1
		})
		require.NoError(t, err)
		defer env.socket.Close()

		env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
		env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
		require.Equal(t, 1, env.socket.NumSessions())
		require.Equal(t, uint64(1), env.socket.Stats().SessionsRefused)
	})

	t.Run("capacity frees up when a session dies", func(t *testing.T) {
		env, err := newTestEnv(func(cfg *SocketConfig) {
			cfg.MaxConnectionsPerHost = 1
		})
		require.NoError(t, err)
		defer env.socket.Close()

		env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
		require.Equal(t, 1, env.socket.NumSessions())
		env.events.ready[0].Destroy()
		require.Equal(t, 0, env.socket.NumSessions())

		env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
		require.Equal(t, 1, env.socket.NumSessions())
	})
}

func TestSocketRecognizesStatelessReset(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()

	sess, fc, _, err := env.dial(nil)
	require.NoError(t, err)
	var token StatelessResetToken
	copy(token[:], "sixteen byte tok")
	fc.enqueue(func(c *fakeConn) error {
		return c.cb.NewConnectionID(randomCID(8), token)
	})
	sess.handlePacket(time.Now(), []byte{0x40}, env.pc.LocalAddr(), env.raddr)

	// a packet with an unknown CID whose trailing 16 bytes carry the token
	pkt := make([]byte, 64)
	_, _ = crand.Read(pkt)
	pkt[0] = 0x40
	copy(pkt[len(pkt)-16:], token[:])
	env.inject(pkt)

	require.Equal(t, 1, env.events.numSilentCloses())
	require.True(t, env.events.lastSilentClose().StatelessReset)
	require.Equal(t, uint64(1), env.socket.Stats().StatelessResetsReceived)
	require.ErrorIs(t, &StatelessResetError{}, &StatelessResetError{})
}

func TestSocketEmitsStatelessReset(t *testing.T) {
	secret := []byte("0123456789abcdef")
	env, err := newTestEnv(func(cfg *SocketConfig) {
		cfg.StatelessResetSecret = secret
		cfg.MaxStatelessResetsPerHost = 1
	})
	require.NoError(t, err)
	defer env.socket.Close()

	pkt := make([]byte, 100)
	_, _ = crand.Read(pkt)
	pkt[0] = 0x40
	env.inject(pkt)

	require.Equal(t, uint64(1), env.socket.Stats().StatelessResetsSent)
	reset, ok := env.pc.lastWrite()
	require.True(t, ok)
	require.Less(t, len(reset), len(pkt))
	require.Equal(t, byte(0x40), reset[0]&0xc0)

	// the token is derived from the unknown destination CID
	wantToken := newStatelessResetter(secret).Token(ConnectionID(pkt[1 : 1+protocol.DefaultConnectionIDLength]))
	require.Equal(t, wantToken[:], reset[len(reset)-16:])

	// per-host cap: the second reset to the same host is suppressed
	pkt2 := make([]byte, 100)
	_, _ = crand.Read(pkt2)
	pkt2[0] = 0x40
	env.inject(pkt2)
	require.Equal(t, uint64(1), env.socket.Stats().StatelessResetsSent)
}

func TestSocketStatelessResetDisabled(t *testing.T) {
	env, err := newTestEnv(func(cfg *SocketConfig) {
		cfg.DisableStatelessReset = true
	})
	require.NoError(t, err)
	defer env.socket.Close()

	pkt := make([]byte, 100)
	_, _ = crand.Read(pkt)
	pkt[0] = 0x40
	env.inject(pkt)
	require.Equal(t, uint64(0), env.socket.Stats().StatelessResetsSent)
	require.Equal(t, 0, env.pc.numWrites())
}

func TestSocketGracefulClose(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)
	defer env.socket.Close()

	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	require.Equal(t, 1, env.socket.NumSessions())

	env.socket.CloseGracefully()
	// no new sessions
	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	require.Equal(t, 1, env.socket.NumSessions())
}

func TestSocketCloseDestroysSessions(t *testing.T) {
	env, err := newTestEnv(nil)
	require.NoError(t, err)

	env.inject(composeInitial(Version1, randomCID(8), randomCID(8), nil, 1200))
	require.Equal(t, 1, env.socket.NumSessions())

	require.NoError(t, env.socket.Close())
	require.Equal(t, 0, env.socket.NumSessions())
	require.Equal(t, 0, env.socket.registry.NumCIDs())

	// closing twice is fine
	require.NoError(t, env.socket.Close())
}
