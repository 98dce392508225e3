package quic

import (
	"crypto"
	_ "crypto/sha256"
	"net"
	"sync"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// fakePacketConn is an in-memory net.PacketConn that records writes.
// Reads block until the conn is closed.
type fakePacketConn struct {
	mutex  sync.Mutex
	local  net.Addr
	writes []fakeWrite
	closed chan struct{}
	once   sync.Once
}

type fakeWrite struct {
	data []byte
	addr net.Addr
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		local:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242},
		closed: make(chan struct{}),
	}
}

func (c *fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	c.mutex.Lock()
	c.writes = append(c.writes, fakeWrite{data: data, addr: addr})
	c.mutex.Unlock()
	return len(p), nil
}

func (c *fakePacketConn) numWrites() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.writes)
}

func (c *fakePacketConn) lastWrite() ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.writes) == 0 {
		return nil, false
	}
	return c.writes[len(c.writes)-1].data, true
}

func (c *fakePacketConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr                { return c.local }
func (c *fakePacketConn) SetDeadline(time.Time) error        { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error    { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error   { return nil }

// writevCall records one WriteStream invocation on the fake conn.
type writevCall struct {
	id       StreamID
	numBytes int
	fin      bool
}

// fakeConn is a scripted transport-library connection. ReadPacket runs
// every queued script, which lets tests raise callback sequences from
// inside the transport call, the way a real library would.
type fakeConn struct {
	cfg ConnConfig
	cb  ConnCallbacks

	scripts []func(*fakeConn) error
	readErr error

	congestionLimited bool
	writeStreamErr    error // returned once by the next WriteStream

	writevCalls      []writevCall
	submittedCrypto  map[EncryptionLevel][][]byte
	installedSecrets map[EncryptionLevel][][]byte // rx, tx appended pairwise
	keyUpdates       int
	pings            int
	shutdownStreams  map[StreamID]uint64
	shutdownReads    map[StreamID]uint64
	shutdownWrites   map[StreamID]uint64
	connCloses       int
	pathValidations  []net.Addr
	closed           bool

	lossExpiry time.Time
	ackExpiry  time.Time
}

func newFakeConn(cfg ConnConfig) *fakeConn {
	return &fakeConn{
		cfg:              cfg,
		cb:               cfg.Callbacks,
		submittedCrypto:  make(map[EncryptionLevel][][]byte),
		installedSecrets: make(map[EncryptionLevel][][]byte),
		shutdownStreams:  make(map[StreamID]uint64),
		shutdownReads:    make(map[StreamID]uint64),
		shutdownWrites:   make(map[StreamID]uint64),
	}
}

// enqueue schedules a script for the next ReadPacket.
func (c *fakeConn) enqueue(f func(*fakeConn) error) { c.scripts = append(c.scripts, f) }

func (c *fakeConn) ReadPacket(now time.Time, data []byte, local, remote net.Addr) error {
	scripts := c.scripts
	c.scripts = nil
	for _, f := range scripts {
		if err := f(c); err != nil {
			return err
		}
	}
	return c.readErr
}

func (c *fakeConn) WriteStream(dst []byte, now time.Time, id StreamID, chunks net.Buffers, fin bool) (int, int, error) {
	if err := c.writeStreamErr; err != nil {
		c.writeStreamErr = nil
		return 0, 0, err
	}
	if c.congestionLimited {
		return 0, 0, nil
	}
	var n int
	for _, chunk := range chunks {
		n += len(chunk)
	}
	const overhead = 28
	if n > len(dst)-overhead {
		n = len(dst) - overhead
		fin = false
	}
	c.writevCalls = append(c.writevCalls, writevCall{id: id, numBytes: n, fin: fin})
	return n + overhead, n, nil
}

func (c *fakeConn) WritePackets(dst []byte, now time.Time) (int, error) {
	if c.pings > 0 {
		c.pings--
		return 32, nil
	}
	return 0, nil
}

func (c *fakeConn) WriteConnectionClose(dst []byte, now time.Time, code uint64, family ErrorFamily, reason string) (int, error) {
	c.connCloses++
	dst[0] = 0x5c
	return 40, nil
}

func (c *fakeConn) SubmitCryptoData(level EncryptionLevel, data []byte) error {
	c.submittedCrypto[level] = append(c.submittedCrypto[level], data)
	return nil
}

func (c *fakeConn) InstallSecrets(level EncryptionLevel, rxSecret, txSecret []byte) error {
	c.installedSecrets[level] = append(c.installedSecrets[level], rxSecret, txSecret)
	return nil
}

func (c *fakeConn) InitiateKeyUpdate(now time.Time) error {
	c.keyUpdates++
	return nil
}

func (c *fakeConn) ShutdownStream(id StreamID, code uint64) error {
	c.shutdownStreams[id] = code
	return nil
}

func (c *fakeConn) ShutdownStreamRead(id StreamID, code uint64) error {
	c.shutdownReads[id] = code
	return nil
}

func (c *fakeConn) ShutdownStreamWrite(id StreamID, code uint64) error {
	c.shutdownWrites[id] = code
	return nil
}

func (c *fakeConn) ExtendMaxData(n ByteCount)                 {}
func (c *fakeConn) ExtendMaxStreamData(id StreamID, n ByteCount) {}
func (c *fakeConn) QueuePing()                                { c.pings++ }

func (c *fakeConn) StartPathValidation(remote net.Addr) error {
	c.pathValidations = append(c.pathValidations, remote)
	return nil
}

func (c *fakeConn) LossDetectionExpiry() time.Time          { return c.lossExpiry }
func (c *fakeConn) AckDelayExpiry() time.Time               { return c.ackExpiry }
func (c *fakeConn) OnLossDetectionTimeout(time.Time) error  { return nil }
func (c *fakeConn) OnAckDelayTimeout(time.Time) error       { return nil }
func (c *fakeConn) SourceConnectionIDs() []ConnectionID     { return []ConnectionID{c.cfg.SrcConnectionID} }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeDriver hands out fakeConns and records socket-level packet requests.
type fakeDriver struct {
	mutex   sync.Mutex
	conns   []*fakeConn
	retries [][]byte // issued retry tokens
	refused []uint64 // immediate-close codes
}

func (d *fakeDriver) NewClientConn(cfg ConnConfig) (Conn, error) { return d.newConn(cfg), nil }
func (d *fakeDriver) NewServerConn(cfg ConnConfig) (Conn, error) { return d.newConn(cfg), nil }

func (d *fakeDriver) newConn(cfg ConnConfig) *fakeConn {
	fc := newFakeConn(cfg)
	d.mutex.Lock()
	d.conns = append(d.conns, fc)
	d.mutex.Unlock()
	return fc
}

func (d *fakeDriver) lastConn() *fakeConn {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDriver) WriteRetry(version Version, destConnID, srcConnID, origDestConnID ConnectionID, token []byte) ([]byte, error) {
	d.mutex.Lock()
	d.retries = append(d.retries, token)
	d.mutex.Unlock()
	return append([]byte{0xf5}, token...), nil
}

func (d *fakeDriver) WriteImmediateClose(version Version, destConnID, srcConnID ConnectionID, code uint64) ([]byte, error) {
	d.mutex.Lock()
	d.refused = append(d.refused, code)
	d.mutex.Unlock()
	return []byte{0xe5, byte(code)}, nil
}

// fakeCrypto is a scripted TLS provider session.
type fakeCrypto struct {
	cfg CryptoConfig
	cb  CryptoSessionCallbacks

	state  CryptoState
	ticket []byte
	ocsp   []byte

	// onProvide, if set, runs inside ProvideData before the status is returned
	onProvide func(fc *fakeCrypto, level EncryptionLevel, data []byte) (HandshakeStatus, error)
	// resumeStatus is returned by Resume
	resumeStatus HandshakeStatus

	started bool
	closed  bool
}

func defaultCryptoState() CryptoState {
	return CryptoState{
		ALPN:             "h3",
		CipherSuite:      "TLS_AES_128_GCM_SHA256",
		Version:          "TLSv1.3",
		ServerName:       "example.org",
		Hash:             crypto.SHA256,
		PeerVerified:     true,
		HostnameVerified: true,
	}
}

func (f *fakeCrypto) StartHandshake() (HandshakeStatus, error) {
	f.started = true
	if err := f.cb.WriteCryptoData(EncryptionInitial, []byte("client hello")); err != nil {
		return HandshakeInProgress, err
	}
	return HandshakeInProgress, nil
}

func (f *fakeCrypto) ProvideData(level EncryptionLevel, data []byte) (HandshakeStatus, error) {
	if f.onProvide != nil {
		return f.onProvide(f, level, data)
	}
	return HandshakeInProgress, nil
}

func (f *fakeCrypto) Resume() (HandshakeStatus, error) { return f.resumeStatus, nil }

func (f *fakeCrypto) ConnectionState() CryptoState { return f.state }

func (f *fakeCrypto) SessionTicket() ([]byte, error) { return f.ticket, nil }

func (f *fakeCrypto) OCSPResponse() []byte { return f.ocsp }

func (f *fakeCrypto) Close() error {
	f.closed = true
	return nil
}

// fakeProvider creates fakeCrypto sessions.
type fakeProvider struct {
	mutex    sync.Mutex
	sessions []*fakeCrypto
}

func (p *fakeProvider) NewSession(cfg CryptoConfig) (CryptoSession, error) {
	fc := &fakeCrypto{cfg: cfg, cb: cfg.Callbacks, state: defaultCryptoState()}
	p.mutex.Lock()
	p.sessions = append(p.sessions, fc)
	p.mutex.Unlock()
	return fc, nil
}

func (p *fakeProvider) lastSession() *fakeCrypto {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// eventRecorder collects listener events for assertions.
type eventRecorder struct {
	mutex sync.Mutex

	ready        []*Session
	handshakes   []*HandshakeInfo
	closes       []*CloseInfo
	silentCloses []*CloseInfo
	tickets      []*TicketInfo
	streamsReady []*Stream
	streamData   [][]byte
	streamFins   int
	streamCloses []StreamID
	keylogLines  [][]byte
}

func (r *eventRecorder) events() *SessionEvents {
	return &SessionEvents{
		SessionReady: func(s *Session) {
			r.mutex.Lock()
			r.ready = append(r.ready, s)
			r.mutex.Unlock()
		},
		Handshake: func(s *Session, info *HandshakeInfo) {
			r.mutex.Lock()
			r.handshakes = append(r.handshakes, info)
			r.mutex.Unlock()
		},
		Close: func(s *Session, info *CloseInfo) {
			r.mutex.Lock()
			r.closes = append(r.closes, info)
			r.mutex.Unlock()
		},
		SilentClose: func(s *Session, info *CloseInfo) {
			r.mutex.Lock()
			r.silentCloses = append(r.silentCloses, info)
			r.mutex.Unlock()
		},
		Ticket: func(s *Session, info *TicketInfo) {
			r.mutex.Lock()
			r.tickets = append(r.tickets, info)
			r.mutex.Unlock()
		},
		StreamReady: func(st *Stream) {
			r.mutex.Lock()
			r.streamsReady = append(r.streamsReady, st)
			r.mutex.Unlock()
		},
		StreamData: func(st *Stream, data []byte, fin bool) {
			r.mutex.Lock()
			r.streamData = append(r.streamData, data)
			if fin {
				r.streamFins++
			}
			r.mutex.Unlock()
		},
		StreamClose: func(s *Session, id StreamID, code uint64) {
			r.mutex.Lock()
			r.streamCloses = append(r.streamCloses, id)
			r.mutex.Unlock()
		},
		Keylog: func(s *Session, line []byte) {
			r.mutex.Lock()
			r.keylogLines = append(r.keylogLines, line)
			r.mutex.Unlock()
		},
	}
}

func (r *eventRecorder) numSilentCloses() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.silentCloses)
}

func (r *eventRecorder) lastSilentClose() *CloseInfo {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.silentCloses) == 0 {
		return nil
	}
	return r.silentCloses[len(r.silentCloses)-1]
}

// testEnv bundles a socket wired to fakes.
type testEnv struct {
	socket   *Socket
	driver   *fakeDriver
	provider *fakeProvider
	events   *eventRecorder
	pc       *fakePacketConn
	raddr    net.Addr
}

func newTestEnv(modify func(*SocketConfig)) (*testEnv, error) {
	env := &testEnv{
		driver:   &fakeDriver{},
		provider: &fakeProvider{},
		events:   &eventRecorder{},
		pc:       newFakePacketConn(),
		raddr:    &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 443},
	}
	secret := []byte("0123456789abcdef")
	cfg := &SocketConfig{
		Driver:               env.driver,
		CryptoProvider:       env.provider,
		Events:               env.events.events(),
		StatelessResetSecret: secret,
	}
	if modify != nil {
		modify(cfg)
	}
	socket, err := NewSocket(cfg)
	if err != nil {
		return nil, err
	}
	socket.AddEndpoint(env.pc)
	env.socket = socket
	return env, nil
}

// dial creates a client session against the fakes.
func (env *testEnv) dial(ccfg *ClientConfig) (*Session, *fakeConn, *fakeCrypto, error) {
	sess, err := env.socket.Dial(env.raddr, ccfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, env.driver.lastConn(), env.provider.lastSession(), nil
}

// exampleClientVisibleParams marshals a server-perspective transport
// parameter blob the way it arrives through the TLS extension.
func exampleClientVisibleParams() []byte {
	return serverParams(1 << 20).Marshal(protocol.PerspectiveServer)
}

// exampleClientVisibleParamsReduced is the same server, now advertising a
// smaller initial_max_data.
func exampleClientVisibleParamsReduced() []byte {
	return serverParams(1 << 10).Marshal(protocol.PerspectiveServer)
}

func serverParams(maxData ByteCount) *wire.TransportParameters {
	return &wire.TransportParameters{
		InitialMaxStreamDataBidiLocal:   1 << 16,
		InitialMaxStreamDataBidiRemote:  1 << 16,
		InitialMaxStreamDataUni:         1 << 16,
		InitialMaxData:                  maxData,
		MaxBidiStreamNum:                100,
		MaxUniStreamNum:                 100,
		MaxIdleTimeout:                  30 * time.Second,
		MaxUDPPayloadSize:               1452,
		ActiveConnectionIDLimit:         4,
		OriginalDestinationConnectionID: ConnectionID{0xca, 0xfe, 0xba, 0xbe},
		InitialSourceConnectionID:       ConnectionID{0xde, 0xad, 0xbe, 0xef},
	}
}

// test traffic secrets installed by completeHandshake
var (
	testRxSecret = []byte("rx secret material, 32 bytes....")
	testTxSecret = []byte("tx secret material, 32 bytes....")
)

// completeHandshake drives a session to the established state through the
// transport callback path: the peer's crypto data arrives, the TLS
// provider installs the application secrets, and the transport confirms
// handshake completion.
func (env *testEnv) completeHandshake(sess *Session, fc *fakeConn, crypt *fakeCrypto) {
	crypt.onProvide = func(f *fakeCrypto, level EncryptionLevel, data []byte) (HandshakeStatus, error) {
		if err := f.cb.InstallSecrets(EncryptionApplication, testRxSecret, testTxSecret); err != nil {
			return HandshakeInProgress, err
		}
		return HandshakeComplete, nil
	}
	fc.enqueue(func(c *fakeConn) error {
		if err := c.cb.ReceiveCryptoData(EncryptionInitial, []byte("server hello")); err != nil {
			return err
		}
		return c.cb.HandshakeCompleted()
	})
	sess.handlePacket(time.Now(), []byte{0x40, 0xde, 0xad}, env.pc.LocalAddr(), env.raddr)
}
