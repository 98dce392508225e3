package quic

import (
	crand "crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
	"github.com/zys-contribs/quic/metrics"
	"github.com/zys-contribs/quic/qlog"
)

// SocketStats is a snapshot of a socket's counters.
type SocketStats struct {
	SessionsAccepted         uint64
	SessionsRefused          uint64
	AddressValidations       uint64
	RetriesSent              uint64
	StatelessResetsSent      uint64
	VersionNegotiationsSent  uint64
	StatelessResetsReceived  uint64
	PacketsIgnored           uint64
}

// A Socket multiplexes one or more UDP endpoints to sessions. It owns its
// sessions; the CID registry is a weak index into that set. All server
// admission control lives here.
type Socket struct {
	mutex sync.Mutex

	config   *SocketConfig
	driver   Driver
	provider CryptoProvider
	events   *SessionEvents

	sessionConfig *Config
	connIDLen     int
	busyCode      uint64

	endpoints []*endpoint
	registry  *cidRegistry
	admission *serverAdmission
	resetter  *statelessResetter

	sessions map[*Session]struct{}

	listening             bool
	busy                  bool
	gracefulClose         bool
	statelessResetDisabled bool
	closed                bool

	stats SocketStats

	log     *log.Entry
	metrics *metrics.Collector
	qlogW   *qlog.Writer
}

// NewSocket creates a socket from the configuration. Endpoints are added
// with Listen; the socket serves them with Serve.
func NewSocket(cfg *SocketConfig) (*Socket, error) {
	if err := validateSocketConfig(cfg); err != nil {
		return nil, err
	}
	driver := cfg.Driver
	if driver == nil {
		var err error
		driver, err = DriverByName(cfg.DriverName)
		if err != nil {
			return nil, err
		}
	}
	if cfg.TokenKey == (handshake.TokenProtectorKey{}) {
		if _, err := crand.Read(cfg.TokenKey[:]); err != nil {
			return nil, err
		}
	}
	admission, err := newServerAdmission(cfg)
	if err != nil {
		return nil, err
	}
	t := &Socket{
		config:                 cfg,
		driver:                 driver,
		provider:               cfg.CryptoProvider,
		events:                 cfg.Events,
		sessionConfig:          populateConfig(cfg.Session),
		connIDLen:              cfg.ConnectionIDLength,
		busyCode:               cfg.BusyCode,
		registry:               newCIDRegistry(),
		admission:              admission,
		resetter:               newStatelessResetter(cfg.StatelessResetSecret),
		sessions:               make(map[*Session]struct{}),
		statelessResetDisabled: cfg.DisableStatelessReset,
		log:                    log.WithField("component", "quic.socket"),
	}
	if t.connIDLen == 0 {
		t.connIDLen = protocol.DefaultConnectionIDLength
	}
	if t.busyCode == 0 {
		t.busyCode = uint64(ConnectionRefused)
	}
	if cfg.MetricsRegisterer != nil {
		t.metrics = metrics.NewCollector(cfg.MetricsRegisterer)
	}
	if cfg.QlogWriter != nil {
		t.qlogW = qlog.NewWriter(cfg.QlogWriter)
	}
	return t, nil
}

// Listen binds a UDP endpoint and marks the socket as accepting sessions.
func (t *Socket) Listen(address string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		_ = conn.Close()
		return ErrSocketClosed
	}
	t.endpoints = append(t.endpoints, newEndpoint(t, conn))
	t.listening = true
	t.mutex.Unlock()
	t.log.WithField("addr", conn.LocalAddr().String()).Info("listening")
	return nil
}

// AddEndpoint attaches an already-bound packet connection. Used by tests
// and hosts that manage their own sockets.
func (t *Socket) AddEndpoint(conn net.PacketConn) {
	t.mutex.Lock()
	t.endpoints = append(t.endpoints, newEndpoint(t, conn))
	t.listening = true
	t.mutex.Unlock()
}

// Serve runs the read loops of all endpoints and blocks until the socket
// closes or an endpoint fails.
func (t *Socket) Serve() error {
	t.mutex.Lock()
	eps := make([]*endpoint, len(t.endpoints))
	copy(eps, t.endpoints)
	t.mutex.Unlock()

	var g errgroup.Group
	for _, ep := range eps {
		ep := ep
		g.Go(ep.run)
	}
	return g.Wait()
}

// SetDiagnosticPacketLoss drops the given fraction of received (rx) and
// sent (tx) packets on every endpoint. Debugging aid; never enable in
// production.
func (t *Socket) SetDiagnosticPacketLoss(rx, tx float64) {
	t.mutex.Lock()
	for _, ep := range t.endpoints {
		ep.rxLossProbability = rx
		ep.txLossProbability = tx
	}
	t.mutex.Unlock()
}

// SetBusy toggles server-busy mode: while busy, every new session is
// refused with the configured busy code.
func (t *Socket) SetBusy(busy bool) {
	t.mutex.Lock()
	t.busy = busy
	t.mutex.Unlock()
}

// Stats returns a snapshot of the socket's counters.
func (t *Socket) Stats() SocketStats {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	stats := t.stats
	stats.AddressValidations = t.admission.AddressValidations()
	return stats
}

// NumSessions returns the number of active sessions.
func (t *Socket) NumSessions() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.sessions)
}

// CloseGracefully stops accepting new sessions and lets the existing ones
// drain naturally.
func (t *Socket) CloseGracefully() {
	t.mutex.Lock()
	t.gracefulClose = true
	sessions := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mutex.Unlock()
	for _, s := range sessions {
		s.CloseGracefully()
	}
}

// Close destroys every session and closes all endpoints, aggregating
// their errors.
func (t *Socket) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.listening = false
	sessions := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	eps := make([]*endpoint, len(t.endpoints))
	copy(eps, t.endpoints)
	t.mutex.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
	var result *multierror.Error
	for _, ep := range eps {
		if err := ep.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// sendPacket transmits one datagram through the endpoint bound to laddr,
// falling back to the first endpoint.
func (t *Socket) sendPacket(data []byte, raddr, laddr net.Addr) error {
	t.mutex.Lock()
	if len(t.endpoints) == 0 {
		t.mutex.Unlock()
		return ErrSocketClosed
	}
	ep := t.endpoints[0]
	if laddr != nil {
		for _, e := range t.endpoints {
			if e.LocalAddr().String() == laddr.String() {
				ep = e
				break
			}
		}
	}
	t.mutex.Unlock()
	return ep.write(data, raddr)
}

// handlePacket dispatches one received datagram: CID lookup first, then
// server accept / retry / version negotiation / stateless reset handling.
func (t *Socket) handlePacket(ep *endpoint, now time.Time, data []byte, laddr, raddr net.Addr) {
	hdr, err := wire.ParseHeader(data, t.connIDLen)
	if err != nil {
		t.countIgnored()
		return
	}

	if sess, ok := t.registry.Get(hdr.DestConnectionID); ok {
		sess.handlePacket(now, data, laddr, raddr)
		return
	}

	if hdr.IsLongHeader {
		if hdr.IsVersionNegotiation() {
			// an unrouted Version Negotiation packet has nothing to attach to
			t.countIgnored()
			return
		}
		t.handleUnroutedLongHeader(ep, now, hdr, data, laddr, raddr)
		return
	}

	// Unrouted short-header (or VN) packet. It may be a stateless reset
	// aimed at one of our sessions: the token is in the trailing 16 bytes.
	if len(data) >= protocol.MinStatelessResetSize {
		var token StatelessResetToken
		copy(token[:], data[len(data)-protocol.StatelessResetTokenLen:])
		if sess, ok := t.registry.GetByResetToken(token); ok {
			t.mutex.Lock()
			t.stats.StatelessResetsReceived++
			t.mutex.Unlock()
			sess.onStatelessReset()
			return
		}
	}
	t.maybeSendStatelessReset(ep, hdr, data, raddr)
}

func (t *Socket) handleUnroutedLongHeader(ep *endpoint, now time.Time, hdr *wire.Header, data []byte, laddr, raddr net.Addr) {
	t.mutex.Lock()
	listening := t.listening && !t.gracefulClose && !t.closed
	busy := t.busy
	versions := t.sessionConfig.Versions
	t.mutex.Unlock()

	if !protocol.IsSupportedVersion(versions, hdr.Version) {
		// only answer packets large enough to be genuine Initials; a
		// version negotiation reflex on tiny packets is an amplifier
		if len(data) >= protocol.MinInitialPacketSize {
			vn := wire.ComposeVersionNegotiation(hdr.SrcConnectionID, hdr.DestConnectionID, versions)
			if err := ep.write(vn, raddr); err == nil {
				t.mutex.Lock()
				t.stats.VersionNegotiationsSent++
				t.mutex.Unlock()
				t.metrics.VersionNegotiationSent()
			}
		}
		return
	}
	if hdr.Type != wire.PacketTypeInitial {
		// 0-RTT or Handshake for an unknown connection; nothing to attach it to
		t.countIgnored()
		return
	}
	if len(data) < protocol.MinInitialPacketSize {
		t.countIgnored()
		return
	}
	if !listening {
		t.countIgnored()
		return
	}

	if busy {
		t.refuseSession(ep, hdr, raddr, refusalBusy)
		return
	}
	if reason := t.admission.admit(raddr); reason != "" {
		t.refuseSession(ep, hdr, raddr, reason)
		return
	}

	origDestConnID := hdr.DestConnectionID
	var retrySrcConnID ConnectionID
	if t.admission.needsRetry(raddr) {
		token, ok := t.admission.checkToken(hdr.Token, raddr)
		if !ok {
			if len(hdr.Token) > 0 {
				// a token was presented and failed: refuse instead of
				// looping the client through endless retries
				t.refuseSession(ep, hdr, raddr, refusalTokenFailed)
				return
			}
			t.sendRetry(ep, hdr, raddr)
			return
		}
		origDestConnID = token.OriginalDestConnectionID
		retrySrcConnID = token.RetrySrcConnectionID
	}

	t.acceptSession(now, hdr, origDestConnID, retrySrcConnID, data, laddr, raddr)
}

func (t *Socket) sendRetry(ep *endpoint, hdr *wire.Header, raddr net.Addr) {
	retrySrcConnID, err := protocol.GenerateConnectionID(t.connIDLen)
	if err != nil {
		return
	}
	token, err := t.admission.newRetryToken(raddr, hdr.DestConnectionID, retrySrcConnID)
	if err != nil {
		t.log.WithError(err).Error("minting retry token failed")
		return
	}
	pkt, err := t.driver.WriteRetry(hdr.Version, hdr.SrcConnectionID, retrySrcConnID, hdr.DestConnectionID, token)
	if err != nil {
		t.log.WithError(err).Error("composing retry packet failed")
		return
	}
	if err := ep.write(pkt, raddr); err != nil {
		return
	}
	t.mutex.Lock()
	t.stats.RetriesSent++
	t.mutex.Unlock()
	t.metrics.RetrySent()
	t.qlogW.RecordEvent("retry_sent", qlog.Details{"odcid": hdr.DestConnectionID.String()})
}

// refuseSession rejects an Initial with an immediate CONNECTION_CLOSE.
func (t *Socket) refuseSession(ep *endpoint, hdr *wire.Header, raddr net.Addr, reason string) {
	t.mutex.Lock()
	t.stats.SessionsRefused++
	code := t.busyCode
	t.mutex.Unlock()
	t.metrics.SessionRefused(reason)
	t.log.WithFields(log.Fields{"reason": reason, "remote": raddr.String()}).Debug("refusing session")

	if reason == refusalTokenFailed {
		code = uint64(InvalidToken)
	}
	scid, err := protocol.GenerateConnectionID(t.connIDLen)
	if err != nil {
		return
	}
	pkt, err := t.driver.WriteImmediateClose(hdr.Version, hdr.SrcConnectionID, scid, code)
	if err != nil {
		return
	}
	_ = ep.write(pkt, raddr)
}

// acceptSession commits state for a validated Initial and feeds it the
// triggering packet.
func (t *Socket) acceptSession(
	now time.Time,
	hdr *wire.Header,
	origDestConnID, retrySrcConnID ConnectionID,
	data []byte,
	laddr, raddr net.Addr,
) {
	srcConnID, err := protocol.GenerateConnectionID(t.connIDLen)
	if err != nil {
		return
	}
	conf := t.sessionConfig.Clone()
	sess := newSession(t, PerspectiveServer, hdr.Version, conf, nil, origDestConnID, laddr, raddr)
	sess.admittedHost = hostKey(raddr)

	srt := t.resetter.Token(srcConnID)
	params := conf.transportParameters(origDestConnID, srcConnID, retrySrcConnID, &srt, PerspectiveServer)
	paramBlob := params.Marshal(PerspectiveServer)

	cryptoSess, err := t.provider.NewSession(CryptoConfig{
		Perspective:         PerspectiveServer,
		ALPN:                nil,
		TransportParameters: paramBlob,
		Callbacks:           sess.cryptoCallbacks(),
	})
	if err != nil {
		t.log.WithError(err).Error("creating crypto session failed")
		return
	}
	sess.crypto = cryptoSess

	conn, err := t.driver.NewServerConn(ConnConfig{
		Perspective:              PerspectiveServer,
		Version:                  hdr.Version,
		LocalAddr:                laddr,
		RemoteAddr:               raddr,
		DestConnectionID:         hdr.SrcConnectionID,
		SrcConnectionID:          srcConnID,
		OriginalDestConnectionID: origDestConnID,
		RetrySrcConnectionID:     retrySrcConnID,
		TransportParameters:      paramBlob,
		Callbacks:                sess.connCallbacks(),
	})
	if err != nil {
		t.log.WithError(err).Error("creating server connection failed")
		_ = cryptoSess.Close()
		return
	}
	sess.conn = conn

	// the session is reachable both under our chosen source CID and under
	// the client's original destination CID (follow-up Initials use it)
	t.registry.Add(srcConnID, sess)
	t.registry.Add(hdr.DestConnectionID, sess)
	t.registry.AddResetToken(srt, sess)
	sess.registeredCIDs = append(sess.registeredCIDs, srcConnID, hdr.DestConnectionID)
	sess.cidTokens[string(srcConnID)] = srt
	if pa := conf.PreferredAddress; pa != nil {
		t.registry.Add(pa.ConnectionID, sess)
		t.registry.AddResetToken(pa.StatelessResetToken, sess)
		sess.registeredCIDs = append(sess.registeredCIDs, pa.ConnectionID)
		sess.preferredAddrCID = pa.ConnectionID
	}

	t.mutex.Lock()
	t.sessions[sess] = struct{}{}
	t.stats.SessionsAccepted++
	t.mutex.Unlock()
	t.admission.onSessionAdded(raddr)

	sess.start()
	sess.queueEvent(func() {
		if t.events != nil && t.events.SessionReady != nil {
			t.events.SessionReady(sess)
		}
	})
	sess.deliverEvents()

	sess.handlePacket(now, data, laddr, raddr)
}

// removeSession detaches a destroyed session: it drops the owning
// reference, all CID and reset-token index entries, and the per-host
// counter.
func (t *Socket) removeSession(s *Session, cids []ConnectionID) {
	for _, cid := range cids {
		t.registry.Remove(cid)
	}
	t.registry.RemoveSession(s)

	t.mutex.Lock()
	_, owned := t.sessions[s]
	delete(t.sessions, s)
	t.mutex.Unlock()
	if owned {
		t.admission.onSessionRemoved(s.admittedHost)
	}
}

// maybeSendStatelessReset answers an unroutable packet with a stateless
// reset, when the remote might hold connection state we lost.
func (t *Socket) maybeSendStatelessReset(ep *endpoint, hdr *wire.Header, data []byte, raddr net.Addr) {
	t.mutex.Lock()
	disabled := t.statelessResetDisabled || t.closed
	t.mutex.Unlock()
	if disabled || !t.resetter.Enabled() {
		t.countIgnored()
		return
	}
	if len(data) < protocol.MinStatelessResetSize {
		t.countIgnored()
		return
	}
	if !t.admission.allowStatelessReset(raddr) {
		t.countIgnored()
		return
	}

	token := t.resetter.Token(hdr.DestConnectionID)
	// the reset must be shorter than the triggering packet so two
	// endpoints can't bounce resets at each other forever
	size := min(len(data)-1, protocol.MinStatelessResetSize+20)
	pkt := make([]byte, size)
	_, _ = crand.Read(pkt)
	pkt[0] = (pkt[0] & 0x3f) | 0x40
	copy(pkt[len(pkt)-protocol.StatelessResetTokenLen:], token[:])
	if err := ep.write(pkt, raddr); err != nil {
		return
	}
	t.mutex.Lock()
	t.stats.StatelessResetsSent++
	t.mutex.Unlock()
	t.metrics.StatelessResetSent()
	t.log.WithField("remote", raddr.String()).Debug("sent stateless reset")
}

func (t *Socket) countIgnored() {
	t.mutex.Lock()
	t.stats.PacketsIgnored++
	t.mutex.Unlock()
}
