package quic

import (
	"crypto"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/utils"
	"github.com/zys-contribs/quic/internal/wire"
	"github.com/zys-contribs/quic/metrics"
	"github.com/zys-contribs/quic/qlog"
)

type sessionState uint8

const (
	stateFresh sessionState = iota
	stateHandshaking
	stateEstablished
	stateClosing
	stateDraining
	stateDrained
	stateDestroyed
)

// closingPeriod bounds how long a session lingers in the closing and
// draining states before it is drained and destroyed.
const closingPeriod = 3 * time.Second

// A Session is a single QUIC connection: the state machine between the
// transport library below and the listener surface above.
//
// A session is owned by its Socket; it is created by the socket on
// accepted Initial packets (server) or by Socket.Dial (client), and it
// detaches from the socket when destroyed.
type Session struct {
	// mutex serializes all access to the session. Events are queued under
	// the mutex and delivered after it is released, so event handlers may
	// call back into the session.
	mutex sync.Mutex

	perspective Perspective
	version     Version

	socket *Socket
	conn   Conn
	crypto CryptoSession

	config     *Config
	clientConf *ClientConfig
	events     *SessionEvents
	log        *log.Entry
	metrics    *metrics.Collector
	qlog       *qlog.Writer

	originalDestConnID ConnectionID
	registeredCIDs     []ConnectionID
	cidTokens          map[string]StatelessResetToken
	preferredAddrCID   ConnectionID

	localAddr  net.Addr
	remoteAddr net.Addr

	// admittedHost keys the socket's per-host counter; it stays the
	// admission-time host even if the peer migrates
	admittedHost string

	// preferred address the server advertised, pending path validation
	pendingPreferredAddr net.Addr

	cryptoBuf *cryptoBuffer
	sendBuf   *packetBuffer
	streams   *streamsMap

	rxSecret   []byte
	txSecret   []byte
	secretHash crypto.Hash

	peerParams  *wire.TransportParameters
	earlyParams *wire.TransportParameters

	lastError *ErrorDescriptor

	stats sessionStats

	// lifecycle
	state                   sessionState
	silentClose             bool
	gracefulClosing         bool
	handshakeCompleted      bool
	keyUpdateInProgress     bool
	clientHelloCbInFlight   bool
	certCbInFlight          bool
	insideTransportCallback bool

	connectionCloseBuf []byte

	lastCryptoAckAt time.Time

	idleTimer *utils.Timer
	lossTimer *utils.Timer
	stopRun   chan struct{}

	pendingEvents []func()
}

func newSession(
	socket *Socket,
	pers Perspective,
	version Version,
	conf *Config,
	clientConf *ClientConfig,
	origDestConnID ConnectionID,
	local, remote net.Addr,
) *Session {
	now := time.Now()
	s := &Session{
		perspective:        pers,
		version:            version,
		socket:             socket,
		config:             conf,
		clientConf:         clientConf,
		events:             socket.events,
		metrics:            socket.metrics,
		qlog:               socket.qlogW,
		originalDestConnID: origDestConnID,
		localAddr:          local,
		remoteAddr:         remote,
		cidTokens:          make(map[string]StatelessResetToken),
		cryptoBuf:          newCryptoBuffer(),
		sendBuf:            newPacketBuffer(),
		streams:            newStreamsMap(pers),
		idleTimer:          utils.NewTimer(),
		lossTimer:          utils.NewTimer(),
		stopRun:            make(chan struct{}),
	}
	s.log = socket.log.WithFields(log.Fields{
		"session":     origDestConnID.String(),
		"perspective": pers.String(),
	})
	s.stats.stamp(&s.stats.CreatedAt, now)
	return s
}

// start arms the idle timer and starts the timer loop. It is called by
// the socket once the transport and crypto handles are attached.
func (s *Session) start() {
	s.mutex.Lock()
	s.setIdleTimerLocked(time.Now())
	s.mutex.Unlock()
	go s.run()
	s.metrics.SessionStarted(s.perspective.String())
	s.qlog.RecordEvent("session_started", qlog.Details{
		"odcid":       s.originalDestConnID.String(),
		"perspective": s.perspective.String(),
	})
}

func (s *Session) run() {
	for {
		select {
		case <-s.idleTimer.Chan():
			s.idleTimer.SetRead()
			s.onLifecycleTimer()
		case <-s.lossTimer.Chan():
			s.lossTimer.SetRead()
			s.onRetransmitTimer()
		case <-s.stopRun:
			return
		}
	}
}

// LocalAddr returns the local address.
func (s *Session) LocalAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.localAddr
}

// RemoteAddr returns the current address of the peer. It changes when the
// peer migrates.
func (s *Session) RemoteAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.remoteAddr
}

// Perspective says if this session is the client or the server side.
func (s *Session) Perspective() Perspective { return s.perspective }

// Stats returns a snapshot of the session's statistics record.
func (s *Session) Stats() SessionStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats.SessionStats
}

// LastError returns the session's last error descriptor, if any.
func (s *Session) LastError() *ErrorDescriptor {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.lastError == nil {
		return nil
	}
	desc := *s.lastError
	return &desc
}

// ConnectionState snapshots the negotiated TLS parameters.
func (s *Session) ConnectionState() CryptoState {
	return s.crypto.ConnectionState()
}

// RememberedTransportParameters exports the peer's transport parameters
// in the session-ticket layout, for 0-RTT resumption.
func (s *Session) RememberedTransportParameters() []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.peerParams == nil {
		return nil
	}
	return s.peerParams.MarshalForSessionTicket(nil)
}

func (s *Session) isClosing() bool   { return s.state == stateClosing || s.state == stateDrained }
func (s *Session) isDraining() bool  { return s.state == stateDraining }
func (s *Session) isDestroyed() bool { return s.state == stateDestroyed }

// handlePacket processes one received UDP datagram. It is called from the
// socket's dispatch loop.
func (s *Session) handlePacket(now time.Time, data []byte, local, remote net.Addr) {
	s.mutex.Lock()
	if s.isDestroyed() {
		s.mutex.Unlock()
		return
	}
	if s.isClosing() {
		// Bounded CONNECTION_CLOSE retransmission: every packet arriving
		// during the closing period triggers at most one resend, up to a
		// small cap, to avoid amplifying a spoofed packet flood.
		s.stats.ConnectionCloseAttempts++
		if !s.silentClose &&
			s.stats.ConnectionCloseAttempts <= protocol.MaxConnectionCloseResends &&
			len(s.connectionCloseBuf) > 0 {
			s.transmitLocked(s.connectionCloseBuf)
		}
		s.mutex.Unlock()
		return
	}
	if s.isDraining() {
		s.mutex.Unlock()
		return
	}

	// the peer may migrate with every packet
	s.remoteAddr = remote
	s.localAddr = local
	s.stats.stamp(&s.stats.ReceivedAt, now)
	s.stats.BytesReceived += uint64(len(data))
	s.setIdleTimerLocked(now)

	err := s.conn.ReadPacket(now, data, local, remote)
	switch {
	case err == nil:
		// receive side is processed before the send side
		s.sendPendingLocked(now)
	case errors.Is(err, ErrDraining):
		// the PeerClose callback has moved us to draining
	case errors.Is(err, ErrVersionNegotiation):
		// non-fatal; the VersionNegotiation callback surfaced it
	default:
		s.recordErrorLocked(err)
		s.handleErrorLocked(now, err)
	}
	s.mutex.Unlock()
	s.deliverEvents()
}

// OpenStream opens a new locally initiated stream. For unidirectional
// streams the read side is shut down immediately after creation.
func (s *Session) OpenStream(stype StreamType) (*Stream, error) {
	s.mutex.Lock()
	if s.isDestroyed() || s.isClosing() || s.isDraining() {
		s.mutex.Unlock()
		return nil, ErrSessionClosed
	}
	if s.gracefulClosing {
		s.mutex.Unlock()
		return nil, ErrGracefulClosing
	}
	st := s.streams.openStream(stype, s)
	s.stats.StreamsOut++
	s.stats.StreamsTotal++
	if stype == StreamTypeBidi {
		s.stats.BidiStreams++
	} else {
		s.stats.UniStreams++
		if err := s.conn.ShutdownStreamRead(st.id, 0); err != nil {
			s.streams.remove(st.id)
			s.mutex.Unlock()
			return nil, err
		}
	}
	s.mutex.Unlock()
	return st, nil
}

// ShutdownStream schedules STOP_SENDING and RESET_STREAM for the stream
// and flushes, unless a transport callback is running.
func (s *Session) ShutdownStream(id StreamID, code uint64) error {
	s.mutex.Lock()
	if s.isDestroyed() {
		s.mutex.Unlock()
		return ErrSessionClosed
	}
	if err := s.conn.ShutdownStream(id, code); err != nil {
		s.mutex.Unlock()
		return err
	}
	if st, ok := s.streams.get(id); ok {
		st.writable = false
		st.appErrorCode = &code
	}
	if !s.insideTransportCallback {
		s.sendPendingLocked(time.Now())
	}
	s.mutex.Unlock()
	s.deliverEvents()
	return nil
}

// CloseWithError performs an immediate close: the session transitions to
// closing, a CONNECTION_CLOSE is serialized and kept for retransmission
// during the closing period, and the listener is notified.
func (s *Session) CloseWithError(code uint64, family ErrorFamily) error {
	s.mutex.Lock()
	s.closeImmediateLocked(time.Now(), code, family, "")
	s.mutex.Unlock()
	s.deliverEvents()
	return nil
}

// CloseGracefully stops accepting and opening streams and lets existing
// streams finish; when the last one is gone, the session performs an
// immediate close with NO_ERROR.
func (s *Session) CloseGracefully() {
	s.mutex.Lock()
	if s.isDestroyed() || s.isClosing() || s.isDraining() || s.gracefulClosing {
		s.mutex.Unlock()
		return
	}
	s.gracefulClosing = true
	s.log.Debug("starting graceful close")
	if s.streams.len() == 0 {
		s.closeImmediateLocked(time.Now(), uint64(NoError), ErrorFamilyTransport, "")
	}
	s.mutex.Unlock()
	s.deliverEvents()
}

// Destroy tears the session down. It is idempotent and terminal. If the
// session is not yet closing or draining and no transport callback is
// running, one best-effort CONNECTION_CLOSE is sent first.
func (s *Session) Destroy() {
	s.mutex.Lock()
	if s.isDestroyed() {
		s.mutex.Unlock()
		return
	}
	now := time.Now()
	if !s.insideTransportCallback && !s.isClosing() && !s.isDraining() && s.handshakeCompleted {
		buf := make([]byte, s.maxPacketLen())
		if n, err := s.conn.WriteConnectionClose(buf, now, uint64(NoError), ErrorFamilyTransport, ""); err == nil && n > 0 {
			s.transmitLocked(buf[:n])
		}
	}
	s.destroyLocked(now)
	s.mutex.Unlock()
	s.deliverEvents()
}

// destroyLocked releases every resource on every exit path: timers,
// streams, CID registrations, the transport and crypto handles, and
// finally the socket's owning reference.
func (s *Session) destroyLocked(now time.Time) {
	if s.isDestroyed() {
		return
	}
	s.state = stateDestroyed
	s.stats.stamp(&s.stats.DestroyedAt, now)

	// a session with a non-empty stream table cannot be destroyed:
	// remove the streams first
	s.streams.rangeOrdered(func(st *Stream) bool {
		s.removeStreamLocked(st.id, 0, false)
		return true
	})

	s.idleTimer.Stop()
	s.lossTimer.Stop()
	close(s.stopRun)

	s.sendBuf.Cancel(ErrSessionClosed)

	if leaked := s.cryptoBuf.TotalRemaining(); leaked > 0 {
		s.log.WithField("bytes", leaked).Debug("unacknowledged crypto data at teardown")
	}

	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.crypto != nil {
		_ = s.crypto.Close()
	}

	// detaching from the socket drops the final owning reference; do it
	// outside the mutex, with the queued events
	socket := s.socket
	cids := s.registeredCIDs
	s.registeredCIDs = nil
	s.queueEvent(func() { socket.removeSession(s, cids) })

	s.qlog.RecordEvent("session_destroyed", qlog.Details{"odcid": s.originalDestConnID.String()})
}

// Ping triggers a probe packet and resets the idle and retransmit timers.
func (s *Session) Ping() error {
	s.mutex.Lock()
	if s.insideTransportCallback || s.isDestroyed() || s.isClosing() || s.isDraining() {
		s.mutex.Unlock()
		return ErrSessionClosed
	}
	now := time.Now()
	s.conn.QueuePing()
	s.sendPendingLocked(now)
	s.setIdleTimerLocked(now)
	s.armLossTimerLocked()
	s.mutex.Unlock()
	s.deliverEvents()
	return nil
}

// UpdateKey rotates the application-level traffic secrets and installs
// the next generation of keys. A second update is forbidden while one is
// still in progress.
func (s *Session) UpdateKey() error {
	s.mutex.Lock()
	if s.isDestroyed() || s.isClosing() || s.isDraining() {
		s.mutex.Unlock()
		return ErrSessionClosed
	}
	if !s.handshakeCompleted {
		s.mutex.Unlock()
		return &SessionError{ErrorMessage: "key update before handshake completion"}
	}
	if s.keyUpdateInProgress {
		s.mutex.Unlock()
		return ErrKeyUpdateInProgress
	}
	now := time.Now()
	newRx, newTx := handshake.NextTrafficSecrets(s.secretHash, s.rxSecret, s.txSecret)
	if err := s.conn.InstallSecrets(EncryptionApplication, newRx, newTx); err != nil {
		s.mutex.Unlock()
		return err
	}
	if err := s.conn.InitiateKeyUpdate(now); err != nil {
		s.mutex.Unlock()
		return err
	}
	// the rotation is atomic: both secrets switch together
	s.rxSecret, s.txSecret = newRx, newTx
	s.keyUpdateInProgress = true
	s.stats.KeyUpdateCount++
	s.metrics.KeyUpdate()
	if !s.insideTransportCallback {
		s.sendPendingLocked(now)
	}
	s.mutex.Unlock()
	s.deliverEvents()
	return nil
}

// CompleteClientHello resumes a handshake paused on the ClientHello event.
func (s *Session) CompleteClientHello(err error) {
	s.completePausedCallback(&s.clientHelloCbInFlight, err)
}

// CompleteCert resumes a handshake paused on the Cert event.
func (s *Session) CompleteCert(err error) {
	s.completePausedCallback(&s.certCbInFlight, err)
}

func (s *Session) completePausedCallback(flag *bool, err error) {
	s.mutex.Lock()
	if s.isDestroyed() || !*flag {
		s.mutex.Unlock()
		return
	}
	*flag = false
	now := time.Now()
	if err != nil {
		s.recordErrorLocked(ErrCallbackFailure)
		s.handleErrorLocked(now, ErrCallbackFailure)
		s.mutex.Unlock()
		s.deliverEvents()
		return
	}
	status, rerr := s.crypto.Resume()
	if rerr != nil {
		s.recordErrorLocked(rerr)
		s.handleErrorLocked(now, rerr)
	} else {
		s.handleHandshakeStatusLocked(status)
		s.sendPendingLocked(now)
	}
	s.mutex.Unlock()
	s.deliverEvents()
}

// recordErrorLocked stores the last-error descriptor. It is overwritten
// only by more specific information: a later generic session error never
// clobbers a recorded transport or crypto error.
func (s *Session) recordErrorLocked(err error) {
	desc := qerr.Describe(err)
	if s.lastError != nil && s.lastError.Family != ErrorFamilySession && desc.Family == ErrorFamilySession {
		return
	}
	s.lastError = &desc
}

// handleErrorLocked reacts to a fatal error from the transport library or
// a failed callback.
func (s *Session) handleErrorLocked(now time.Time, err error) {
	switch {
	case errors.Is(err, ErrPacketNumberExhausted):
		// unrecoverable: there is no packet number left to tell the peer
		s.silentCloseLocked(now, uint64(NoError), ErrorFamilyTransport, false)
	case s.lastError != nil:
		s.closeImmediateLocked(now, s.lastError.Code, s.lastError.Family, s.lastError.Reason)
	default:
		s.closeImmediateLocked(now, uint64(InternalError), ErrorFamilySession, err.Error())
	}
}

func (s *Session) closeImmediateLocked(now time.Time, code uint64, family ErrorFamily, reason string) {
	// closing may be entered only once
	if s.isDestroyed() || s.isClosing() || s.isDraining() {
		return
	}
	if s.lastError == nil {
		s.lastError = &ErrorDescriptor{Family: family, Code: code, Reason: reason}
	}
	if !s.handshakeCompleted {
		// The transport library cannot emit a CONNECTION_CLOSE during the
		// handshake. Record the error and tear down silently.
		s.silentCloseLocked(now, code, family, false)
		return
	}
	s.state = stateClosing
	s.stats.stamp(&s.stats.ClosingAt, now)
	s.log.WithFields(log.Fields{"code": code, "family": family.String()}).Debug("closing session")

	buf := make([]byte, s.maxPacketLen())
	n, err := s.conn.WriteConnectionClose(buf, now, code, family, reason)
	if err == nil && n > 0 {
		s.connectionCloseBuf = buf[:n]
		s.stats.ConnectionCloseAttempts++
		s.transmitLocked(s.connectionCloseBuf)
	}

	s.lossTimer.Stop()
	s.idleTimer.Reset(now.Add(closingPeriod))

	info := &CloseInfo{Code: code, Family: family}
	s.queueEvent(func() {
		if s.events != nil && s.events.Close != nil {
			s.events.Close(s, info)
		}
	})
	s.metrics.SessionClosed("close")
	s.qlog.RecordEvent("session_closing", qlog.Details{"code": code, "family": family.String()})
}

// silentCloseLocked tears the session down without emitting a single
// frame. Used for idle timeout, packet-number exhaustion, and received
// stateless resets.
func (s *Session) silentCloseLocked(now time.Time, code uint64, family ErrorFamily, statelessReset bool) {
	if s.isDestroyed() || s.isClosing() || s.isDraining() {
		return
	}
	s.state = stateClosing
	s.silentClose = true
	s.stats.stamp(&s.stats.ClosingAt, now)
	s.log.WithField("stateless_reset", statelessReset).Debug("silent close")

	s.lossTimer.Stop()
	s.idleTimer.Reset(now.Add(closingPeriod))

	info := &CloseInfo{Code: code, Family: family, StatelessReset: statelessReset}
	s.queueEvent(func() {
		if s.events != nil && s.events.SilentClose != nil {
			s.events.SilentClose(s, info)
		}
	})
	s.metrics.SessionClosed("silent")
	s.qlog.RecordEvent("session_silent_close", qlog.Details{
		"code": code, "family": family.String(), "stateless_reset": statelessReset,
	})
}

// enterDrainingLocked is called when the peer sent a CONNECTION_CLOSE.
// While draining, not a single byte leaves the session.
func (s *Session) enterDrainingLocked(now time.Time, code uint64, family ErrorFamily, reason string) {
	if s.isDestroyed() || s.isDraining() {
		return
	}
	s.state = stateDraining
	s.lastError = &ErrorDescriptor{Family: family, Code: code, Reason: reason, Remote: true}
	s.log.WithFields(log.Fields{"code": code, "family": family.String()}).Debug("peer closed connection, draining")

	s.lossTimer.Stop()
	s.idleTimer.Reset(now.Add(closingPeriod))

	info := &CloseInfo{Code: code, Family: family}
	s.queueEvent(func() {
		if s.events != nil && s.events.Close != nil {
			s.events.Close(s, info)
		}
	})
	s.metrics.SessionClosed("drained")
}

// onStatelessReset is called by the socket when a packet carrying this
// session's stateless reset token arrives.
func (s *Session) onStatelessReset() {
	s.mutex.Lock()
	s.recordErrorLocked(&StatelessResetError{})
	s.silentCloseLocked(time.Now(), uint64(NoError), ErrorFamilyTransport, true)
	s.mutex.Unlock()
	s.deliverEvents()
}

// onLifecycleTimer fires for both the idle timeout and the end of the
// closing/draining period.
func (s *Session) onLifecycleTimer() {
	s.mutex.Lock()
	now := time.Now()
	switch {
	case s.isDestroyed():
	case s.state == stateClosing || s.state == stateDraining:
		s.state = stateDrained
		s.destroyLocked(now)
	default:
		s.recordErrorLocked(&IdleTimeoutError{})
		s.silentCloseLocked(now, uint64(NoError), ErrorFamilyTransport, false)
	}
	s.mutex.Unlock()
	s.deliverEvents()
}

// onRetransmitTimer fires the transport library's loss-detection or
// ack-delay expiry handler, whichever applies, and flushes.
func (s *Session) onRetransmitTimer() {
	s.mutex.Lock()
	if s.isDestroyed() || s.isClosing() || s.isDraining() {
		s.mutex.Unlock()
		return
	}
	now := time.Now()
	lossExpiry := s.conn.LossDetectionExpiry()
	ackExpiry := s.conn.AckDelayExpiry()
	var err error
	switch {
	case !lossExpiry.IsZero() && !now.Before(lossExpiry):
		err = s.conn.OnLossDetectionTimeout(now)
		s.stats.LossRetransmitCount++
	case !ackExpiry.IsZero() && !now.Before(ackExpiry):
		err = s.conn.OnAckDelayTimeout(now)
		s.stats.AckDelayRetransmitCount++
	}
	if err != nil {
		s.recordErrorLocked(err)
		s.handleErrorLocked(now, err)
	} else {
		s.sendPendingLocked(now)
	}
	s.mutex.Unlock()
	s.deliverEvents()
}

// setIdleTimerLocked re-arms the idle timer after successful inbound or
// outbound activity.
func (s *Session) setIdleTimerLocked(now time.Time) {
	if s.isClosing() || s.isDraining() || s.isDestroyed() {
		return
	}
	deadline := now.Add(s.config.IdleTimeout)
	if deadline.Sub(now) < protocol.TimerGranularity {
		deadline = now.Add(protocol.TimerGranularity)
	}
	s.idleTimer.Reset(deadline)
}

// armLossTimerLocked re-arms the retransmit timer to the transport
// library's next expiry.
func (s *Session) armLossTimerLocked() {
	if s.isClosing() || s.isDraining() || s.isDestroyed() {
		return
	}
	lossExpiry := s.conn.LossDetectionExpiry()
	ackExpiry := s.conn.AckDelayExpiry()
	deadline := lossExpiry
	if deadline.IsZero() || (!ackExpiry.IsZero() && ackExpiry.Before(deadline)) {
		deadline = ackExpiry
	}
	s.lossTimer.Reset(deadline)
}

// removeStreamLocked removes a stream from the table and queues the close
// notification. The stream leaves the table before the transport library
// is told to discard its state.
func (s *Session) removeStreamLocked(id StreamID, code uint64, notify bool) {
	if _, ok := s.streams.get(id); !ok {
		return
	}
	s.streams.remove(id)
	if notify {
		s.queueEvent(func() {
			if s.events != nil && s.events.StreamClose != nil {
				s.events.StreamClose(s, id, code)
			}
		})
	}
	if s.gracefulClosing && s.streams.len() == 0 && !s.isClosing() && !s.isDraining() {
		s.closeImmediateLocked(time.Now(), uint64(NoError), ErrorFamilyTransport, "")
	}
}

func (s *Session) maxPacketLen() ByteCount {
	if s.config.MaxPacketSize > 0 && s.config.MaxPacketSize < protocol.MaxPacketBufferSize {
		return s.config.MaxPacketSize
	}
	return protocol.MaxPacketBufferSize
}

func (s *Session) queueEvent(f func()) {
	s.pendingEvents = append(s.pendingEvents, f)
}

// deliverEvents drains the event queue outside the mutex. Events for a
// session are delivered strictly in order; handlers may call back into
// the session.
func (s *Session) deliverEvents() {
	for {
		s.mutex.Lock()
		if len(s.pendingEvents) == 0 {
			s.mutex.Unlock()
			return
		}
		evs := s.pendingEvents
		s.pendingEvents = nil
		s.mutex.Unlock()
		for _, f := range evs {
			f()
		}
	}
}
