package quic

import (
	"errors"
	"net"
	"time"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// Dial creates a client session to the given remote address. The socket
// must have at least one endpoint; the session shares it with every other
// session of this socket.
func (t *Socket) Dial(raddr net.Addr, ccfg *ClientConfig) (*Session, error) {
	if err := validateClientConfig(ccfg); err != nil {
		return nil, err
	}
	if ccfg == nil {
		ccfg = &ClientConfig{}
	}
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil, ErrSocketClosed
	}
	if len(t.endpoints) == 0 {
		t.mutex.Unlock()
		return nil, errors.New("socket has no endpoint; call Listen first")
	}
	laddr := t.endpoints[0].LocalAddr()
	t.mutex.Unlock()

	conf := t.sessionConfig
	if ccfg.Session != nil {
		if err := validateConfig(ccfg.Session); err != nil {
			return nil, err
		}
		conf = populateConfig(ccfg.Session)
	} else {
		conf = conf.Clone()
	}

	destConnID := ccfg.DestConnectionID
	if len(destConnID) == 0 {
		var err error
		destConnID, err = protocol.GenerateConnectionID(protocol.MinConnectionIDLenInitial)
		if err != nil {
			return nil, err
		}
	}
	srcConnID, err := protocol.GenerateConnectionID(t.connIDLen)
	if err != nil {
		return nil, err
	}

	sess := newSession(t, PerspectiveClient, conf.Versions[0], conf, ccfg, destConnID, laddr, raddr)
	sess.admittedHost = hostKey(raddr)

	if len(ccfg.EarlyTransportParameters) > 0 {
		early := &wire.TransportParameters{}
		if err := early.UnmarshalFromSessionTicket(ccfg.EarlyTransportParameters); err != nil {
			return nil, err
		}
		sess.earlyParams = early
	}

	params := conf.transportParameters(nil, srcConnID, nil, nil, PerspectiveClient)
	paramBlob := params.Marshal(PerspectiveClient)

	cryptoSess, err := t.provider.NewSession(CryptoConfig{
		Perspective:         PerspectiveClient,
		ServerName:          ccfg.ServerName,
		ALPN:                ccfg.ALPN,
		TransportParameters: paramBlob,
		SessionTicket:       ccfg.SessionTicket,
		RequestOCSP:         ccfg.RequestOCSP,
		Callbacks:           sess.cryptoCallbacks(),
	})
	if err != nil {
		return nil, err
	}
	sess.crypto = cryptoSess

	conn, err := t.driver.NewClientConn(ConnConfig{
		Perspective:         PerspectiveClient,
		Version:             conf.Versions[0],
		LocalAddr:           laddr,
		RemoteAddr:          raddr,
		DestConnectionID:    destConnID,
		SrcConnectionID:     srcConnID,
		TransportParameters: paramBlob,
		Callbacks:           sess.connCallbacks(),
	})
	if err != nil {
		_ = cryptoSess.Close()
		return nil, err
	}
	sess.conn = conn

	t.registry.Add(srcConnID, sess)
	sess.registeredCIDs = append(sess.registeredCIDs, srcConnID)

	t.mutex.Lock()
	t.sessions[sess] = struct{}{}
	t.mutex.Unlock()
	t.admission.onSessionAdded(raddr)

	sess.start()
	sess.queueEvent(func() {
		if t.events != nil && t.events.SessionReady != nil {
			t.events.SessionReady(sess)
		}
	})
	if err := sess.startHandshake(); err != nil {
		sess.Destroy()
		return nil, err
	}
	return sess, nil
}

// startHandshake kicks off the client handshake: the TLS provider emits
// the ClientHello through the crypto buffer, and the first flight is
// flushed.
func (s *Session) startHandshake() error {
	s.mutex.Lock()
	now := time.Now()
	s.state = stateHandshaking
	s.stats.stamp(&s.stats.HandshakeStartAt, now)
	status, err := s.crypto.StartHandshake()
	if err != nil {
		s.mutex.Unlock()
		s.deliverEvents()
		return err
	}
	s.handleHandshakeStatusLocked(status)
	s.sendPendingLocked(now)
	s.mutex.Unlock()
	s.deliverEvents()
	return nil
}
