package quic

import (
	"fmt"
	"net"
	"time"

	"github.com/zys-contribs/quic/internal/qerr"
	"github.com/zys-contribs/quic/internal/wire"
	"github.com/zys-contribs/quic/qlog"
)

// cryptoCallbacks wires the TLS provider's callbacks into the session.
func (s *Session) cryptoCallbacks() CryptoSessionCallbacks {
	return CryptoSessionCallbacks{
		WriteCryptoData:             s.onCryptoWrite,
		InstallSecrets:              s.onInstallSecrets,
		Keylog:                      s.onKeylog,
		ReceivedTransportParameters: s.onPeerTransportParameters,
		TicketReceived:              s.onTicketReceived,
	}
}

// onCryptoWrite hands outbound handshake bytes from the TLS provider to
// the crypto buffer, which submits a copy to the transport library.
func (s *Session) onCryptoWrite(level EncryptionLevel, data []byte) error {
	return s.cryptoBuf.Write(s.conn, level, data)
}

func (s *Session) onInstallSecrets(level EncryptionLevel, rxSecret, txSecret []byte) error {
	if err := s.conn.InstallSecrets(level, rxSecret, txSecret); err != nil {
		return err
	}
	if level == EncryptionApplication {
		// keep the application-level pair: key updates derive the next
		// generation from it
		s.rxSecret = append([]byte(nil), rxSecret...)
		s.txSecret = append([]byte(nil), txSecret...)
		s.secretHash = s.crypto.ConnectionState().Hash
	}
	return nil
}

func (s *Session) onKeylog(line []byte) {
	buf := make([]byte, len(line))
	copy(buf, line)
	s.queueEvent(func() {
		if s.events != nil && s.events.Keylog != nil {
			s.events.Keylog(s, buf)
		}
	})
}

// onPeerTransportParameters handles the peer's transport parameter blob
// from the TLS extension.
func (s *Session) onPeerTransportParameters(data []byte) error {
	params := &wire.TransportParameters{}
	if err := params.Unmarshal(data, s.perspective.Opposite()); err != nil {
		return &TransportError{ErrorCode: TransportParameterError, ErrorMessage: err.Error()}
	}
	if s.earlyParams != nil && !params.ValidFor0RTT(s.earlyParams) {
		return &TransportError{
			ErrorCode:    ProtocolViolation,
			ErrorMessage: "server sent reduced limits after accepting 0-RTT data",
		}
	}
	s.peerParams = params

	if s.perspective == PerspectiveClient && params.PreferredAddress != nil {
		s.handlePreferredAddressLocked(params.PreferredAddress)
	}
	return nil
}

// handlePreferredAddressLocked applies the configured policy to a
// server-advertised preferred address.
func (s *Session) handlePreferredAddressLocked(pa *wire.PreferredAddress) {
	if s.clientConf == nil || s.clientConf.PreferredAddressPolicy == PreferredAddressIgnore {
		return
	}
	var addr *net.UDPAddr
	switch {
	case len(pa.IPv4) > 0 && !pa.IPv4.IsUnspecified():
		addr = &net.UDPAddr{IP: pa.IPv4, Port: int(pa.IPv4Port)}
	case len(pa.IPv6) > 0 && !pa.IPv6.IsUnspecified():
		addr = &net.UDPAddr{IP: pa.IPv6, Port: int(pa.IPv6Port)}
	default:
		return
	}
	s.pendingPreferredAddr = addr
	if err := s.conn.StartPathValidation(addr); err != nil {
		s.log.WithError(err).Debug("path validation for preferred address failed to start")
		s.pendingPreferredAddr = nil
	}
}

func (s *Session) onTicketReceived(ticket []byte) {
	var tpBlob []byte
	if s.peerParams != nil {
		tpBlob = s.peerParams.MarshalForSessionTicket(nil)
	}
	buf := make([]byte, len(ticket))
	copy(buf, ticket)
	info := &TicketInfo{
		SessionID:           s.originalDestConnID.Bytes(),
		Ticket:              buf,
		TransportParameters: tpBlob,
	}
	s.queueEvent(func() {
		if s.events != nil && s.events.Ticket != nil {
			s.events.Ticket(s, info)
		}
	})
}

// handleHandshakeStatusLocked reacts to the TLS provider pausing the
// handshake. The paused statuses are not errors: the session stays alive,
// its timers keep running, and the handshake resumes when the host
// completes the callback.
func (s *Session) handleHandshakeStatusLocked(status HandshakeStatus) {
	switch status {
	case HandshakeWantClientHello:
		if s.clientHelloCbInFlight {
			return
		}
		s.clientHelloCbInFlight = true
		state := s.crypto.ConnectionState()
		info := &ClientHelloInfo{
			ALPN:       []string{state.ALPN},
			ServerName: state.ServerName,
			Ciphers:    state.Ciphers,
		}
		s.queueEvent(func() {
			if s.events != nil && s.events.ClientHello != nil {
				s.events.ClientHello(s, info)
			} else {
				// nobody listening: resume immediately
				s.CompleteClientHello(nil)
			}
		})
	case HandshakeWantX509Lookup:
		if s.certCbInFlight {
			return
		}
		s.certCbInFlight = true
		servername := s.crypto.ConnectionState().ServerName
		s.queueEvent(func() {
			if s.events != nil && s.events.Cert != nil {
				s.events.Cert(s, servername)
			} else {
				s.CompleteCert(nil)
			}
		})
	}
}

// onHandshakeCompleted verifies the peer's identity, snapshots the
// negotiated parameters, and delivers them to the listener.
func (s *Session) onHandshakeCompleted() error {
	defer s.enterTransportCallback()()
	if s.isDestroyed() || s.handshakeCompleted {
		return nil
	}
	state := s.crypto.ConnectionState()
	if !state.PeerVerified {
		return s.verifyError(state)
	}
	if s.perspective == PerspectiveClient &&
		(s.clientConf == nil || !s.clientConf.SkipHostnameVerification) &&
		!state.HostnameVerified {
		return s.verifyError(state)
	}

	now := time.Now()
	s.handshakeCompleted = true
	s.state = stateEstablished
	s.stats.stamp(&s.stats.HandshakeCompleteAt, now)
	if !s.stats.HandshakeStartAt.IsZero() {
		s.metrics.HandshakeCompleted(s.perspective.String(), now.Sub(s.stats.HandshakeStartAt).Seconds())
	}
	s.log.WithFields(map[string]interface{}{
		"alpn":   state.ALPN,
		"cipher": state.CipherSuite,
	}).Debug("handshake completed")

	info := &HandshakeInfo{
		ServerName:        state.ServerName,
		ALPN:              state.ALPN,
		CipherSuite:       state.CipherSuite,
		Version:           state.Version,
		MaxPacketLength:   s.maxPacketLen(),
		VerifyErrorReason: state.VerifyErrorReason,
		VerifyErrorCode:   state.VerifyErrorCode,
	}
	s.queueEvent(func() {
		if s.events != nil && s.events.Handshake != nil {
			s.events.Handshake(s, info)
		}
	})
	if s.clientConf != nil && s.clientConf.RequestOCSP {
		if resp := s.crypto.OCSPResponse(); len(resp) > 0 {
			s.queueEvent(func() {
				if s.events != nil && s.events.OCSPResponse != nil {
					s.events.OCSPResponse(s, resp)
				}
			})
		}
	}
	s.qlog.RecordEvent("handshake_completed", qlog.Details{
		"alpn":              info.ALPN,
		"cipher":            info.CipherSuite,
		"version":           info.Version,
		"max_packet_length": int64(info.MaxPacketLength),
	})
	return nil
}

func (s *Session) verifyError(state CryptoState) error {
	code := qerr.TransportErrorCode(0x100 | (uint64(state.VerifyErrorCode) & 0xff))
	return &TransportError{
		ErrorCode:    code,
		ErrorMessage: fmt.Sprintf("peer verification failed: %s", state.VerifyErrorReason),
	}
}

