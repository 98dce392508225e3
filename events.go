package quic

import "net"

// ClientHelloInfo is the payload of the ClientHello event.
type ClientHelloInfo struct {
	ALPN       []string
	ServerName string
	Ciphers    []string
}

// HandshakeInfo is the payload of the Handshake event.
type HandshakeInfo struct {
	ServerName        string
	ALPN              string
	CipherSuite       string
	Version           string
	MaxPacketLength   ByteCount
	VerifyErrorReason string
	VerifyErrorCode   int
}

// PathValidationInfo is the payload of the PathValidation event.
type PathValidationInfo struct {
	Validated bool
	Local     net.Addr
	Remote    net.Addr
}

// VersionNegotiationInfo is the payload of the VersionNegotiation event.
type VersionNegotiationInfo struct {
	Requested Version
	Theirs    []Version
	Ours      []Version
}

// CloseInfo is the payload of the Close and SilentClose events.
type CloseInfo struct {
	Code   uint64
	Family ErrorFamily
	// StatelessReset is set on a SilentClose caused by a stateless reset.
	StatelessReset bool
}

// TicketInfo is the payload of the Ticket event.
type TicketInfo struct {
	SessionID []byte
	Ticket    []byte
	// TransportParameters is the peer's transport parameter blob in the
	// session-ticket layout; feeding it to ClientConfig.EarlyTransportParameters
	// enables 0-RTT on resumption.
	TransportParameters []byte
}

// SessionEvents is the listener surface: the observer the embedding host
// registers to receive session and stream events. Events for one session
// are delivered strictly in order, from the session's loop. A nil field
// is simply not called.
//
// ClientHello and Cert pause the handshake: the session resumes only when
// the host calls CompleteClientHello or CompleteCert, which may happen
// after the event handler returned.
type SessionEvents struct {
	SessionReady func(*Session)

	ClientHello  func(*Session, *ClientHelloInfo)
	Cert         func(*Session, string)
	OCSPResponse func(*Session, []byte)

	Handshake func(*Session, *HandshakeInfo)

	PathValidation     func(*Session, *PathValidationInfo)
	Keylog             func(*Session, []byte)
	VersionNegotiation func(*Session, *VersionNegotiationInfo)

	SilentClose func(*Session, *CloseInfo)
	Close       func(*Session, *CloseInfo)

	Ticket func(*Session, *TicketInfo)

	StreamReady func(*Stream)
	StreamData  func(*Stream, []byte, bool)
	StreamClose func(*Session, StreamID, uint64)
	StreamReset func(*Session, StreamID, uint64, ByteCount)
}
