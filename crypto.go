package quic

import (
	"crypto"
	"errors"
)

// HandshakeStatus is the state of the TLS handshake after feeding it data.
type HandshakeStatus int

const (
	// HandshakeInProgress means more handshake data is expected.
	HandshakeInProgress HandshakeStatus = iota
	// HandshakeComplete means the handshake finished.
	HandshakeComplete
	// HandshakeWantClientHello means the handshake is paused until the
	// client-hello callback completes. Not an error.
	HandshakeWantClientHello
	// HandshakeWantX509Lookup means the handshake is paused until the
	// certificate callback completes. Not an error.
	HandshakeWantX509Lookup
)

// ErrHandshakePaused is returned by CryptoSession.Resume when no paused
// callback is pending.
var ErrHandshakePaused = errors.New("handshake is not paused")

// CryptoState is a snapshot of the negotiated TLS parameters.
type CryptoState struct {
	ALPN        string
	CipherSuite string
	Version     string
	ServerName  string

	// Hash is the hash function of the negotiated cipher suite, used to
	// derive the next generation of traffic secrets on key update.
	Hash crypto.Hash

	// Ciphers is the client's offered cipher list (available from the
	// client hello on the server side).
	Ciphers []string

	PeerVerified      bool
	HostnameVerified  bool
	VerifyErrorReason string
	VerifyErrorCode   int
}

// CryptoSessionCallbacks are raised by the TLS provider from within
// ProvideData or Resume.
type CryptoSessionCallbacks struct {
	// WriteCryptoData emits outbound handshake bytes at the provider's
	// current write level.
	WriteCryptoData func(level EncryptionLevel, data []byte) error

	// InstallSecrets delivers the traffic secrets for an encryption level
	// as soon as they are derived.
	InstallSecrets func(level EncryptionLevel, rxSecret, txSecret []byte) error

	// Keylog emits one NSS key log line.
	Keylog func(line []byte)

	// ReceivedTransportParameters delivers the peer's transport parameter
	// blob carried in the TLS extension.
	ReceivedTransportParameters func(data []byte) error

	// TicketReceived delivers a NewSessionTicket (client side).
	TicketReceived func(ticket []byte)
}

// CryptoConfig carries everything the TLS provider needs for one session.
type CryptoConfig struct {
	Perspective Perspective
	ServerName  string
	ALPN        []string

	// TransportParameters is the local transport parameter blob to carry
	// in the quic_transport_parameters extension.
	TransportParameters []byte

	// SessionTicket resumes a previous TLS session (client side).
	SessionTicket []byte

	RequestOCSP bool

	Callbacks CryptoSessionCallbacks
}

// A CryptoSession is the handle the TLS 1.3 provider exposes for a single
// connection's handshake.
type CryptoSession interface {
	// StartHandshake starts the handshake. On the client side this emits
	// the ClientHello through the WriteCryptoData callback; on the server
	// side it is a no-op before the first ProvideData.
	StartHandshake() (HandshakeStatus, error)

	// ProvideData feeds peer handshake bytes into the TLS state machine.
	// Outbound bytes and secrets are delivered through the callbacks
	// before ProvideData returns. The paused statuses are not errors.
	ProvideData(level EncryptionLevel, data []byte) (HandshakeStatus, error)

	// Resume continues a handshake paused on a client-hello or
	// certificate callback.
	Resume() (HandshakeStatus, error)

	// ConnectionState snapshots the negotiated parameters.
	ConnectionState() CryptoState

	// SessionTicket serializes a ticket for session resumption (server
	// issues, client stores).
	SessionTicket() ([]byte, error)

	// OCSPResponse returns the stapled OCSP response, if any.
	OCSPResponse() []byte

	// Close releases the provider's state.
	Close() error
}

// A CryptoProvider creates TLS sessions from a secure context constructed
// by the host.
type CryptoProvider interface {
	NewSession(CryptoConfig) (CryptoSession, error)
}
