package quic

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/wire"
)

// PreferredAddressConfig is the preferred address a server advertises in
// its transport parameters.
type PreferredAddressConfig struct {
	IPv4     net.IP
	IPv4Port uint16
	IPv6     net.IP
	IPv6Port uint16

	ConnectionID        ConnectionID
	StatelessResetToken StatelessResetToken
}

// Config contains the transport parameters of a session.
type Config struct {
	// Versions are the QUIC versions offered, in descending order of
	// preference. Defaults to QUIC v1.
	Versions []Version

	// ActiveConnectionIDLimit is the active_connection_id_limit transport
	// parameter. Valid values are 2 through 8.
	ActiveConnectionIDLimit uint64

	MaxStreamDataBidiLocal  ByteCount
	MaxStreamDataBidiRemote ByteCount
	MaxStreamDataUni        ByteCount
	MaxData                 ByteCount

	MaxStreamsBidi uint64
	MaxStreamsUni  uint64

	// IdleTimeout is the time without traffic after which the session
	// silent-closes.
	IdleTimeout time.Duration

	// MaxPacketSize is the max_udp_payload_size transport parameter.
	MaxPacketSize ByteCount

	MaxAckDelay time.Duration

	// PreferredAddress, if set, is advertised by server sessions.
	PreferredAddress *PreferredAddressConfig
}

// Clone clones a Config.
func (c *Config) Clone() *Config {
	copied := *c
	return &copied
}

func populateConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	c := config.Clone()
	if len(c.Versions) == 0 {
		c.Versions = []Version{Version1}
	}
	if c.ActiveConnectionIDLimit == 0 {
		c.ActiveConnectionIDLimit = protocol.DefaultActiveConnectionIDLimit
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = protocol.DefaultIdleTimeout
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = protocol.MaxPacketBufferSize
	}
	if c.MaxAckDelay == 0 {
		c.MaxAckDelay = protocol.DefaultMaxAckDelay
	}
	return c
}

func validateConfig(config *Config) error {
	if config == nil {
		return nil
	}
	if config.ActiveConnectionIDLimit != 0 &&
		(config.ActiveConnectionIDLimit < protocol.MinActiveConnectionIDLimit ||
			config.ActiveConnectionIDLimit > protocol.MaxActiveConnectionIDLimit) {
		return fmt.Errorf("invalid value for Config.ActiveConnectionIDLimit: %d (allowed: %d..%d)",
			config.ActiveConnectionIDLimit, protocol.MinActiveConnectionIDLimit, protocol.MaxActiveConnectionIDLimit)
	}
	if config.MaxStreamsBidi > 1<<60 {
		return errors.New("invalid value for Config.MaxStreamsBidi")
	}
	if config.MaxStreamsUni > 1<<60 {
		return errors.New("invalid value for Config.MaxStreamsUni")
	}
	if pa := config.PreferredAddress; pa != nil {
		if len(pa.ConnectionID) == 0 || len(pa.ConnectionID) > protocol.MaxConnectionIDLen {
			return errors.New("invalid connection ID in Config.PreferredAddress")
		}
	}
	return nil
}

// transportParameters translates the Config into the wire representation.
func (c *Config) transportParameters(
	origDestConnID ConnectionID,
	srcConnID ConnectionID,
	retrySrcConnID ConnectionID,
	statelessResetToken *StatelessResetToken,
	pers Perspective,
) *wire.TransportParameters {
	params := &wire.TransportParameters{
		InitialMaxStreamDataBidiLocal:  c.MaxStreamDataBidiLocal,
		InitialMaxStreamDataBidiRemote: c.MaxStreamDataBidiRemote,
		InitialMaxStreamDataUni:        c.MaxStreamDataUni,
		InitialMaxData:                 c.MaxData,
		MaxBidiStreamNum:               c.MaxStreamsBidi,
		MaxUniStreamNum:                c.MaxStreamsUni,
		MaxIdleTimeout:                 c.IdleTimeout,
		MaxUDPPayloadSize:              c.MaxPacketSize,
		MaxAckDelay:                    c.MaxAckDelay,
		ActiveConnectionIDLimit:        c.ActiveConnectionIDLimit,
		InitialSourceConnectionID:      srcConnID,
	}
	if pers == protocol.PerspectiveServer {
		params.OriginalDestinationConnectionID = origDestConnID
		params.StatelessResetToken = statelessResetToken
		if len(retrySrcConnID) > 0 {
			cid := retrySrcConnID
			params.RetrySourceConnectionID = &cid
		}
		if pa := c.PreferredAddress; pa != nil {
			params.PreferredAddress = &wire.PreferredAddress{
				IPv4:                pa.IPv4,
				IPv4Port:            pa.IPv4Port,
				IPv6:                pa.IPv6,
				IPv6Port:            pa.IPv6Port,
				ConnectionID:        pa.ConnectionID,
				StatelessResetToken: pa.StatelessResetToken,
			}
		}
	}
	return params
}

// SocketConfig configures a Socket.
type SocketConfig struct {
	// Driver is the transport library. Either Driver or DriverName must be set.
	Driver Driver
	// DriverName selects a transport library registered with RegisterDriver.
	DriverName string

	// CryptoProvider creates the TLS sessions.
	CryptoProvider CryptoProvider

	// Events is the listener surface for all sessions of this socket.
	Events *SessionEvents

	// Session holds the transport parameters applied to accepted sessions.
	Session *Config

	// ValidateAddress makes the server validate client addresses with
	// Retry packets before committing session state.
	ValidateAddress bool
	// ValidatedAddressLRUSize remembers up to this many validated remote
	// addresses. Zero disables the LRU: every new connection pays a Retry.
	ValidatedAddressLRUSize int

	// MaxConnections caps the total number of active sessions. Zero means unlimited.
	MaxConnections int
	// MaxConnectionsPerHost caps the active sessions per remote host. Zero means unlimited.
	MaxConnectionsPerHost int
	// MaxStatelessResetsPerHost caps the stateless resets sent to one remote host.
	MaxStatelessResetsPerHost int

	// RetryTokenTimeout is the validity period of a Retry token.
	RetryTokenTimeout time.Duration

	// StatelessResetSecret keys the stateless reset token derivation.
	// It must be exactly 16 bytes.
	StatelessResetSecret []byte
	// DisableStatelessReset stops the socket from emitting stateless resets.
	DisableStatelessReset bool

	// TokenKey keys the Retry and resumption token protector. A zero key
	// is replaced with a random one, which invalidates tokens on restart.
	TokenKey handshake.TokenProtectorKey

	// ConnectionIDLength is the length of locally generated connection IDs.
	ConnectionIDLength int

	// BusyCode is the close code sent when refusing sessions in busy mode
	// or over the connection caps.
	BusyCode uint64

	// QlogWriter, if set, receives one JSON event record per line.
	QlogWriter io.Writer

	// MetricsRegisterer, if set, registers the socket's Prometheus
	// collectors.
	MetricsRegisterer prometheus.Registerer
}

func validateSocketConfig(config *SocketConfig) error {
	if config == nil {
		return errors.New("missing socket configuration")
	}
	if config.Driver == nil && config.DriverName == "" {
		return errors.New("SocketConfig: no transport driver")
	}
	if config.CryptoProvider == nil {
		return errors.New("SocketConfig: no crypto provider")
	}
	if config.StatelessResetSecret != nil && len(config.StatelessResetSecret) != protocol.StatelessResetTokenLen {
		return fmt.Errorf("SocketConfig: stateless reset secret must be exactly %d bytes, got %d",
			protocol.StatelessResetTokenLen, len(config.StatelessResetSecret))
	}
	if config.RetryTokenTimeout < 0 || config.RetryTokenTimeout > protocol.MaxRetryTokenTimeout {
		return fmt.Errorf("SocketConfig: invalid retry token timeout %s", config.RetryTokenTimeout)
	}
	if config.ConnectionIDLength != 0 &&
		(config.ConnectionIDLength < 4 || config.ConnectionIDLength > protocol.MaxConnectionIDLen) {
		return fmt.Errorf("SocketConfig: invalid connection ID length %d", config.ConnectionIDLength)
	}
	return validateConfig(config.Session)
}

// ClientConfig configures a client session created with Socket.Dial.
type ClientConfig struct {
	ServerName string
	ALPN       []string

	// SkipHostnameVerification disables matching the peer certificate
	// against ServerName. Chain trust is still required.
	SkipHostnameVerification bool

	// RequestOCSP requests OCSP stapling.
	RequestOCSP bool

	// DestConnectionID, if set, is used as the initial destination
	// connection ID instead of a random one.
	DestConnectionID ConnectionID

	// SessionTicket resumes a previous TLS session.
	SessionTicket []byte
	// EarlyTransportParameters is the remembered transport parameter blob
	// from a previous session (TicketInfo.TransportParameters). Setting it
	// together with SessionTicket enables 0-RTT.
	EarlyTransportParameters []byte

	PreferredAddressPolicy PreferredAddressPolicy

	// Session overrides the socket's transport parameters for this session.
	Session *Config
}

func validateClientConfig(config *ClientConfig) error {
	if config == nil {
		return nil
	}
	if len(config.DestConnectionID) > 0 &&
		(len(config.DestConnectionID) < protocol.MinConnectionIDLenInitial ||
			len(config.DestConnectionID) > protocol.MaxConnectionIDLen) {
		return fmt.Errorf("ClientConfig: destination connection ID length %d outside %d..%d",
			len(config.DestConnectionID), protocol.MinConnectionIDLenInitial, protocol.MaxConnectionIDLen)
	}
	if len(config.EarlyTransportParameters) > 0 {
		var tp wire.TransportParameters
		if err := tp.UnmarshalFromSessionTicket(config.EarlyTransportParameters); err != nil {
			return fmt.Errorf("ClientConfig: invalid early transport parameters: %w", err)
		}
	}
	return nil
}
