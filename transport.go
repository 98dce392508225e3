package quic

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Errors returned by Conn implementations. The session's write loop and
// receive path dispatch on these; any other error from the transport
// library is fatal for the session.
var (
	// ErrPacketNumberExhausted is returned when a packet number space is used up.
	// The session silent-closes: there is no way to tell the peer.
	ErrPacketNumberExhausted = errors.New("packet number space exhausted")
	// ErrStreamDataBlocked is returned from a stream write that is flow-control blocked.
	ErrStreamDataBlocked = errors.New("stream is blocked on flow control")
	// ErrStreamShutWrite is returned from a write on a stream whose write side was shut down.
	ErrStreamShutWrite = errors.New("stream write side is shut down")
	// ErrStreamNotFound is returned for operations on streams the transport library doesn't know.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrDraining is returned from ReadPacket after the peer sent a CONNECTION_CLOSE.
	ErrDraining = errors.New("connection is draining")
	// ErrVersionNegotiation is returned from ReadPacket for a Version Negotiation packet.
	ErrVersionNegotiation = errors.New("received a version negotiation packet")
	// ErrCallbackFailure is returned when a connection callback failed.
	ErrCallbackFailure = errors.New("callback failure")
)

// ConnCallbacks are raised by the transport library while the session is
// inside one of the Conn calls. A nil field is simply not called.
//
// Callbacks must not call back into send-capable session routines; the
// session guards against this with its inside-transport-callback marker.
type ConnCallbacks struct {
	// HandshakeCompleted is raised when the transport confirms handshake completion.
	HandshakeCompleted func() error

	// ReceiveCryptoData delivers peer handshake bytes at the given level.
	ReceiveCryptoData func(level EncryptionLevel, data []byte) error
	// AckedCryptoOffset reports that n more bytes of outbound crypto data
	// at the given level were acknowledged by the peer.
	AckedCryptoOffset func(level EncryptionLevel, n int) error

	// ReceiveStreamData delivers peer stream bytes. A zero-length slice
	// with fin set is a pure FIN.
	ReceiveStreamData func(id StreamID, data []byte, fin bool) error
	// AckedStreamOffset reports that n more bytes of the stream were acknowledged.
	AckedStreamOffset func(id StreamID, n int) error
	// StreamClosed reports that the transport library discarded all state
	// for the stream. The session must forget the stream before returning.
	StreamClosed func(id StreamID, appErrorCode uint64) error
	// StreamReset reports a RESET_STREAM from the peer.
	StreamReset func(id StreamID, finalSize ByteCount, appErrorCode uint64) error

	// NewConnectionID is raised whenever the transport library generates a
	// source connection ID; the session must register it with its socket.
	NewConnectionID func(cid ConnectionID, token StatelessResetToken) error
	// RetireConnectionID is raised when a source connection ID is retired.
	RetireConnectionID func(cid ConnectionID)

	// PathValidated reports the outcome of a path validation.
	PathValidated func(local, remote net.Addr, ok bool)

	// PeerClose is raised when the peer sent a CONNECTION_CLOSE. The
	// session enters the draining period.
	PeerClose func(code uint64, family ErrorFamily, reason string)

	// VersionNegotiation is raised when a Version Negotiation packet was received (client only).
	VersionNegotiation func(requested Version, theirs []Version)

	// RetryReceived is raised when the client processed a valid Retry
	// packet and is about to resend its Initial with the token.
	RetryReceived func()

	// KeyUpdateCommitted is raised when a key update (local or peer
	// initiated) was confirmed by the transport library.
	KeyUpdateCommitted func()

	// Rand fills b with random bytes for path challenge payloads and similar.
	Rand func(b []byte)
}

// ConnConfig carries everything the transport library needs to create a
// connection handle.
type ConnConfig struct {
	Perspective Perspective
	Version     Version

	LocalAddr  net.Addr
	RemoteAddr net.Addr

	DestConnectionID         ConnectionID
	SrcConnectionID          ConnectionID
	OriginalDestConnectionID ConnectionID
	RetrySrcConnectionID     ConnectionID

	// TransportParameters is the marshaled local transport parameter blob,
	// carried in the TLS quic_transport_parameters extension.
	TransportParameters []byte

	Callbacks ConnCallbacks
}

// A Conn is the handle the lower-level QUIC protocol library exposes for a
// single connection. All methods are called from the session's loop only.
type Conn interface {
	// ReadPacket processes a received UDP datagram. It returns ErrDraining
	// once the peer has closed the connection, ErrVersionNegotiation for a
	// Version Negotiation packet, and a fatal error otherwise.
	ReadPacket(now time.Time, data []byte, local, remote net.Addr) error

	// WriteStream serializes at most one packet containing stream data
	// into dst. It consumes a prefix of chunks and reports both the packet
	// length and the number of stream bytes consumed. A zero packet length
	// with a nil error means congestion limited.
	WriteStream(dst []byte, now time.Time, id StreamID, chunks net.Buffers, fin bool) (packetLen, consumed int, err error)

	// WritePackets serializes at most one packet of non-stream frames
	// (acks, control frames, probes) into dst. A zero return with nil
	// error means there is nothing to send.
	WritePackets(dst []byte, now time.Time) (int, error)

	// WriteConnectionClose serializes a CONNECTION_CLOSE packet into dst.
	WriteConnectionClose(dst []byte, now time.Time, code uint64, family ErrorFamily, reason string) (int, error)

	// SubmitCryptoData hands outbound handshake bytes to the transport
	// library. The data must stay untouched until the corresponding
	// AckedCryptoOffset callback frees it.
	SubmitCryptoData(level EncryptionLevel, data []byte) error

	// InstallSecrets installs the traffic secrets for an encryption level.
	InstallSecrets(level EncryptionLevel, rxSecret, txSecret []byte) error
	// InitiateKeyUpdate starts a key update using previously installed
	// application secrets.
	InitiateKeyUpdate(now time.Time) error

	// ShutdownStream schedules RESET_STREAM and STOP_SENDING for the stream.
	ShutdownStream(id StreamID, code uint64) error
	// ShutdownStreamRead schedules STOP_SENDING for the stream.
	ShutdownStreamRead(id StreamID, code uint64) error
	// ShutdownStreamWrite schedules RESET_STREAM for the stream.
	ShutdownStreamWrite(id StreamID, code uint64) error

	// ExtendMaxData extends the connection-level flow control window.
	ExtendMaxData(n ByteCount)
	// ExtendMaxStreamData extends the stream-level flow control window.
	ExtendMaxStreamData(id StreamID, n ByteCount)

	// QueuePing queues a PING frame for the next WritePackets call.
	QueuePing()

	// StartPathValidation starts validating a path to the given remote address.
	StartPathValidation(remote net.Addr) error

	// LossDetectionExpiry returns the next loss-detection timer expiry, or
	// the zero time if the timer is not armed.
	LossDetectionExpiry() time.Time
	// AckDelayExpiry returns the next delayed-ack timer expiry, or the
	// zero time if the timer is not armed.
	AckDelayExpiry() time.Time
	// OnLossDetectionTimeout runs the loss-detection expiry handler.
	OnLossDetectionTimeout(now time.Time) error
	// OnAckDelayTimeout runs the delayed-ack expiry handler.
	OnAckDelayTimeout(now time.Time) error

	// SourceConnectionIDs enumerates the currently active source connection IDs.
	SourceConnectionIDs() []ConnectionID

	// Close releases the transport library's state for this connection.
	Close() error
}

// A Driver is the lower-level QUIC protocol library. It creates
// connection handles and serializes the packets the socket emits without
// per-connection state (Retry).
type Driver interface {
	NewClientConn(ConnConfig) (Conn, error)
	NewServerConn(ConnConfig) (Conn, error)

	// WriteRetry composes a Retry packet, including its integrity tag.
	WriteRetry(version Version, destConnID, srcConnID, origDestConnID ConnectionID, token []byte) ([]byte, error)

	// WriteImmediateClose composes a CONNECTION_CLOSE packet refusing an
	// Initial without committing connection state.
	WriteImmediateClose(version Version, destConnID, srcConnID ConnectionID, code uint64) ([]byte, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes a transport library available by the provided name.
// If RegisterDriver is called twice with the same name or if driver is nil,
// it panics.
func RegisterDriver(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("quic: RegisterDriver driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("quic: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = driver
}

// DriverByName returns a registered transport library.
func DriverByName(name string) (Driver, error) {
	driversMu.RLock()
	driver, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("quic: unknown driver %q (forgotten import?)", name)
	}
	return driver, nil
}

// Drivers returns a sorted list of the names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	list := make([]string, 0, len(drivers))
	for name := range drivers {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}
