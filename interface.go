// Package quic implements the per-connection state machine that drives a
// QUIC endpoint through handshake, data transport, migration, key update,
// and teardown on top of a shared UDP transport. Packetization, loss
// recovery and packet protection are delegated to a transport library
// (the Driver contract); key derivation is delegated to a TLS 1.3
// provider (the CryptoProvider contract).
package quic

import (
	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/internal/qerr"
)

// A ConnectionID is an opaque QUIC connection ID.
type ConnectionID = protocol.ConnectionID

// A StatelessResetToken is a 16 byte stateless reset token.
type StatelessResetToken = protocol.StatelessResetToken

// A StreamID is the ID of a QUIC stream.
type StreamID = protocol.StreamID

// A StreamType is the type (unidirectional or bidirectional) of a stream.
type StreamType = protocol.StreamType

const (
	// StreamTypeUni is a unidirectional stream.
	StreamTypeUni = protocol.StreamTypeUni
	// StreamTypeBidi is a bidirectional stream.
	StreamTypeBidi = protocol.StreamTypeBidi
)

// An EncryptionLevel is the encryption level of a crypto stream.
type EncryptionLevel = protocol.EncryptionLevel

const (
	// EncryptionInitial is the Initial encryption level.
	EncryptionInitial = protocol.EncryptionInitial
	// EncryptionHandshake is the Handshake encryption level.
	EncryptionHandshake = protocol.EncryptionHandshake
	// EncryptionApplication is the application-data encryption level.
	EncryptionApplication = protocol.EncryptionApplication
)

// A Version is a QUIC version number.
type Version = protocol.Version

// Version1 is QUIC v1 (RFC 9000).
const Version1 = protocol.Version1

// A ByteCount is a count of bytes.
type ByteCount = protocol.ByteCount

// A Perspective says if an endpoint is acting as a server or a client.
type Perspective = protocol.Perspective

const (
	// PerspectiveServer is a server.
	PerspectiveServer = protocol.PerspectiveServer
	// PerspectiveClient is a client.
	PerspectiveClient = protocol.PerspectiveClient
)

// An ErrorFamily classifies where an error originated.
type ErrorFamily = qerr.ErrorFamily

const (
	// ErrorFamilyTransport is a QUIC transport-level error.
	ErrorFamilyTransport = qerr.ErrorFamilyTransport
	// ErrorFamilyApplication is an application-level error.
	ErrorFamilyApplication = qerr.ErrorFamilyApplication
	// ErrorFamilyCrypto is a TLS error.
	ErrorFamilyCrypto = qerr.ErrorFamilyCrypto
	// ErrorFamilySession is an error internal to the session engine.
	ErrorFamilySession = qerr.ErrorFamilySession
)

// A PreferredAddressPolicy says how a client session treats a
// server-advertised preferred address.
type PreferredAddressPolicy uint8

const (
	// PreferredAddressAccept validates and migrates to the preferred address.
	PreferredAddressAccept PreferredAddressPolicy = iota
	// PreferredAddressIgnore ignores the advertised preferred address.
	PreferredAddressIgnore
)
