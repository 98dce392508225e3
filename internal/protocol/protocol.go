package protocol

import "time"

// A ByteCount in QUIC
type ByteCount int64

// MaxByteCount is the maximum value of a ByteCount
const MaxByteCount = ByteCount(1<<62 - 1)

// InvalidByteCount is an invalid byte count
const InvalidByteCount ByteCount = -1

const (
	// MinInitialPacketSize is the minimum size an Initial packet is required to have.
	// Shorter packets are dropped without further processing.
	MinInitialPacketSize = 1200

	// MaxPacketBufferSize is the maximum packet size we use for sending and receiving.
	MaxPacketBufferSize = 1452

	// MinStatelessResetSize is the minimum size of a packet that can carry a stateless reset.
	MinStatelessResetSize = 1 /* first byte */ + 20 /* max CID length */ + 4 /* max packet number */ + 1 /* payload */ + 16 /* token */

	// StatelessResetTokenLen is the length of a stateless reset token.
	StatelessResetTokenLen = 16

	// MaxConnectionCloseResends bounds how often a CONNECTION_CLOSE is resent
	// in response to packets arriving during the closing period.
	MaxConnectionCloseResends = 10

	// DefaultActiveConnectionIDLimit is the default active_connection_id_limit.
	DefaultActiveConnectionIDLimit = 2

	// MinActiveConnectionIDLimit and MaxActiveConnectionIDLimit bound the
	// configurable active_connection_id_limit.
	MinActiveConnectionIDLimit = 2
	MaxActiveConnectionIDLimit = 8
)

const (
	// DefaultIdleTimeout is the default idle timeout.
	DefaultIdleTimeout = 30 * time.Second

	// MinRemoteIdleTimeout is the minimum value that we accept for the remote idle timeout.
	MinRemoteIdleTimeout = 5 * time.Second

	// TimerGranularity is the minimum duration a timer is armed for.
	TimerGranularity = time.Millisecond

	// DefaultRetryTokenTimeout is the default validity period of a Retry token.
	DefaultRetryTokenTimeout = 10 * time.Second

	// MaxRetryTokenTimeout bounds the configurable Retry token validity period.
	MaxRetryTokenTimeout = time.Hour

	// DefaultMaxAckDelay is the default maximum ack delay.
	DefaultMaxAckDelay = 25 * time.Millisecond
)
