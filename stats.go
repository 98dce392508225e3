package quic

import "time"

// SessionStats is a snapshot of a session's statistics record. Timestamps
// are non-decreasing in the order they are listed.
type SessionStats struct {
	CreatedAt           time.Time
	HandshakeStartAt    time.Time
	HandshakeContinueAt time.Time
	HandshakeCompleteAt time.Time
	HandshakeAckedAt    time.Time
	SentAt              time.Time
	ReceivedAt          time.Time
	ClosingAt           time.Time
	DestroyedAt         time.Time

	BytesReceived uint64
	BytesSent     uint64

	// StreamsIn and StreamsOut count streams by origin; StreamsTotal
	// counts every stream added to the table.
	StreamsIn    uint64
	StreamsOut   uint64
	StreamsTotal uint64
	BidiStreams  uint64
	UniStreams   uint64

	PathValidationSuccess uint64
	PathValidationFailure uint64

	RetryCount     uint64
	KeyUpdateCount uint64

	LossRetransmitCount     uint64
	AckDelayRetransmitCount uint64

	// ConnectionCloseAttempts counts CONNECTION_CLOSE (re)sends during
	// the closing period.
	ConnectionCloseAttempts uint64
}

// sessionStats is the mutable record; the session mutates it under its
// mutex and hands out value copies.
type sessionStats struct {
	SessionStats
}

// stamp records t into *field, keeping timestamps monotone.
func (s *sessionStats) stamp(field *time.Time, t time.Time) {
	if t.After(*field) {
		*field = t
	}
}
