package wire

import (
	"errors"
	"fmt"

	"github.com/zys-contribs/quic/internal/protocol"
	"github.com/zys-contribs/quic/quicvarint"
)

// PacketType is the type of a long-header packet.
type PacketType uint8

const (
	// PacketTypeInitial is an Initial packet
	PacketTypeInitial PacketType = iota
	// PacketTypeZeroRTT is a 0-RTT packet
	PacketTypeZeroRTT
	// PacketTypeHandshake is a Handshake packet
	PacketTypeHandshake
	// PacketTypeRetry is a Retry packet
	PacketTypeRetry
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "Initial"
	case PacketTypeZeroRTT:
		return "0-RTT"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeRetry:
		return "Retry"
	default:
		return fmt.Sprintf("unknown packet type: %d", t)
	}
}

var errUnsupportedVersion = errors.New("unsupported version")

// ErrInvalidPacket is returned when a packet is too mangled to extract a header.
var ErrInvalidPacket = errors.New("invalid packet")

// The Header is the version-independent part a packet needs to expose for
// dispatch: enough to route it to a session, decide on version negotiation,
// and drive server admission. Payload parsing stays with the transport library.
type Header struct {
	IsLongHeader bool
	Type         PacketType
	Version      protocol.Version

	DestConnectionID protocol.ConnectionID
	SrcConnectionID  protocol.ConnectionID

	// Token is only set for Initial packets.
	Token []byte

	// ParsedLen is the number of bytes the header parse consumed.
	ParsedLen int
}

// IsVersionNegotiation says if this is a Version Negotiation packet.
func (h *Header) IsVersionNegotiation() bool {
	return h.IsLongHeader && h.Version == 0
}

// ParseHeader parses the invariant header of a packet.
// For short-header packets, the connection ID length must be known in advance.
func ParseHeader(data []byte, shortHeaderConnIDLen int) (*Header, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPacket
	}
	if data[0]&0x80 == 0 {
		return parseShortHeader(data, shortHeaderConnIDLen)
	}
	return parseLongHeader(data)
}

func parseShortHeader(data []byte, connIDLen int) (*Header, error) {
	if len(data) < 1+connIDLen {
		return nil, ErrInvalidPacket
	}
	return &Header{
		DestConnectionID: protocol.ConnectionID(data[1 : 1+connIDLen]),
		ParsedLen:        1 + connIDLen,
	}, nil
}

func parseLongHeader(data []byte) (*Header, error) {
	if len(data) < 1+4+1 {
		return nil, ErrInvalidPacket
	}
	h := &Header{IsLongHeader: true}
	h.Version = protocol.Version(uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4]))
	b := data[5:]

	destConnIDLen := int(b[0])
	b = b[1:]
	if destConnIDLen > protocol.MaxConnectionIDLen && h.Version != 0 {
		return nil, protocol.ErrInvalidConnectionIDLen
	}
	if len(b) < destConnIDLen+1 {
		return nil, ErrInvalidPacket
	}
	h.DestConnectionID = protocol.ConnectionID(b[:destConnIDLen])
	b = b[destConnIDLen:]

	srcConnIDLen := int(b[0])
	b = b[1:]
	if srcConnIDLen > protocol.MaxConnectionIDLen && h.Version != 0 {
		return nil, protocol.ErrInvalidConnectionIDLen
	}
	if len(b) < srcConnIDLen {
		return nil, ErrInvalidPacket
	}
	h.SrcConnectionID = protocol.ConnectionID(b[:srcConnIDLen])
	b = b[srcConnIDLen:]

	if h.Version == 0 { // Version Negotiation
		h.ParsedLen = len(data) - len(b)
		return h, nil
	}

	switch (data[0] & 0x30) >> 4 {
	case 0x0:
		h.Type = PacketTypeInitial
	case 0x1:
		h.Type = PacketTypeZeroRTT
	case 0x2:
		h.Type = PacketTypeHandshake
	case 0x3:
		h.Type = PacketTypeRetry
	}

	if h.Type == PacketTypeInitial {
		tokenLen, l, err := quicvarint.Parse(b)
		if err != nil {
			return nil, ErrInvalidPacket
		}
		b = b[l:]
		if tokenLen > uint64(len(b)) {
			return nil, ErrInvalidPacket
		}
		h.Token = b[:tokenLen]
		b = b[tokenLen:]
	}

	h.ParsedLen = len(data) - len(b)
	return h, nil
}

// Is0RTTPacket says if the packet is a 0-RTT packet.
// A packet sent with 0-RTT keys has to be handled by the same session that
// handled the Initial, even when it arrives first.
func Is0RTTPacket(b []byte) bool {
	if len(b) < 5 {
		return false
	}
	if b[0]&0x80 == 0 {
		return false
	}
	version := protocol.Version(uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4]))
	if !protocol.IsSupportedVersion(protocol.SupportedVersions, version) {
		return false
	}
	return b[0]>>4&0b11 == 0b01
}
