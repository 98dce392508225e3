package wire

import (
	"crypto/rand"

	"github.com/zys-contribs/quic/internal/protocol"
)

// ParseVersionNegotiationPacket parses the list of versions from a Version Negotiation packet.
func ParseVersionNegotiationPacket(b []byte) (dest, src protocol.ConnectionID, _ []protocol.Version, _ error) {
	hdr, err := ParseHeader(b, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	b = b[hdr.ParsedLen:]
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, nil, nil, ErrInvalidPacket
	}
	versions := make([]protocol.Version, 0, len(b)/4)
	for len(b) > 0 {
		versions = append(versions, protocol.Version(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3])))
		b = b[4:]
	}
	return hdr.DestConnectionID, hdr.SrcConnectionID, versions, nil
}

// ComposeVersionNegotiation composes a Version Negotiation packet.
// The connection IDs are echoed back swapped, per RFC 8999.
func ComposeVersionNegotiation(destConnID, srcConnID protocol.ConnectionID, versions []protocol.Version) []byte {
	greasedVersions := make([]protocol.Version, len(versions)+1)
	greasedVersions[0] = generateReservedVersion()
	copy(greasedVersions[1:], versions)

	expectedLen := 1 /* type byte */ + 4 /* version field */ + 1 + destConnID.Len() + 1 + srcConnID.Len() + len(greasedVersions)*4
	b := make([]byte, 1, expectedLen)
	_, _ = rand.Read(b) // ignore the error here; b is not initialized, which is fine
	b[0] |= 0x80
	b = append(b, 0, 0, 0, 0) // version 0
	b = append(b, uint8(destConnID.Len()))
	b = append(b, destConnID.Bytes()...)
	b = append(b, uint8(srcConnID.Len()))
	b = append(b, srcConnID.Bytes()...)
	for _, v := range greasedVersions {
		b = append(b, uint8(v>>24), uint8(v>>16), uint8(v>>8), uint8(v))
	}
	return b
}

// generateReservedVersion generates a reserved version (v & 0x0f0f0f0f == 0x0a0a0a0a),
// greasing the version list so peers don't ossify on it.
func generateReservedVersion() protocol.Version {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return protocol.Version(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3]))&0xf0f0f0f0 | 0x0a0a0a0a
}
