package protocol

import "fmt"

// Version is a version number as int
type Version uint32

// The version numbers, making grepping easier
const (
	// Version1 is RFC 9000
	Version1 Version = 0x1
	// VersionUnknown is a dummy version for packets whose version couldn't be determined
	VersionUnknown Version = 0
)

// SupportedVersions lists the versions that the server supports,
// in descending order of preference
var SupportedVersions = []Version{Version1}

// IsSupportedVersion returns true if the server supports this version
func IsSupportedVersion(supported []Version, v Version) bool {
	for _, t := range supported {
		if t == v {
			return true
		}
	}
	return false
}

func (vn Version) String() string {
	switch vn {
	case VersionUnknown:
		return "unknown"
	case Version1:
		return "v1"
	default:
		return fmt.Sprintf("%#x", uint32(vn))
	}
}
