package protocol

// EncryptionLevel is the encryption level of a crypto stream.
// There is no 0-RTT level: 0-RTT data is protected with application keys,
// and the handshake never writes crypto data at that level.
type EncryptionLevel uint8

const (
	// EncryptionInitial is the Initial encryption level
	EncryptionInitial EncryptionLevel = iota
	// EncryptionHandshake is the Handshake encryption level
	EncryptionHandshake
	// EncryptionApplication is the application data (1-RTT) encryption level
	EncryptionApplication
)

// NumEncryptionLevels is the number of encryption levels carrying crypto data.
const NumEncryptionLevels = 3

func (e EncryptionLevel) String() string {
	switch e {
	case EncryptionInitial:
		return "Initial"
	case EncryptionHandshake:
		return "Handshake"
	case EncryptionApplication:
		return "Application"
	}
	return "unknown"
}
