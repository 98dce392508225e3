package qerr

import (
	"fmt"
	"net"
)

// ErrorFamily classifies where an error originated.
type ErrorFamily uint8

const (
	// ErrorFamilyTransport is a QUIC transport-level error.
	ErrorFamilyTransport ErrorFamily = iota
	// ErrorFamilyApplication is an application-level error.
	ErrorFamilyApplication
	// ErrorFamilyCrypto is a TLS error, carrying the alert number.
	ErrorFamilyCrypto
	// ErrorFamilySession is an error internal to the session engine.
	ErrorFamilySession
)

func (f ErrorFamily) String() string {
	switch f {
	case ErrorFamilyTransport:
		return "transport"
	case ErrorFamilyApplication:
		return "application"
	case ErrorFamilyCrypto:
		return "crypto"
	case ErrorFamilySession:
		return "session"
	default:
		return "unknown"
	}
}

// A TransportError is a QUIC transport error.
type TransportError struct {
	Remote       bool
	ErrorCode    TransportErrorCode
	ErrorMessage string
}

var _ error = &TransportError{}

func (e *TransportError) Error() string {
	str := e.ErrorCode.String()
	if e.Remote {
		str += " (remote)"
	} else {
		str += " (local)"
	}
	if len(e.ErrorMessage) == 0 {
		return str
	}
	return str + ": " + e.ErrorMessage
}

func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && e.ErrorCode == t.ErrorCode && e.Remote == t.Remote
}

func (e *TransportError) Family() ErrorFamily {
	if e.ErrorCode.IsCryptoError() {
		return ErrorFamilyCrypto
	}
	return ErrorFamilyTransport
}

func (e *TransportError) Code() uint64 { return uint64(e.ErrorCode) }

// An ApplicationErrorCode is an application-defined error code.
type ApplicationErrorCode uint64

// A StreamErrorCode is an error code used to cancel streams.
type StreamErrorCode uint64

// An ApplicationError is an application-level error, sent in (or received
// from) a CONNECTION_CLOSE frame of type 0x1d.
type ApplicationError struct {
	Remote       bool
	ErrorCode    ApplicationErrorCode
	ErrorMessage string
}

var _ error = &ApplicationError{}

func (e *ApplicationError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	if len(e.ErrorMessage) == 0 {
		return fmt.Sprintf("Application error %#x (%s)", uint64(e.ErrorCode), side)
	}
	return fmt.Sprintf("Application error %#x (%s): %s", uint64(e.ErrorCode), side, e.ErrorMessage)
}

func (e *ApplicationError) Is(target error) bool {
	t, ok := target.(*ApplicationError)
	return ok && e.ErrorCode == t.ErrorCode && e.Remote == t.Remote
}

func (e *ApplicationError) Family() ErrorFamily { return ErrorFamilyApplication }
func (e *ApplicationError) Code() uint64       { return uint64(e.ErrorCode) }

// A SessionError is an error internal to the session engine, not
// attributable to the peer or to the TLS stack.
type SessionError struct {
	ErrorMessage string
}

var _ error = &SessionError{}

func (e *SessionError) Error() string {
	return "session error: " + e.ErrorMessage
}

func (e *SessionError) Family() ErrorFamily { return ErrorFamilySession }
func (e *SessionError) Code() uint64        { return 0 }

// An IdleTimeoutError is raised when the idle timeout expires.
type IdleTimeoutError struct{}

var _ error = &IdleTimeoutError{}

func (e *IdleTimeoutError) Timeout() bool   { return true }
func (e *IdleTimeoutError) Temporary() bool { return false }
func (e *IdleTimeoutError) Error() string   { return "timeout: no recent network activity" }
func (e *IdleTimeoutError) Is(target error) bool {
	_, ok := target.(*IdleTimeoutError)
	return ok
}

// A StatelessResetError is raised when a stateless reset for the session is received.
type StatelessResetError struct{}

var _ net.Error = &StatelessResetError{}

func (e *StatelessResetError) Error() string { return "received a stateless reset" }
func (e *StatelessResetError) Is(target error) bool {
	_, ok := target.(*StatelessResetError)
	return ok
}
func (e *StatelessResetError) Timeout() bool   { return false }
func (e *StatelessResetError) Temporary() bool { return true }

// A VersionNegotiationError is returned when the client received a
// Version Negotiation packet and none of the offered versions is acceptable.
type VersionNegotiationError struct {
	Ours   []uint32
	Theirs []uint32
}

func (e *VersionNegotiationError) Error() string {
	return fmt.Sprintf("no compatible QUIC version found (we support %v, peer offered %v)", e.Ours, e.Theirs)
}

func (e *VersionNegotiationError) Is(target error) bool {
	_, ok := target.(*VersionNegotiationError)
	return ok
}

// ErrorDescriptor is a snapshot of a session's last error: the family it
// belongs to and the code carried on the wire (or the TLS alert for the
// crypto family).
type ErrorDescriptor struct {
	Family ErrorFamily
	Code   uint64
	Reason string
	Remote bool
}

// Describe classifies an error into an ErrorDescriptor.
func Describe(err error) ErrorDescriptor {
	switch e := err.(type) {
	case *TransportError:
		return ErrorDescriptor{Family: e.Family(), Code: e.Code(), Reason: e.ErrorMessage, Remote: e.Remote}
	case *ApplicationError:
		return ErrorDescriptor{Family: ErrorFamilyApplication, Code: e.Code(), Reason: e.ErrorMessage, Remote: e.Remote}
	case *SessionError:
		return ErrorDescriptor{Family: ErrorFamilySession, Reason: e.ErrorMessage}
	case *IdleTimeoutError:
		return ErrorDescriptor{Family: ErrorFamilyTransport, Code: uint64(NoError), Reason: e.Error()}
	case *StatelessResetError:
		return ErrorDescriptor{Family: ErrorFamilyTransport, Code: uint64(NoError), Reason: e.Error(), Remote: true}
	default:
		return ErrorDescriptor{Family: ErrorFamilySession, Reason: err.Error()}
	}
}
