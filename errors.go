package quic

import (
	"errors"

	"github.com/zys-contribs/quic/internal/qerr"
)

type (
	// A TransportError is a QUIC transport-level error.
	TransportError = qerr.TransportError
	// An ApplicationError is an application-level error.
	ApplicationError = qerr.ApplicationError
	// A SessionError is an error internal to the session engine.
	SessionError = qerr.SessionError
	// A VersionNegotiationError is returned when no compatible version was found.
	VersionNegotiationError = qerr.VersionNegotiationError
	// A StatelessResetError is raised when a stateless reset is received.
	StatelessResetError = qerr.StatelessResetError
	// An IdleTimeoutError is raised when the idle timeout expires.
	IdleTimeoutError = qerr.IdleTimeoutError
	// An ErrorDescriptor is the family/code snapshot of a session's last error.
	ErrorDescriptor = qerr.ErrorDescriptor
)

type (
	// A TransportErrorCode is a QUIC transport-level error code.
	TransportErrorCode = qerr.TransportErrorCode
	// An ApplicationErrorCode is an application-defined error code.
	ApplicationErrorCode = qerr.ApplicationErrorCode
	// A StreamErrorCode is an error code used to cancel streams.
	StreamErrorCode = qerr.StreamErrorCode
)

// The QUIC transport error codes.
const (
	NoError                   = qerr.NoError
	InternalError             = qerr.InternalError
	ConnectionRefused         = qerr.ConnectionRefused
	FlowControlError          = qerr.FlowControlError
	StreamLimitError          = qerr.StreamLimitError
	StreamStateError          = qerr.StreamStateError
	FinalSizeError            = qerr.FinalSizeError
	FrameEncodingError        = qerr.FrameEncodingError
	TransportParameterError   = qerr.TransportParameterError
	ConnectionIDLimitError    = qerr.ConnectionIDLimitError
	ProtocolViolation         = qerr.ProtocolViolation
	InvalidToken              = qerr.InvalidToken
	ApplicationErrorErrorCode = qerr.ApplicationErrorErrorCode
	CryptoBufferExceeded      = qerr.CryptoBufferExceeded
	KeyUpdateError            = qerr.KeyUpdateError
	AEADLimitReached          = qerr.AEADLimitReached
	NoViablePathError         = qerr.NoViablePathError
)

// Errors the session surfaces to its callers.
var (
	// ErrSessionClosed is returned for operations on a closing, draining or destroyed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrGracefulClosing is returned when opening a stream on a gracefully closing session.
	ErrGracefulClosing = errors.New("session is closing gracefully")
	// ErrKeyUpdateInProgress is returned when a key update is requested while one is pending.
	ErrKeyUpdateInProgress = errors.New("key update already in progress")
	// ErrServerBusy is the reason new sessions are refused while the socket is in busy mode.
	ErrServerBusy = errors.New("server busy")
	// ErrSocketClosed is returned for operations on a closed socket.
	ErrSocketClosed = errors.New("socket closed")
)
