package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout indicates no response arrived within the request's bound.
	ErrRequestTimeout = errors.New("gateway request timed out")

	// ErrTransportClosed indicates the upstream socket dropped while requests
	// were outstanding.
	ErrTransportClosed = errors.New("gateway connection closed")

	// ErrMaxRetriesExceeded indicates reconnection gave up after the configured
	// attempt cap. Terminal: no further automatic reconnects occur.
	ErrMaxRetriesExceeded = errors.New("gateway reconnection attempts exhausted")

	// ErrSessionClosed indicates the session was shut down deliberately.
	ErrSessionClosed = errors.New("gateway session closed")

	// ErrNotConnected indicates an operation required an open socket.
	ErrNotConnected = errors.New("not connected to gateway")
)

// HandshakeRejectedError indicates the gateway refused the connect request.
// Terminal until the credential is corrected.
type HandshakeRejectedError struct {
	Message string
}

func (e *HandshakeRejectedError) Error() string {
	if e.Message == "" {
		return "gateway rejected handshake"
	}
	return fmt.Sprintf("gateway rejected handshake: %s", e.Message)
}

// RemoteError carries an explicit failure returned by the gateway. Its message
// is surfaced verbatim to the end user.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "gateway request failed"
	}
	return e.Message
}
