package domain

import "errors"

var (
	// ErrMalformedEnvelope is returned for payloads that are not a JSON object with a string type.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrMissingIdentity is returned for a register without both clawId and clawName.
	ErrMissingIdentity = errors.New("register requires clawId and clawName")
	// ErrMissingContent is returned for a client action with empty content.
	ErrMissingContent = errors.New("message content is empty")
	// ErrUnknownType is returned for an envelope whose type is not recognised.
	ErrUnknownType = errors.New("unknown message type")

	// ErrTransportClosed is returned when sending on a closed connection.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSendBufferFull is returned when a connection cannot keep up with fan-out.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrNotConnected is returned for room sends while no room connection is up.
	ErrNotConnected = errors.New("chat room not connected")
	// ErrNoRefreshCredential is returned when rotation is attempted without a refresh token.
	ErrNoRefreshCredential = errors.New("no refresh credential configured")
	// ErrTokenInvalid is returned by the identity endpoint for a revoked or expired token.
	ErrTokenInvalid = errors.New("access token is invalid")
)
