package protocol

import (
	"errors"
	"fmt"
)

// Common errors used across the core.
var (
	ErrTransactionTimeout = errors.New("transaction timed out")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrUnknownType        = errors.New("unknown message type")
	ErrClosed             = errors.New("channel closed")
)

// HandshakeError reports a connection request that could not be accepted.
// The candidate never enters the routing map.
type HandshakeError struct {
	ClientID string
	Reason   string
	Err      error
}

func (e *HandshakeError) Error() string {
	msg := "handshake rejected"
	if e.ClientID != "" {
		msg += fmt.Sprintf(" (client %s)", e.ClientID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// PeerRejectedError reports a peer that explicitly declined a request.
type PeerRejectedError struct {
	PeerID string
	Op     string
	Reason string
}

func (e *PeerRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("peer %s rejected %s", e.PeerID, e.Op)
	}
	return fmt.Sprintf("peer %s rejected %s: %s", e.PeerID, e.Op, e.Reason)
}

// TransportUnreachableError reports a failed socket probe of a candidate url.
type TransportUnreachableError struct {
	URL string
	Err error
}

func (e *TransportUnreachableError) Error() string {
	return fmt.Sprintf("transport %s unreachable: %v", e.URL, e.Err)
}

func (e *TransportUnreachableError) Unwrap() error { return e.Err }
