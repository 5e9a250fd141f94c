// Package protocol defines the envelope format and message vocabulary shared
// by the host (gateway, bridge, preferred controller) and every connected peer.
package protocol

import (
	"encoding/json"
)

// MessageType discriminates an Envelope.
type MessageType string

// Control messages exchanged between the bridge and its peers.
const (
	TypeConnectionRequest                MessageType = "connectionRequest"
	TypeConnectionAccepted               MessageType = "connectionAccepted"
	TypeClientUnload                     MessageType = "clientUnload"
	TypeTransportSwitchRequest           MessageType = "transportSwitchRequest"
	TypeTransportSwitchResponse          MessageType = "transportSwitchResponse"
	TypeGetCurrentTransport              MessageType = "getCurrentTransport"
	TypeGetCurrentTransportResponse      MessageType = "getCurrentTransportResponse"
	TypeCheckPreferredLogic              MessageType = "checkPreferredLogic"
	TypeCheckPreferredLogicResponse      MessageType = "checkPreferredLogicResponse"
	TypeCheckPreferredConnection         MessageType = "checkPreferredConnection"
	TypeCheckPreferredConnectionResponse MessageType = "checkPreferredConnectionResponse"
	TypePlatformUnload                   MessageType = "platformUnload"
)

// Bus messages (RPC and pub/sub) relayed through the gateway.
const (
	TypeSubscribe    MessageType = "subscribe"
	TypeUnsubscribe  MessageType = "unsubscribe"
	TypePublish      MessageType = "publish"
	TypeMessage      MessageType = "message"
	TypeRegister     MessageType = "register"
	TypeUnregister   MessageType = "unregister"
	TypeInvoke       MessageType = "invoke"
	TypeInvokeResult MessageType = "invokeResult"
)

// IsControl reports whether t is handled by the bridge rather than the bus.
func (t MessageType) IsControl() bool {
	switch t {
	case TypeConnectionRequest, TypeConnectionAccepted, TypeClientUnload,
		TypeTransportSwitchRequest, TypeTransportSwitchResponse,
		TypeGetCurrentTransport, TypeGetCurrentTransportResponse,
		TypeCheckPreferredLogic, TypeCheckPreferredLogicResponse,
		TypeCheckPreferredConnection, TypeCheckPreferredConnectionResponse,
		TypePlatformUnload:
		return true
	}
	return false
}

// PeerKind is the clientType announced during the handshake.
type PeerKind string

const (
	PeerInternal  PeerKind = "internal"
	PeerRemote    PeerKind = "remote"
	PeerExtension PeerKind = "extension"
)

// Valid reports whether k is one of the known peer kinds.
func (k PeerKind) Valid() bool {
	switch k {
	case PeerInternal, PeerRemote, PeerExtension:
		return true
	}
	return false
}

// Envelope is the unit carried by every channel. It must not be modified
// after it has been sent.
//
// The handshake messages carry their fields flat on the envelope instead of
// inside args; those fields live in the embedded Handshake.
type Envelope struct {
	Type          MessageType     `json:"type"`
	Args          json.RawMessage `json:"args,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`

	*Handshake
}

// Handshake holds the flat fields of connectionRequest / connectionAccepted.
type Handshake struct {
	ClientID             string   `json:"clientId,omitempty"`
	ClientType           PeerKind `json:"clientType,omitempty"`
	BridgeInstanceID     string   `json:"bridgeInstanceId,omitempty"`
	Port                 string   `json:"port,omitempty"`
	CommunicationID      string   `json:"communicationId,omitempty"`
	IsPreferredActivated bool     `json:"isPreferredActivated,omitempty"`
	ParentWindowID       string   `json:"parentWindowId,omitempty"`
	AppName              string   `json:"appName,omitempty"`
}
