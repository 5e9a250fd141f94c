package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the decoded, typed form of an Envelope. Every inbound envelope
// is turned into exactly one Message variant by Decode.
type Message interface {
	MessageType() MessageType
}

// ConnectionRequest opens the handshake.
type ConnectionRequest struct {
	ClientID         string
	ClientType       PeerKind
	BridgeInstanceID string
}

// ConnectionAccepted completes the handshake.
type ConnectionAccepted struct {
	Port                 string
	CommunicationID      string
	IsPreferredActivated bool
	ParentWindowID       string
	AppName              string
	ClientID             string
	ClientType           PeerKind
}

// ClientUnload announces a departing peer. Either field identifies it.
type ClientUnload struct {
	ClientID    string `json:"clientId,omitempty"`
	OwnWindowID string `json:"ownWindowId,omitempty"`
}

// TransportSwitchRequest asks a peer to move to another transport.
type TransportSwitchRequest struct {
	TransactionID string
	Settings      SwitchSettings
}

// TransportSwitchResponse acknowledges a TransportSwitchRequest.
type TransportSwitchResponse struct {
	TransactionID string
	Success       bool
	Error         string
}

// GetCurrentTransport asks the host for the authoritative system transport.
type GetCurrentTransport struct {
	TransactionID string
}

// GetCurrentTransportResponse answers GetCurrentTransport.
type GetCurrentTransportResponse struct {
	TransactionID string
	State         TransportState
}

// CheckPreferredLogic asks a peer whether it can follow a transport switch.
type CheckPreferredLogic struct {
	TransactionID string
}

// CheckPreferredLogicResponse answers CheckPreferredLogic.
type CheckPreferredLogicResponse struct {
	TransactionID string
	Success       bool
}

// CheckPreferredConnection asks a peer whether it can reach URL.
type CheckPreferredConnection struct {
	TransactionID string
	URL           string
	Auth          *Auth
}

// CheckPreferredConnectionResponse answers CheckPreferredConnection.
type CheckPreferredConnectionResponse struct {
	TransactionID string
	Success       bool
	Error         string
}

// PlatformUnload tells peers the host is going away.
type PlatformUnload struct{}

// Subscribe registers interest in a named topic.
type Subscribe struct {
	Topic string `json:"topic"`
}

// Unsubscribe drops interest in a named topic.
type Unsubscribe struct {
	Topic string `json:"topic"`
}

// Publish sends Data to every subscriber of Topic.
type Publish struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"-"`
}

// Delivery is a published message as seen by a subscriber.
type Delivery struct {
	Topic string          `json:"topic"`
	From  string          `json:"from,omitempty"`
	Data  json.RawMessage `json:"-"`
}

// Register announces that the sender serves Method.
type Register struct {
	Method string `json:"method"`
}

// Unregister withdraws a method registration.
type Unregister struct {
	Method string `json:"method"`
}

// Invoke calls Method. Caller is filled in by the bus when relaying.
type Invoke struct {
	TransactionID string          `json:"-"`
	Method        string          `json:"method"`
	Caller        string          `json:"caller,omitempty"`
	Data          json.RawMessage `json:"-"`
}

// InvokeResult answers an Invoke.
type InvokeResult struct {
	TransactionID string          `json:"-"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	Data          json.RawMessage `json:"-"`
}

func (ConnectionRequest) MessageType() MessageType           { return TypeConnectionRequest }
func (ConnectionAccepted) MessageType() MessageType          { return TypeConnectionAccepted }
func (ClientUnload) MessageType() MessageType                { return TypeClientUnload }
func (TransportSwitchRequest) MessageType() MessageType      { return TypeTransportSwitchRequest }
func (TransportSwitchResponse) MessageType() MessageType     { return TypeTransportSwitchResponse }
func (GetCurrentTransport) MessageType() MessageType         { return TypeGetCurrentTransport }
func (GetCurrentTransportResponse) MessageType() MessageType { return TypeGetCurrentTransportResponse }
func (CheckPreferredLogic) MessageType() MessageType         { return TypeCheckPreferredLogic }
func (CheckPreferredLogicResponse) MessageType() MessageType { return TypeCheckPreferredLogicResponse }
func (CheckPreferredConnection) MessageType() MessageType    { return TypeCheckPreferredConnection }
func (CheckPreferredConnectionResponse) MessageType() MessageType {
	return TypeCheckPreferredConnectionResponse
}
func (PlatformUnload) MessageType() MessageType { return TypePlatformUnload }
func (Subscribe) MessageType() MessageType      { return TypeSubscribe }
func (Unsubscribe) MessageType() MessageType    { return TypeUnsubscribe }
func (Publish) MessageType() MessageType        { return TypePublish }
func (Delivery) MessageType() MessageType       { return TypeMessage }
func (Register) MessageType() MessageType       { return TypeRegister }
func (Unregister) MessageType() MessageType     { return TypeUnregister }
func (Invoke) MessageType() MessageType         { return TypeInvoke }
func (InvokeResult) MessageType() MessageType   { return TypeInvokeResult }

// Wire shapes of the args objects.
type (
	switchArgs struct {
		SwitchSettings *SwitchSettings `json:"switchSettings"`
	}
	successArgs struct {
		Success *bool  `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	stateArgs struct {
		TransportState *TransportState `json:"transportState"`
	}
	urlArgs struct {
		URL  string `json:"url"`
		Auth *Auth  `json:"auth,omitempty"`
	}
)

// Encode converts a typed message into an envelope ready to send.
func Encode(m Message) (*Envelope, error) {
	env := &Envelope{Type: m.MessageType()}
	var args any

	switch v := m.(type) {
	case ConnectionRequest:
		env.Handshake = &Handshake{
			ClientID:         v.ClientID,
			ClientType:       v.ClientType,
			BridgeInstanceID: v.BridgeInstanceID,
		}
	case ConnectionAccepted:
		env.Handshake = &Handshake{
			Port:                 v.Port,
			CommunicationID:      v.CommunicationID,
			IsPreferredActivated: v.IsPreferredActivated,
			ParentWindowID:       v.ParentWindowID,
			AppName:              v.AppName,
			ClientID:             v.ClientID,
			ClientType:           v.ClientType,
		}
	case ClientUnload:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Data = data
	case TransportSwitchRequest:
		env.TransactionID = v.TransactionID
		args = switchArgs{SwitchSettings: &v.Settings}
	case TransportSwitchResponse:
		env.TransactionID = v.TransactionID
		args = successArgs{Success: &v.Success, Error: v.Error}
	case GetCurrentTransport:
		env.TransactionID = v.TransactionID
	case GetCurrentTransportResponse:
		env.TransactionID = v.TransactionID
		args = stateArgs{TransportState: &v.State}
	case CheckPreferredLogic:
		env.TransactionID = v.TransactionID
	case CheckPreferredLogicResponse:
		env.TransactionID = v.TransactionID
		args = successArgs{Success: &v.Success}
	case CheckPreferredConnection:
		env.TransactionID = v.TransactionID
		args = urlArgs{URL: v.URL, Auth: v.Auth}
	case CheckPreferredConnectionResponse:
		env.TransactionID = v.TransactionID
		args = successArgs{Success: &v.Success, Error: v.Error}
	case PlatformUnload:
	case Subscribe, Unsubscribe, Register, Unregister:
		args = v
	case Publish:
		args, env.Data = v, v.Data
	case Delivery:
		args, env.Data = v, v.Data
	case Invoke:
		env.TransactionID = v.TransactionID
		args, env.Data = v, v.Data
	case InvokeResult:
		env.TransactionID = v.TransactionID
		args, env.Data = v, v.Data
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", env.Type, err)
		}
		env.Args = raw
	}
	return env, nil
}

// MustEncode is Encode for messages built from known-good values.
func MustEncode(m Message) *Envelope {
	env, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode discriminates env on its type and parses it into the matching
// Message variant. Unknown types and missing required fields are errors.
func Decode(env *Envelope) (Message, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}

	switch env.Type {
	case TypeConnectionRequest:
		h := env.Handshake
		if h == nil || h.ClientID == "" {
			return nil, fmt.Errorf("%s: missing clientId", env.Type)
		}
		return ConnectionRequest{
			ClientID:         h.ClientID,
			ClientType:       h.ClientType,
			BridgeInstanceID: h.BridgeInstanceID,
		}, nil

	case TypeConnectionAccepted:
		h := env.Handshake
		if h == nil || h.CommunicationID == "" {
			return nil, fmt.Errorf("%s: missing communicationId", env.Type)
		}
		return ConnectionAccepted{
			Port:                 h.Port,
			CommunicationID:      h.CommunicationID,
			IsPreferredActivated: h.IsPreferredActivated,
			ParentWindowID:       h.ParentWindowID,
			AppName:              h.AppName,
			ClientID:             h.ClientID,
			ClientType:           h.ClientType,
		}, nil

	case TypeClientUnload:
		var v ClientUnload
		if err := unmarshalRequired(env.Type, env.Data, &v); err != nil {
			return nil, err
		}
		if v.ClientID == "" && v.OwnWindowID == "" {
			return nil, fmt.Errorf("%s: missing clientId", env.Type)
		}
		return v, nil

	case TypeTransportSwitchRequest:
		var a switchArgs
		if err := decodeTransactional(env, &a); err != nil {
			return nil, err
		}
		if a.SwitchSettings == nil {
			return nil, fmt.Errorf("%s: missing switchSettings", env.Type)
		}
		if err := a.SwitchSettings.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		return TransportSwitchRequest{TransactionID: env.TransactionID, Settings: *a.SwitchSettings}, nil

	case TypeTransportSwitchResponse:
		ok, reason, err := decodeSuccess(env)
		if err != nil {
			return nil, err
		}
		return TransportSwitchResponse{TransactionID: env.TransactionID, Success: ok, Error: reason}, nil

	case TypeGetCurrentTransport:
		if env.TransactionID == "" {
			return nil, fmt.Errorf("%s: missing transactionId", env.Type)
		}
		return GetCurrentTransport{TransactionID: env.TransactionID}, nil

	case TypeGetCurrentTransportResponse:
		var a stateArgs
		if err := decodeTransactional(env, &a); err != nil {
			return nil, err
		}
		if a.TransportState == nil {
			return nil, fmt.Errorf("%s: missing transportState", env.Type)
		}
		return GetCurrentTransportResponse{TransactionID: env.TransactionID, State: *a.TransportState}, nil

	case TypeCheckPreferredLogic:
		if env.TransactionID == "" {
			return nil, fmt.Errorf("%s: missing transactionId", env.Type)
		}
		return CheckPreferredLogic{TransactionID: env.TransactionID}, nil

	case TypeCheckPreferredLogicResponse:
		ok, _, err := decodeSuccess(env)
		if err != nil {
			return nil, err
		}
		return CheckPreferredLogicResponse{TransactionID: env.TransactionID, Success: ok}, nil

	case TypeCheckPreferredConnection:
		var a urlArgs
		if err := decodeTransactional(env, &a); err != nil {
			return nil, err
		}
		if a.URL == "" {
			return nil, fmt.Errorf("%s: missing url", env.Type)
		}
		return CheckPreferredConnection{TransactionID: env.TransactionID, URL: a.URL, Auth: a.Auth}, nil

	case TypeCheckPreferredConnectionResponse:
		ok, reason, err := decodeSuccess(env)
		if err != nil {
			return nil, err
		}
		return CheckPreferredConnectionResponse{TransactionID: env.TransactionID, Success: ok, Error: reason}, nil

	case TypePlatformUnload:
		return PlatformUnload{}, nil

	case TypeSubscribe:
		var v Subscribe
		if err := unmarshalRequired(env.Type, env.Args, &v); err != nil {
			return nil, err
		}
		return v, requireField(env.Type, "topic", v.Topic)

	case TypeUnsubscribe:
		var v Unsubscribe
		if err := unmarshalRequired(env.Type, env.Args, &v); err != nil {
			return nil, err
		}
		return v, requireField(env.Type, "topic", v.Topic)

	case TypePublish:
		var v Publish
		if err := unmarshalRequired(env.Type, env.Args, &v); err != nil {
			return nil, err
		}
		v.Data = env.Data
		return v, requireField(env.Type, "topic", v.Topic)

	case TypeMessage:
		var v Delivery
		if err := unmarshalRequired(env.Type, env.Args, &v); err != nil {
			return nil, err
		}
		v.Data = env.Data
		return v, requireField(env.Type, "topic", v.Topic)

	case TypeRegister:
		var v Register
		if err := unmarshalRequired(env.Type, env.Args, &v); err != nil {
			return nil, err
		}
		return v, requireField(env.Type, "method", v.Method)

	case TypeUnregister:
		var v Unregister
		if err := unmarshalRequired(env.Type, env.Args, &v); err != nil {
			return nil, err
		}
		return v, requireField(env.Type, "method", v.Method)

	case TypeInvoke:
		var v Invoke
		if err := decodeTransactional(env, &v); err != nil {
			return nil, err
		}
		v.TransactionID, v.Data = env.TransactionID, env.Data
		return v, requireField(env.Type, "method", v.Method)

	case TypeInvokeResult:
		var v InvokeResult
		if err := decodeTransactional(env, &v); err != nil {
			return nil, err
		}
		v.TransactionID, v.Data = env.TransactionID, env.Data
		return v, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decodeTransactional(env *Envelope, v any) error {
	if env.TransactionID == "" {
		return fmt.Errorf("%s: missing transactionId", env.Type)
	}
	return unmarshalRequired(env.Type, env.Args, v)
}

func decodeSuccess(env *Envelope) (bool, string, error) {
	var a successArgs
	if err := decodeTransactional(env, &a); err != nil {
		return false, "", err
	}
	if a.Success == nil {
		return false, "", fmt.Errorf("%s: missing success", env.Type)
	}
	return *a.Success, a.Error, nil
}

func unmarshalRequired(t MessageType, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s: missing payload", t)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}
	return nil
}

func requireField(t MessageType, name, value string) error {
	if value == "" {
		return fmt.Errorf("%s: missing %s", t, name)
	}
	return nil
}
