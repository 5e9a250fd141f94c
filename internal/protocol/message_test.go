package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/interlink/internal/protocol"
)

// TestDecodeRejectsMalformed verifies that Decode never silently accepts an
// envelope that does not parse into a known variant.
func TestDecodeRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		env  *protocol.Envelope
	}{
		{"nil envelope", nil},
		{"unknown type", &protocol.Envelope{Type: "teleport"}},
		{"request without handshake", &protocol.Envelope{Type: protocol.TypeConnectionRequest}},
		{"request without client id", &protocol.Envelope{
			Type:      protocol.TypeConnectionRequest,
			Handshake: &protocol.Handshake{ClientType: protocol.PeerInternal},
		}},
		{"switch without transaction", &protocol.Envelope{
			Type: protocol.TypeTransportSwitchRequest,
			Args: json.RawMessage(`{"switchSettings":{"type":"default"}}`),
		}},
		{"switch with unknown transport", &protocol.Envelope{
			Type:          protocol.TypeTransportSwitchRequest,
			TransactionID: "t1",
			Args:          json.RawMessage(`{"switchSettings":{"type":"carrier-pigeon"}}`),
		}},
		{"secondary switch without url", &protocol.Envelope{
			Type:          protocol.TypeTransportSwitchRequest,
			TransactionID: "t1",
			Args:          json.RawMessage(`{"switchSettings":{"type":"secondary"}}`),
		}},
		{"response without success", &protocol.Envelope{
			Type:          protocol.TypeTransportSwitchResponse,
			TransactionID: "t1",
			Args:          json.RawMessage(`{}`),
		}},
		{"response with garbage args", &protocol.Envelope{
			Type:          protocol.TypeCheckPreferredLogicResponse,
			TransactionID: "t1",
			Args:          json.RawMessage(`[1,2`),
		}},
		{"unload without id", &protocol.Envelope{
			Type: protocol.TypeClientUnload,
			Data: json.RawMessage(`{}`),
		}},
		{"publish without topic", &protocol.Envelope{
			Type: protocol.TypePublish,
			Args: json.RawMessage(`{"topic":""}`),
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := protocol.Decode(tc.env); err == nil {
				t.Fatal("expected decode error, got nil")
			}
		})
	}
}

func TestDecodeUnknownTypeIsSentinel(t *testing.T) {
	_, err := protocol.Decode(&protocol.Envelope{Type: "nope"})
	if !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

// TestEncodeDecodeSwitchRequest checks that the switch settings survive the
// args wrapping used on the wire: {args:{switchSettings:{...}}}.
func TestEncodeDecodeSwitchRequest(t *testing.T) {
	settings := protocol.SecondarySettings("wss://preferred.example/ws", &protocol.Auth{Token: "abc"})
	env, err := protocol.Encode(protocol.TransportSwitchRequest{TransactionID: "tx-1", Settings: settings})
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTransportSwitchRequest, env.Type)
	require.Equal(t, "tx-1", env.TransactionID)
	require.JSONEq(t,
		`{"switchSettings":{"type":"secondary","transportConfig":{"url":"wss://preferred.example/ws","auth":{"token":"abc"}}}}`,
		string(env.Args))

	msg, err := protocol.Decode(env)
	require.NoError(t, err)
	req, ok := msg.(protocol.TransportSwitchRequest)
	require.True(t, ok, "decoded %T", msg)
	require.Equal(t, settings.TransportConfig.URL, req.Settings.TransportConfig.URL)
	require.Equal(t, "abc", req.Settings.TransportConfig.Auth.Token)
}

// TestHandshakeFieldsAreFlat verifies the connectionAccepted wire shape keeps
// its fields next to "type" rather than inside args.
func TestHandshakeFieldsAreFlat(t *testing.T) {
	env := protocol.MustEncode(protocol.ConnectionAccepted{
		Port:                 "port-1",
		CommunicationID:      "comm-1",
		IsPreferredActivated: true,
		AppName:              "blotter",
		ClientID:             "c1",
		ClientType:           protocol.PeerRemote,
	})

	raw, err := protocol.JSON().Marshal(env)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(raw, &flat))
	require.Equal(t, "connectionAccepted", flat["type"])
	require.Equal(t, "comm-1", flat["communicationId"])
	require.Equal(t, true, flat["isPreferredActivated"])
	require.NotContains(t, flat, "args")
}

func TestCBORCarriesHandshakeAndArgs(t *testing.T) {
	codec := protocol.CBOR()
	env := protocol.MustEncode(protocol.ConnectionRequest{
		ClientID:         "c9",
		ClientType:       protocol.PeerExtension,
		BridgeInstanceID: "bridge-1",
	})

	raw, err := codec.Marshal(env)
	require.NoError(t, err)
	back, err := codec.Unmarshal(raw)
	require.NoError(t, err)

	msg, err := protocol.Decode(back)
	require.NoError(t, err)
	require.Equal(t, protocol.ConnectionRequest{
		ClientID:         "c9",
		ClientType:       protocol.PeerExtension,
		BridgeInstanceID: "bridge-1",
	}, msg)

	resp := protocol.MustEncode(protocol.TransportSwitchResponse{TransactionID: "t", Success: false, Error: "dial failed"})
	raw, err = codec.Marshal(resp)
	require.NoError(t, err)
	back, err = codec.Unmarshal(raw)
	require.NoError(t, err)
	msg, err = protocol.Decode(back)
	require.NoError(t, err)
	require.Equal(t, protocol.TransportSwitchResponse{TransactionID: "t", Success: false, Error: "dial failed"}, msg)
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "cbor"} {
		if _, err := protocol.CodecByName(name); err != nil {
			t.Errorf("CodecByName(%q): %v", name, err)
		}
	}
	if _, err := protocol.CodecByName("xml"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestTransportStateSettings(t *testing.T) {
	s := protocol.SecondarySettings("ws://x/ws", nil)
	state := s.State()
	require.Equal(t, protocol.TransportSecondary, state.Kind)
	require.Equal(t, "ws://x/ws", state.URL())
	require.True(t, state.Same(state.Settings().State()))
	require.False(t, state.Same(protocol.DefaultSettings().State()))
}
