package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes envelopes for byte-oriented channels (websocket, data
// channel). In-process pipes pass envelopes without encoding.
type Codec interface {
	Name() string
	// Binary reports whether frames should be sent as binary messages.
	Binary() bool
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
}

// Codec names accepted by CodecByName.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

type jsonCodec struct{}

// JSON returns the text codec used by default on websocket channels.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return CodecJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(env *Envelope) ([]byte, error) { return json.Marshal(env) }

func (jsonCodec) Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode json envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode json envelope: missing type")
	}
	return &env, nil
}

// cborCodec carries args/data as CBOR byte strings holding their JSON form,
// so the typed decoding in Decode is shared by both codecs.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var defaultCBOR = mustCBOR()

func mustCBOR() Codec {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: em, dec: dm}
}

// CBOR returns the binary codec used on data channels.
func CBOR() Codec { return defaultCBOR }

func (cborCodec) Name() string { return CodecCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Marshal(env *Envelope) ([]byte, error) { return c.enc.Marshal(env) }

func (c cborCodec) Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode cbor envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode cbor envelope: missing type")
	}
	return &env, nil
}

// CodecByName resolves "json" / "cbor". An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSON(), nil
	case CodecCBOR:
		return CBOR(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
