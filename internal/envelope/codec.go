package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec serializes envelopes for a WebSocket frame type.
type Codec interface {
	// Name returns the config name of the codec ("json" or "cbor").
	Name() string

	// FrameType returns the WebSocket message type used for encoded frames.
	FrameType() int

	Marshal(e Envelope) ([]byte, error)
	Unmarshal(data []byte) (Envelope, error)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes envelopes as JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string   { return "json" }
func (JSONCodec) FrameType() int { return websocket.TextMessage }

func (JSONCodec) Marshal(e Envelope) ([]byte, error) {
	m, err := e.toMap()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (JSONCodec) Unmarshal(data []byte) (Envelope, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return fromMap(m)
}

// CBORCodec encodes envelopes as CBOR binary frames.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("create cbor encoder: %w", err)
	}

	// Nested maps decode with string keys so fields look the same as with JSON.
	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	dec, err := decOpts.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create cbor decoder: %w", err)
	}

	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string   { return "cbor" }
func (c *CBORCodec) FrameType() int { return websocket.BinaryMessage }

func (c *CBORCodec) Marshal(e Envelope) ([]byte, error) {
	m, err := e.toMap()
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(m)
}

func (c *CBORCodec) Unmarshal(data []byte) (Envelope, error) {
	var m map[string]any
	if err := c.dec.Unmarshal(data, &m); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return fromMap(m)
}
