package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns envelopes into websocket frames and back. Name doubles as the
// websocket subprotocol that selects it.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
}

const (
	SubprotocolJSON = "w2nb.json"
	SubprotocolCBOR = "w2nb.cbor"
)

type jsonCodec struct{}

// JSON returns the default codec. Text frames, RFC 8259.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(env *Envelope) ([]byte, error) { return json.Marshal(env) }

func (jsonCodec) Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec. Identifiers travel as text strings
// and opaque payload maps decode as map[string]any so they round-trip through
// JSON peers unchanged.
func CBOR() (Codec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.TextMarshaler = cbor.TextMarshalerTextString
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Marshal(env *Envelope) ([]byte, error) { return c.enc.Marshal(env) }

func (c cborCodec) Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Registry maps subprotocol names to codecs.
type Registry struct{ byName map[string]Codec }

// NewRegistry returns a registry holding JSON and CBOR.
func NewRegistry() (*Registry, error) {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

func (r *Registry) Register(c Codec) { r.byName[c.Name()] = c }

// Get returns the codec for a subprotocol, falling back to JSON for the
// empty name (a peer that negotiated nothing).
func (r *Registry) Get(name string) (Codec, bool) {
	if name == "" {
		return JSON(), true
	}
	c, ok := r.byName[name]
	return c, ok
}

// Names lists registered subprotocols, JSON first.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == SubprotocolJSON {
			return true
		}
		if names[j] == SubprotocolJSON {
			return false
		}
		return names[i] < names[j]
	})
	return names
}
