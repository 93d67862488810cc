// Package codec holds the wire codecs for realtime envelopes.
package codec

import (
	"fmt"
	"io"

	"github.com/spaceuptech/space-api-go/pkg/constants"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec is a named Marshaler/Unmarshaler pair. Binary reports whether frames
// carrying it must be sent as binary rather than text.
type Codec interface {
	Marshaler
	Unmarshaler
	Name() string
	Binary() bool
}

// New returns the codec registered under name. An empty name selects JSON.
func New(name string) (Codec, error) {
	switch name {
	case "", constants.CodecJSON:
		return JSON{}, nil
	case constants.CodecCBOR:
		return NewCBOR(), nil
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownCodec, name)
	}
}
