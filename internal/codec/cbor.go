package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/spaceuptech/space-api-go/pkg/constants"
)

// CBOR encodes envelopes with fxamacker/cbor. Struct fields use their json
// tags as CBOR keys, and maps decoded into interface values come back as
// map[string]any so filters look the same as with JSON.
type CBOR struct {
	em cbor.EncMode
	dm cbor.DecMode
}

func NewCBOR() *CBOR {
	em, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339,
	}.EncMode()
	if err != nil {
		panic(err)
	}

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}

	return &CBOR{em: em, dm: dm}
}

func (c *CBOR) Marshal(v any) ([]byte, error) {
	return c.em.Marshal(v)
}

func (c *CBOR) NewEncoder(w io.Writer) Encoder {
	return c.em.NewEncoder(w)
}

func (c *CBOR) Unmarshal(data []byte, dst any) error {
	return c.dm.Unmarshal(data, dst)
}

func (c *CBOR) NewDecoder(r io.Reader) Decoder {
	return c.dm.NewDecoder(r)
}

func (c *CBOR) Name() string { return constants.CodecCBOR }

func (c *CBOR) Binary() bool { return true }
