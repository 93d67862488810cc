package codec

import (
	"io"

	"github.com/goccy/go-json"

	"github.com/spaceuptech/space-api-go/pkg/constants"
)

// JSON encodes envelopes as text with goccy/go-json, which honours the
// encoding/json struct tags and RawMessage.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (JSON) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSON) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

func (JSON) Name() string { return constants.CodecJSON }

func (JSON) Binary() bool { return false }
