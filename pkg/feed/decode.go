// Package feed classifies inbound change-feed entries into mutations that a
// snapshot store can apply. Everything here is pure: no state, no I/O.
package feed

import (
	"fmt"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/model"
)

// Document is a decoded row payload.
type Document = map[string]any

// Op is the store operation a Mutation performs.
type Op uint8

const (
	OpInitialRow Op = iota + 1
	OpReplaceRow
	OpTombstoneRow
)

func (o Op) String() string {
	switch o {
	case OpInitialRow:
		return "initial-row"
	case OpReplaceRow:
		return "replace-row"
	case OpTombstoneRow:
		return "tombstone-row"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Mutation is one applyable change. Doc is nil for tombstones.
type Mutation struct {
	Op        Op
	Kind      Kind
	DocID     string
	Timestamp int64
	Doc       Document
}

// Decode classifies a single feed entry.
//
// Errors are reserved for contract violations by the backend (an unknown kind
// or a payload that is not a JSON object); callers treat them as fatal for the
// subscription.
func Decode(kind Kind, docID string, timestamp int64, payload []byte) (Mutation, error) {
	m := Mutation{Kind: kind, DocID: docID, Timestamp: timestamp}

	switch kind {
	case KindInitial:
		m.Op = OpInitialRow
	case KindInsert, KindUpdate:
		m.Op = OpReplaceRow
	case KindDelete:
		m.Op = OpTombstoneRow
		return m, nil
	default:
		return Mutation{}, fmt.Errorf("%w: %v", constants.ErrUnknownKind, kind)
	}

	doc, err := decodePayload(payload)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: doc %s: %v", constants.ErrMalformedPayload, docID, err)
	}
	m.Doc = doc

	return m, nil
}

// DecodeEntry is Decode for a wire entry.
func DecodeEntry(fd model.FeedData) (Mutation, error) {
	kind, err := ParseKind(fd.Type)
	if err != nil {
		return Mutation{}, err
	}
	return Decode(kind, fd.DocID, fd.TimeStamp, fd.Payload)
}

func decodePayload(payload []byte) (Document, error) {
	if len(payload) == 0 {
		return Document{}, nil
	}

	_, dataType, _, err := jsonparser.Get(payload)
	if err != nil {
		return nil, err
	}
	switch dataType {
	case jsonparser.Null:
		return Document{}, nil
	case jsonparser.Object:
	default:
		return nil, fmt.Errorf("payload is %s, not an object", dataType)
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Delta is the document handed to callbacks for a mutation: the full
// document for inserts and updates, and a minimal identifier object for
// deletes, shaped by the backend.
//
// SQL identifiers are numeric; one that does not parse as an integer is
// passed through as a string.
func Delta(m Mutation, backend Backend) Document {
	if m.Op != OpTombstoneRow {
		return m.Doc
	}

	if backend == BackendMongo {
		return Document{"_id": m.DocID}
	}

	if id, err := strconv.ParseInt(m.DocID, 10, 64); err == nil {
		return Document{"id": id}
	}
	return Document{"id": m.DocID}
}
