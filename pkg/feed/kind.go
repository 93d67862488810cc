package feed

import (
	"fmt"

	"github.com/spaceuptech/space-api-go/pkg/constants"
)

// Kind is the kind of a change-feed entry.
type Kind uint8

const (
	KindInitial Kind = iota + 1
	KindInsert
	KindUpdate
	KindDelete
)

func ParseKind(s string) (Kind, error) {
	switch s {
	case constants.Initial:
		return KindInitial, nil
	case constants.Insert:
		return KindInsert, nil
	case constants.Update:
		return KindUpdate, nil
	case constants.Delete:
		return KindDelete, nil
	default:
		return 0, fmt.Errorf("%w: %q", constants.ErrUnknownKind, s)
	}
}

func (k Kind) String() string {
	switch k {
	case KindInitial:
		return constants.Initial
	case KindInsert:
		return constants.Insert
	case KindUpdate:
		return constants.Update
	case KindDelete:
		return constants.Delete
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Backend selects how a deleted document's identifier is represented.
type Backend uint8

const (
	BackendMongo Backend = iota + 1
	BackendSQL
)

// ParseBackend maps a wire database type to its Backend.
func ParseBackend(dbType string) (Backend, error) {
	switch dbType {
	case constants.Mongo:
		return BackendMongo, nil
	case constants.MySQL, constants.Postgres, constants.SQLServer:
		return BackendSQL, nil
	default:
		return 0, fmt.Errorf("%w: %q", constants.ErrUnknownBackend, dbType)
	}
}

func (b Backend) String() string {
	switch b {
	case BackendMongo:
		return "mongo"
	case BackendSQL:
		return "sql"
	default:
		return fmt.Sprintf("backend(%d)", uint8(b))
	}
}
