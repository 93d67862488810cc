package constants

import "errors"

var (
	ErrIDInUse           = errors.New("id already in use")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrAlreadySubscribed = errors.New("live query already subscribed")
	ErrCallbackPanic     = errors.New("live query callback panicked")
	ErrUnknownKind       = errors.New("unknown feed kind")
	ErrUnknownBackend    = errors.New("unknown backend type")
	ErrMalformedPayload  = errors.New("malformed feed payload")
)

var (
	ErrNoURL         = errors.New("url not set")
	ErrNoProject     = errors.New("project id not set")
	ErrUnknownCodec  = errors.New("unknown codec")
	ErrUnknownEngine = errors.New("unknown websocket engine")
)
