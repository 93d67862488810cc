package constants

import "time"

// Control message types understood by the realtime endpoint.
const (
	TypeRealtimeSubscribe   = "realtime-subscribe"
	TypeRealtimeUnsubscribe = "realtime-unsubscribe"
)

// Backend (database) type tags as they appear on the wire.
const (
	Mongo     = "mongo"
	MySQL     = "sql-mysql"
	Postgres  = "sql-postgres"
	SQLServer = "sql-sqlserver"
)

// Feed entry kinds.
const (
	Initial = "initial"
	Insert  = "insert"
	Update  = "update"
	Delete  = "delete"
)

// Websocket engines.
const (
	EngineGorilla = "gorilla"
	EngineGWS     = "gws"
)

// Wire codecs.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
)

const (
	// CloseMessageCode is the websocket close code sent on a clean shutdown.
	CloseMessageCode = 1000

	DefaultDialTimeout = 10 * time.Second

	// RealtimePath is appended to the endpoint when dialing the realtime stream.
	RealtimePath = "/v1/api/realtime"
)
