package spaceapi

import (
	"context"
	"fmt"

	"github.com/spaceuptech/space-api-go/internal/codec"
	"github.com/spaceuptech/space-api-go/pkg/connection"
	"github.com/spaceuptech/space-api-go/pkg/connection/gorillaws"
	"github.com/spaceuptech/space-api-go/pkg/connection/gws"
	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/logger"
	"github.com/spaceuptech/space-api-go/pkg/registry"
)

// API is one client session. All live queries created from it share its
// connection.
type API struct {
	config *Config
	conn   *connection.Conn
	logger logger.Logger
}

// New validates config and dials the realtime endpoint.
func New(ctx context.Context, config *Config) (*API, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c, err := codec.New(config.Codec)
	if err != nil {
		return nil, err
	}

	endpoint, err := config.RealtimeURL()
	if err != nil {
		return nil, err
	}

	if config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()
	}

	stream, err := dial(ctx, config.Engine, endpoint, c, config.logger())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrConnectionClosed, err)
	}

	config.logger().Info("connected to realtime endpoint", "url", endpoint, "project", config.ProjectID, "codec", c.Name(), "engine", config.Engine)

	return FromStream(stream, config), nil
}

func dial(ctx context.Context, engine, endpoint string, c codec.Codec, log logger.Logger) (connection.Stream, error) {
	if engine == constants.EngineGWS {
		return gws.Dial(ctx, endpoint, c, log)
	}
	return gorillaws.Dial(ctx, endpoint, c, log)
}

// FromStream creates a client session over an already established stream.
// The API takes ownership of stream and closes it on Close.
func FromStream(stream connection.Stream, config *Config) *API {
	log := config.logger()
	return &API{
		config: config,
		conn:   connection.New(context.Background(), stream, registry.New(), log),
		logger: log,
	}
}

// DB selects the database type (constants.Mongo, constants.MySQL, ...) live
// queries are created for.
func (a *API) DB(dbType string) *DB {
	return &DB{api: a, dbType: dbType}
}

func (a *API) Mongo() *DB {
	return a.DB(constants.Mongo)
}

func (a *API) MySQL() *DB {
	return a.DB(constants.MySQL)
}

func (a *API) Postgres() *DB {
	return a.DB(constants.Postgres)
}

// Close closes the connection. Every live query still subscribed is
// terminated without an error callback.
func (a *API) Close() error {
	return a.conn.Close()
}

// Done is closed once the connection has ended and every live query was
// notified.
func (a *API) Done() <-chan struct{} {
	return a.conn.Done()
}

// Err returns why the connection ended, nil after Close. Only valid once Done
// is closed.
func (a *API) Err() error {
	return a.conn.Err()
}
