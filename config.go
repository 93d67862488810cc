package spaceapi

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spaceuptech/space-api-go/internal/codec"
	"github.com/spaceuptech/space-api-go/pkg/constants"
	"github.com/spaceuptech/space-api-go/pkg/logger"
)

// Config holds everything needed to reach a realtime gateway.
type Config struct {
	// Gateway address (e.g., "ws://localhost:4122"). http and https are
	// accepted and mapped to ws and wss. When the path is empty the default
	// realtime path is used.
	URL string
	// Project every live query belongs to
	ProjectID string
	// Token sent with every control message. Optional.
	Token string

	// Wire codec, "json" or "cbor". Empty means json.
	Codec string
	// Websocket engine, "gorilla" or "gws". Empty means gorilla.
	Engine string
	// Upper bound for the websocket handshake
	DialTimeout time.Duration

	// Logger for the connection and every live query. Nil means silent.
	Logger logger.Logger
}

// NewConfig creates a Config with default values.
func NewConfig(url, project string) *Config {
	return &Config{
		URL:         url,
		ProjectID:   project,
		Codec:       constants.CodecJSON,
		Engine:      constants.EngineGorilla,
		DialTimeout: constants.DefaultDialTimeout,
	}
}

// ConfigFromEnv reads SPACE_URL, SPACE_PROJECT, SPACE_TOKEN, SPACE_CODEC and
// SPACE_ENGINE.
func ConfigFromEnv() *Config {
	c := NewConfig(
		GetEnvOrDefault("SPACE_URL", "ws://localhost:4122"),
		GetEnvOrDefault("SPACE_PROJECT", ""),
	)
	c.Token = GetEnvOrDefault("SPACE_TOKEN", "")
	c.Codec = GetEnvOrDefault("SPACE_CODEC", constants.CodecJSON)
	c.Engine = GetEnvOrDefault("SPACE_ENGINE", constants.EngineGorilla)
	return c
}

func (c *Config) Validate() error {
	if c.URL == "" {
		return constants.ErrNoURL
	}
	if c.ProjectID == "" {
		return constants.ErrNoProject
	}
	if _, err := codec.New(c.Codec); err != nil {
		return err
	}
	switch c.Engine {
	case "", constants.EngineGorilla, constants.EngineGWS:
	default:
		return fmt.Errorf("%w: %q", constants.ErrUnknownEngine, c.Engine)
	}
	if _, err := c.RealtimeURL(); err != nil {
		return err
	}
	return nil
}

// RealtimeURL returns the websocket URL to dial.
func (c *Config) RealtimeURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", c.URL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", constants.WebsocketScheme:
		u.Scheme = constants.WebsocketScheme
	case "https", constants.WebsocketSecureScheme:
		u.Scheme = constants.WebsocketSecureScheme
	default:
		return "", fmt.Errorf("invalid url %q: unsupported scheme %q", c.URL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", c.URL)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = constants.RealtimePath
	}
	return u.String(), nil
}

func (c *Config) logger() logger.Logger {
	if c.Logger == nil {
		return logger.Nop()
	}
	return c.Logger
}
