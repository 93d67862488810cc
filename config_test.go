package spaceapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceuptech/space-api-go/pkg/constants"
)

func TestNewConfig(t *testing.T) {
	c := NewConfig("ws://localhost:4122", "books-app")
	assert.Equal(t, constants.CodecJSON, c.Codec)
	assert.Equal(t, constants.DefaultDialTimeout, c.DialTimeout)
	assert.NoError(t, c.Validate())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SPACE_URL", "https://gateway.example.com")
	t.Setenv("SPACE_PROJECT", "books-app")
	t.Setenv("SPACE_TOKEN", "secret")
	t.Setenv("SPACE_CODEC", constants.CodecCBOR)
	t.Setenv("SPACE_ENGINE", constants.EngineGWS)

	c := ConfigFromEnv()
	assert.Equal(t, "https://gateway.example.com", c.URL)
	assert.Equal(t, "books-app", c.ProjectID)
	assert.Equal(t, "secret", c.Token)
	assert.Equal(t, constants.CodecCBOR, c.Codec)
	assert.Equal(t, constants.EngineGWS, c.Engine)
	require.NoError(t, c.Validate())
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("SPACE_URL", "")
	t.Setenv("SPACE_PROJECT", "")
	t.Setenv("SPACE_CODEC", "")

	c := ConfigFromEnv()
	assert.Equal(t, "ws://localhost:4122", c.URL)
	assert.Equal(t, constants.CodecJSON, c.Codec)
	assert.ErrorIs(t, c.Validate(), constants.ErrNoProject)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr error
	}{
		{"no url", NewConfig("", "p"), constants.ErrNoURL},
		{"no project", NewConfig("ws://localhost", ""), constants.ErrNoProject},
		{"bad codec", &Config{URL: "ws://localhost", ProjectID: "p", Codec: "msgpack"}, constants.ErrUnknownCodec},
		{"bad engine", &Config{URL: "ws://localhost", ProjectID: "p", Engine: "nhooyr"}, constants.ErrUnknownEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.config.Validate(), tt.wantErr)
		})
	}

	assert.Error(t, NewConfig("tcp://localhost", "p").Validate())
	assert.Error(t, NewConfig("ws://", "p").Validate())
}

func TestRealtimeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:4122", "ws://localhost:4122/v1/api/realtime"},
		{"http://localhost:4122/", "ws://localhost:4122/v1/api/realtime"},
		{"https://gateway.example.com", "wss://gateway.example.com/v1/api/realtime"},
		{"wss://gateway.example.com/custom/rt", "wss://gateway.example.com/custom/rt"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NewConfig(tt.in, "p").RealtimeURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("SPACE_TEST_VALUE", "")
	assert.Equal(t, "fallback", GetEnvOrDefault("SPACE_TEST_VALUE", "fallback"))

	t.Setenv("SPACE_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnvOrDefault("SPACE_TEST_VALUE", "fallback"))
}
