package conversimple

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversimple/conversimple-go/config"
	"github.com/conversimple/conversimple-go/core"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Platform.APIKey = "sk-test"
	cfg.Logger.Output = filepath.Join(t.TempDir(), "sdk.log")
	return cfg
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	_, err := New(&config.Config{})
	assert.Error(t, err)
}

func TestRegisterAgent(t *testing.T) {
	client, err := New(testConfig(t))
	require.NoError(t, err)

	factory := func() (core.Agent, error) { return nil, nil }
	require.NoError(t, client.RegisterAgent("weather-agent", factory))

	err = client.RegisterAgent("weather-agent", factory)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAgentDuplicate)
}

func TestSubscribeReturnsUnsubscribe(t *testing.T) {
	client, err := New(testConfig(t))
	require.NoError(t, err)

	unsub := client.Subscribe(core.EventSessionStarted, func(context.Context, core.Event) {})
	require.NotNil(t, unsub)
	unsub()
}
