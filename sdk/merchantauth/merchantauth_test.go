package merchantauth

import (
	"context"
	"testing"

	sdkconfig "github.com/merchantkit/merchantauth/sdk/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerWithoutCredential(t *testing.T) {
	cfg, err := sdkconfig.LoadConfigOptional("", true)
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), cfg, WithoutPersistence())
	require.NoError(t, err)
	assert.False(t, manager.HasValidTokens())

	_, err = manager.EnsureValid(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.True(t, IsReauthRequired(err))
}
