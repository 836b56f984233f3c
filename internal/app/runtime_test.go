package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "true")
	require.True(t, RefreshTestMode())
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	require.True(t, InTestMode(), "value is cached until refreshed")
	require.False(t, RefreshTestMode())

	t.Setenv(testModeEnv, "maybe")
	require.False(t, RefreshTestMode())
}
