package eventhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveOptions_Defaults(t *testing.T) {
	cfg := resolveOptions(nil)
	require.NotNil(t, cfg.logger)
	require.Equal(t, 5*time.Second, cfg.idleTimeout)
	require.False(t, cfg.metricsEnabled)
}

func TestResolveOptions_AppliesInOrder(t *testing.T) {
	cfg := resolveOptions([]Option{
		WithIdleTimeout(time.Second),
		WithMetrics(true),
		WithNoopLogger(),
	})
	require.Equal(t, time.Second, cfg.idleTimeout)
	require.True(t, cfg.metricsEnabled)
	require.NotNil(t, cfg.logger)
}

func TestResolveOptions_NilOptionIgnored(t *testing.T) {
	require.NotPanics(t, func() {
		resolveOptions([]Option{nil, WithMetrics(true)})
	})
}

func TestWithLogger_NilFallsBackToNoop(t *testing.T) {
	cfg := resolveOptions([]Option{WithLogger(nil)})
	require.NotNil(t, cfg.logger)
}
