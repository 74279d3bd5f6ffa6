package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/cache"
	"github.com/dunamismax/cutout/internal/config"
)

func TestPortFlagOverridesConfig(t *testing.T) {
	v := viper.New()
	root := newRootCmd(v)
	require.NoError(t, root.Flags().Set("port", "5050"))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.API.Port)
	assert.Equal(t, ":5050", cfg.API.Addr())
}

func TestStatsReporterRejectsBadSchedule(t *testing.T) {
	_, err := startStatsReporter("every tuesday", cache.New(1), zap.NewNop())
	assert.Error(t, err)

	scheduler, err := startStatsReporter("@every 1h", cache.New(1), zap.NewNop())
	require.NoError(t, err)
	scheduler.Stop()
}
