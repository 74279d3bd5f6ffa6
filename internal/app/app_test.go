package app

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/pipeline"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()

	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	return cfg
}

func TestNewProcessorFromDefaults(t *testing.T) {
	reg := NewRegistry()

	processor, results, err := NewProcessor(defaultConfig(t), zap.NewNop(), reg, nil)
	require.NoError(t, err)
	require.NotNil(t, processor)
	assert.Equal(t, 20, results.Capacity())

	n, err := testutil.GatherAndCount(reg, "cutout_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewProcessorRejectsUnknownResampler(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Pipeline.Resampler = "bicubic"

	_, _, err := NewProcessor(cfg, zap.NewNop(), nil, nil)
	assert.Error(t, err)
}

func TestNewArchiveEmitter(t *testing.T) {
	e, err := NewArchiveEmitter(config.ArchiveConfig{Backend: config.ArchiveNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = NewArchiveEmitter(config.ArchiveConfig{Backend: config.ArchiveLocal, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, pipeline.LocalFileEmitter{}, e)

	_, err = NewArchiveEmitter(config.ArchiveConfig{Backend: config.ArchiveObject}, nil)
	assert.Error(t, err)

	_, err = NewArchiveEmitter(config.ArchiveConfig{Backend: "ftp"}, nil)
	assert.Error(t, err)
}
