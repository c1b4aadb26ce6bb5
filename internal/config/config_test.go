package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGeometryConsistent(t *testing.T) {
	cfg := Default()
	assert.EqualValues(t, 16, cfg.Dies())
	assert.Greater(t, cfg.UsedPagesForBBT(), uint32(0))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Channels = 2
	cfg.Ways = 2

	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
