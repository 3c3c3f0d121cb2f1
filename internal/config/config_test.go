package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := Default()
	require.Equal(t, int64(1<<20), c.Memory.InitialLimitBytes)
	require.Equal(t, 4, c.Threads.GroupHint)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ty.toml")
	contents := `
[memory]
initial_limit_bytes = 4096
growth_factor = 1.5

[threads]
group_hint = 8
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(4096), c.Memory.InitialLimitBytes)
	require.Equal(t, 1.5, c.Memory.GrowthFactor)
	require.Equal(t, 8, c.Threads.GroupHint)
	require.Equal(t, "info", c.Log.Level) // unspecified fields keep defaults
}
