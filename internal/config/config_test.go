package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeTempConfig(t, `{
		"Server": {"port": 9000},
		"DeviceDescriptions": [
			{"name": "board-a", "prefix": "FA1", "bitfile": "a.bit", "watchlist": [[1, 0]]}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	require.Len(t, cfg.DeviceDescriptions, 1)
	assert.Equal(t, "board-a", cfg.DeviceDescriptions[0].Name)
	assert.Equal(t, "a.bit", cfg.DeviceDescriptions[0].Bitfile)
	require.Len(t, cfg.DeviceDescriptions[0].Watchlist, 1)
	assert.Equal(t, RegAddr{Addr: 1, Port: 0}, cfg.DeviceDescriptions[0].Watchlist[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestLoadMissingPort(t *testing.T) {
	path := writeTempConfig(t, `{"DeviceDescriptions": []}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadUsesGivenPath(t *testing.T) {
	// Two distinct config files in two distinct directories; Load must
	// honor the path argument rather than always reading "config.json"
	// from the working directory.
	pathA := writeTempConfig(t, `{"Server": {"port": 1111}}`)
	dir := t.TempDir()
	pathB := filepath.Join(dir, "other.json")
	require.NoError(t, os.WriteFile(pathB, []byte(`{"Server": {"port": 2222}}`), 0o644))

	cfgA, err := Load(pathA)
	require.NoError(t, err)
	cfgB, err := Load(pathB)
	require.NoError(t, err)

	assert.Equal(t, 1111, cfgA.Server.Port)
	assert.Equal(t, 2222, cfgB.Server.Port)
}

func TestDescriptionForSerial(t *testing.T) {
	cfg := &Config{
		DeviceDescriptions: []DeviceDescription{
			{Name: "board-a", Prefix: "FA1"},
			{Name: "board-b", Prefix: "FA2"},
		},
	}

	d, ok := cfg.DescriptionForSerial("FA1234567")
	require.True(t, ok)
	assert.Equal(t, "board-a", d.Name)

	_, ok = cfg.DescriptionForSerial("ZZ0000")
	assert.False(t, ok)
}
