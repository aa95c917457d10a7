package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	cfg := s.Get()
	assert.Equal(t, "http://localhost:8080", cfg.Server.URL)
	assert.Equal(t, filepath.Join(dir, "received"), cfg.Transfer.Dir)
	assert.Equal(t, 16*1024, cfg.Transfer.ChunkSize)
	assert.False(t, s.IsRegistered())

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "nothing written until a save")
}

func TestSaveDevice_Persists(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)

	s.SetServerURL("https://assist.example.com")
	require.NoError(t, s.SaveDevice("dev-1", "tok-1"))
	assert.True(t, s.IsRegistered())

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", reloaded.Get().Device.ID)
	assert.Equal(t, "tok-1", reloaded.Get().Device.Token)
	assert.Equal(t, "https://assist.example.com", reloaded.Get().Server.URL)

	require.NoError(t, reloaded.ClearDevice())
	again, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, again.IsRegistered())
}

func TestLoad_CreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}
