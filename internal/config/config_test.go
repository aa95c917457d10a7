package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, StorageMySQL, cfg.Storage.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Device.PendingTimeout)
	assert.Equal(t, time.Minute, cfg.Device.WakeThrottle)
	assert.Equal(t, 256, cfg.Relay.QueueSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Relay.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Relay.TouchInterval)
	assert.Equal(t, time.Hour, cfg.Transfer.TTL)
	assert.Equal(t, 64*1024, cfg.Transfer.ChunkSize)
	assert.False(t, cfg.Policy.MultiTechnician)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9090
storage:
  driver: memory
session:
  ttl: 5m
policy:
  multi_technician: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("JWT_SECRET", "from-env-from-env-from-env-from-env")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
	assert.True(t, cfg.Policy.MultiTechnician)
	assert.Equal(t, "from-env-from-env-from-env-from-env", cfg.JWT.Secret)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("storage:\n  driver: sqlite\n"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_RejectsTouchIntervalBeyondTTL(t *testing.T) {
	dir := t.TempDir()
	yaml := "session:\n  ttl: 1m\nrelay:\n  touch_interval: 2m\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	_, err := Load(dir)
	assert.ErrorContains(t, err, "touch_interval")
}

func TestMySQLConfig_DSN(t *testing.T) {
	c := MySQLConfig{Username: "u", Password: "p", Host: "db", Port: 3306, Database: "ra", Charset: "utf8mb4"}
	assert.Equal(t, "u:p@tcp(db:3306)/ra?charset=utf8mb4&parseTime=True&loc=Local", c.DSN())
}
