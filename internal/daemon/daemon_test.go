package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OwnerID = "owner-1"
	cfg.DataDir = t.TempDir()
	cfg.Logging.Console = false
	cfg.Providers = []config.ProviderConfig{
		{
			Name:            "local",
			Kind:            "ollama",
			Model:           "llama3.2",
			BaseURL:         "http://127.0.0.1:11434",
			Priority:        1,
			CooldownSeconds: 60,
		},
	}
	return cfg
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := testConfig(t)

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, "", log)
	require.NoError(t, err)
	return d
}

func TestNewWiresComponents(t *testing.T) {
	d := newTestDaemon(t)
	assert.NotNil(t, d.Registry())
	assert.NotNil(t, d.Scheduler())
	assert.NotNil(t, d.Router())
	assert.NotNil(t, d.store)
	assert.NotNil(t, d.events)
	assert.NotNil(t, d.client)
	assert.NotNil(t, d.background)
}

func TestStartStop(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	assert.FileExists(t, d.lifecycle.PIDFile())
	require.Error(t, d.Start())

	require.NoError(t, d.Stop())
	_, err := os.Stat(d.lifecycle.PIDFile())
	assert.True(t, os.IsNotExist(err))

	// Stop is idempotent.
	require.NoError(t, d.Stop())
}

func TestLifecyclePIDFile(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	lm := NewLifecycleManager(dir, log.Component("daemon"))
	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = lm.GetPID()
	require.Error(t, err)
	assert.False(t, lm.IsRunning())
}

func TestLifecycleRejectsGarbagePID(t *testing.T) {
	dir := t.TempDir()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	lm := NewLifecycleManager(dir, log.Component("daemon"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kestrel.pid"), []byte("not-a-pid"), 0644))

	_, err = lm.GetPID()
	require.Error(t, err)
	assert.False(t, lm.IsRunning())
}
