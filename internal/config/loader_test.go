package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Load(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Workers.MaxWorkers)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("loads values from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "kestrel.json")
		body := `{
			"owner_id": "owner-1",
			"data_dir": "` + tmpDir + `",
			"workers": {"max_workers": 5},
			"scheduler": {"dedup_threshold": 0.7},
			"providers": [
				{"name": "groq", "kind": "openai_compat", "model": "llama-3.3-70b", "api_key": "k", "priority": 0}
			]
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, "owner-1", cfg.OwnerID)
		assert.Equal(t, 5, cfg.Workers.MaxWorkers)
		assert.Equal(t, 0.7, cfg.Scheduler.DedupThreshold)
		require.Len(t, cfg.Providers, 1)
		assert.Equal(t, "groq", cfg.Providers[0].Name)

		// Untouched fields keep their defaults.
		assert.Equal(t, 200, cfg.Loop.MaxRounds)
	})

	t.Run("derives log file under data dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "kestrel.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+tmpDir+`"}`), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "kestrel.log"), cfg.Logging.File)
	})

	t.Run("malformed file errors", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kestrel.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "kestrel.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.OwnerID = "owner-9"
	cfg.DataDir = tmpDir
	cfg.Providers = validProviders()
	cfg.Workers.MaxWorkers = 7

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "owner-9", loaded.OwnerID)
	assert.Equal(t, 7, loaded.Workers.MaxWorkers)
	require.Len(t, loaded.Providers, 2)
	assert.Equal(t, "groq", loaded.Providers[0].Name)
}
