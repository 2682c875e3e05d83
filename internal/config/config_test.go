// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "replaydock", cfg.Logger().ServiceName)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 1280, cfg.Browser().Viewport["width"])
	assert.Equal(t, 3, cfg.Replay().MaxRetries)
	assert.Equal(t, time.Second, cfg.Replay().RetryDelay)
	assert.Equal(t, 120*time.Second, cfg.Replay().ActionTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Replay().WaitBetweenActions)
	assert.True(t, cfg.Replay().CheckNewElements)
	assert.Equal(t, "fixed", cfg.Replay().Selection)
	assert.Equal(t, "<PLACEHOLDER>", cfg.Replay().Placeholder)
	assert.Equal(t, "sqlite", cfg.Database().Driver)
	assert.Equal(t, 2, cfg.Batch().Concurrency)
	assert.False(t, cfg.Telemetry().Enabled)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestDefaultExecutors(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, []string{"yuanbao", "yuanbao-list"}, cfg.ExecutorNames())

	tree, err := cfg.Executor("yuanbao")
	require.NoError(t, err)
	assert.Equal(t, "yuanbao", tree.Name)
	assert.Equal(t, "tree", tree.Mode)
	assert.Equal(t, []string{"wait_message"}, tree.AvailableActions)
	assert.Contains(t, tree.PromptSuffix, "[[[your full answer here]]]")

	list, err := cfg.Executor("yuanbao-list")
	require.NoError(t, err)
	assert.Equal(t, "list", list.Mode)

	_, err = cfg.Executor("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yuanbao-list")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())

		invalidBatch := *cfg
		invalidBatch.BatchCfg.Concurrency = 0
		err := invalidBatch.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "batch.concurrency must be a positive integer")

		invalidDriver := *cfg
		invalidDriver.DatabaseCfg.Driver = "mysql"
		err = invalidDriver.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.driver")

		missingURL := *cfg
		missingURL.DatabaseCfg = DatabaseConfig{Driver: "postgres"}
		err = missingURL.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url is required")

		disabledDB := *cfg
		disabledDB.DatabaseCfg = DatabaseConfig{Driver: "none"}
		assert.NoError(t, disabledDB.Validate())
	})

	t.Run("Replay Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Replay()
		assert.NoError(t, valid.Validate())

		noRetries := valid
		noRetries.MaxRetries = 0
		err := noRetries.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_retries must be at least 1")

		negative := valid
		negative.RetryDelay = -time.Second
		assert.Error(t, negative.Validate())

		badSelection := valid
		badSelection.Selection = "greedy"
		err = badSelection.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "selection must be fixed or random")
	})

	t.Run("Executor Validation", func(t *testing.T) {
		valid := ExecutorConfig{URL: "https://example.com", Recording: "r.json", Mode: "tree"}
		assert.NoError(t, valid.Validate())

		noURL := valid
		noURL.URL = ""
		assert.Error(t, noURL.Validate())

		noRecording := valid
		noRecording.Recording = ""
		assert.Error(t, noRecording.Validate())

		badMode := valid
		badMode.Mode = "graph"
		err := badMode.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mode must be auto, list or tree")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
replay:
  max_retries: 5
  retry_delay: 250ms
  selection: random
  seed: 42
executors:
  custom:
    url: "https://chat.example.com"
    recording: "custom.json"
    mode: list
    available_actions: ["wait_message", "extract_content"]
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Replay().MaxRetries)
		assert.Equal(t, 250*time.Millisecond, cfg.Replay().RetryDelay)
		assert.Equal(t, "random", cfg.Replay().Selection)
		assert.Equal(t, int64(42), cfg.Replay().Seed)
		// Untouched defaults survive alongside the file values.
		assert.Equal(t, 120*time.Second, cfg.Replay().ActionTimeout)

		custom, err := cfg.Executor("custom")
		require.NoError(t, err)
		assert.Equal(t, "list", custom.Mode)
		assert.Equal(t, []string{"wait_message", "extract_content"}, custom.AvailableActions)
		_, err = cfg.Executor("yuanbao")
		assert.NoError(t, err, "default executors are kept next to configured ones")
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("replay.max_retries", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "max_retries must be at least 1")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		yamlConfig := []byte(`
session:
  cookies_path: "from-file.json"
`)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		t.Setenv("COOKIES_JSON_PATH", "/tmp/legacy-cookies.json")
		t.Setenv("CHROME_USER_DATA_PATH", "/tmp/chrome-profile")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/legacy-cookies.json", cfg.Session().CookiesPath)
		assert.Equal(t, "/tmp/chrome-profile", cfg.Browser().UserDataDir)
	})
}

func TestSetters(t *testing.T) {
	var cfg Interface = NewDefaultConfig()
	cfg.SetBrowserHeadless(false)
	cfg.SetBrowserDebug(true)
	cfg.SetReplaySeed(7)
	cfg.SetReplaySelection("random")
	cfg.SetBatchConcurrency(9)

	assert.False(t, cfg.Browser().Headless)
	assert.True(t, cfg.Browser().Debug)
	assert.Equal(t, int64(7), cfg.Replay().Seed)
	assert.Equal(t, "random", cfg.Replay().Selection)
	assert.Equal(t, 9, cfg.Batch().Concurrency)
}
