package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY", "OLLAMA_HOST",
		"LOOPSMITH_LOOKBACK", "LOOPSMITH_MAX_ATTEMPTS", "LOOPSMITH_BROWSER", "LOOPSMITH_DEBUG", "LOOPSMITH_BASE_URL"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Supervisor.Lookback)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.GetBackoffBase())
	assert.Equal(t, 5*time.Second, cfg.GetHTTPTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetNavigationTimeout())
	assert.Equal(t, 3*time.Second, cfg.GetWarmUp())
	assert.Equal(t, DefaultRequiredFiles, cfg.Verification.RequiredFiles)
	assert.Equal(t, float32(0.2), cfg.LLM.CodeTemperature)
	assert.Equal(t, float32(0.3), cfg.LLM.DecomposeTemperature)
}

func TestMinSizeFor(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MinSizeFor("requirements.txt"))
	assert.Equal(t, 50, cfg.MinSizeFor("templates/index.html"))
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Supervisor, cfg.Supervisor)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clearProviderEnv(t)
	path := DefaultPath(t.TempDir())

	cfg := DefaultConfig()
	cfg.Supervisor.Lookback = 4
	cfg.Templates.SmallFileThreshold = 512
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Supervisor.Lookback)
	assert.Equal(t, 512, loaded.Templates.SmallFileThreshold)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervisor: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("gemini key from GOOGLE_API_KEY", func(t *testing.T) {
		clearProviderEnv(t)
		t.Setenv("GOOGLE_API_KEY", "g-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "g-key", cfg.provider("gemini").APIKey)
	})

	t.Run("GEMINI_API_KEY wins over GOOGLE_API_KEY", func(t *testing.T) {
		clearProviderEnv(t)
		t.Setenv("GOOGLE_API_KEY", "g-key")
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "gem-key", cfg.provider("gemini").APIKey)
	})

	t.Run("OLLAMA_HOST appends provider", func(t *testing.T) {
		clearProviderEnv(t)
		t.Setenv("OLLAMA_HOST", "http://localhost:11434")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		active := cfg.ActiveProviders()
		require.Len(t, active, 1)
		assert.Equal(t, "ollama", active[0].Name)
	})

	t.Run("supervisor knobs", func(t *testing.T) {
		clearProviderEnv(t)
		t.Setenv("LOOPSMITH_LOOKBACK", "5")
		t.Setenv("LOOPSMITH_MAX_ATTEMPTS", "9")
		t.Setenv("LOOPSMITH_BROWSER", "off")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, 5, cfg.Supervisor.Lookback)
		assert.Equal(t, 9, cfg.Supervisor.MaxAttempts)
		assert.False(t, cfg.Browser.Enabled)
	})
}

func TestValidate(t *testing.T) {
	clearProviderEnv(t)

	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrNoProviders)

	cfg.LLM.Providers[0].APIKey = "k"
	assert.NoError(t, cfg.Validate())

	cfg.Supervisor.Lookback = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.LLM.Providers = append(cfg.LLM.Providers, ProviderConfig{Name: "zai", APIKey: "x"})
	assert.ErrorContains(t, cfg.Validate(), "invalid LLM provider")
}

func TestLoadDotEnv(t *testing.T) {
	clearProviderEnv(t)
	os.Unsetenv("OPENAI_API_KEY")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENAI_API_KEY=from-dotenv\n"), 0644))

	require.NoError(t, LoadDotEnv(dir, filepath.Join(dir, "missing")))
	t.Cleanup(func() { os.Unsetenv("OPENAI_API_KEY") })
	assert.Equal(t, "from-dotenv", os.Getenv("OPENAI_API_KEY"))
}
