package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvConfigPath, "SCRIPTDECK_LLM_API_KEY", "SCRIPTDECK_IMAGE_API_KEY", "OLLAMA_HOST", "COMFYUI_HOST"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scriptdeck.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, path, exists, err := Load("")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, path)

	assert.Equal(t, ":8080", cfg.Server.Bind)
	assert.Equal(t, 5, cfg.Workers.Describe)
	assert.Equal(t, 4, cfg.Workers.Illustrate)
	assert.EqualValues(t, 10, cfg.Workers.MaxConcurrentJobs)
	assert.True(t, cfg.Pipeline.Illustrate)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "scriptdeck.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "workspace"), cfg.Paths.WorkspaceDir)
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "outputs"), cfg.Paths.OutputDir)
	assert.True(t, filepath.IsAbs(cfg.Paths.DataDir))
	assert.Equal(t, 120*time.Second, cfg.DescribeTimeout())
	assert.Equal(t, 300*time.Second, cfg.IllustrateTimeout())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	dataDir := t.TempDir()
	path := writeConfig(t, `
[workers]
describe = 2
illustrate = 1

[pipeline]
illustrate = false

[paths]
data_dir = "`+filepath.ToSlash(dataDir)+`"

[store]
driver = "DuckDB"

[providers.llm]
mode = "remote"
remote_url = "https://api.example.com/v1"
default_model = "gpt-4o-mini"

[log]
level = "debug"
format = "text"
`)

	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, 2, cfg.Workers.Describe)
	assert.Equal(t, 1, cfg.Workers.Illustrate)
	assert.EqualValues(t, 10, cfg.Workers.MaxConcurrentJobs, "unset keys keep defaults")
	assert.False(t, cfg.Pipeline.Illustrate)
	assert.Equal(t, DriverDuckDB, cfg.Store.Driver)
	assert.Equal(t, "remote", cfg.Providers.LLM.Mode)
	assert.Equal(t, "local", cfg.Providers.Image.Mode)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_EnvPathAndOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[paths]
data_dir = "`+filepath.ToSlash(t.TempDir())+`"
[store]
driver = "memory"
`)
	t.Setenv(EnvConfigPath, path)
	t.Setenv("SCRIPTDECK_LLM_API_KEY", "sk-env")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")
	t.Setenv("COMFYUI_HOST", "http://gpu-box:8188")

	cfg, resolved, exists, err := Load("")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Empty(t, cfg.Store.Path)
	assert.Equal(t, "sk-env", cfg.Providers.LLM.APIKey)
	assert.Equal(t, "http://gpu-box:11434", cfg.Providers.LLM.LocalURL)
	assert.Equal(t, "http://gpu-box:8188", cfg.Providers.Image.LocalURL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, _, _, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"zero describe workers", "[workers]\ndescribe = 0\n"},
		{"zero illustrate workers", "[workers]\nillustrate = 0\n"},
		{"unknown driver", "[store]\ndriver = \"postgres\"\n"},
		{"remote without url", "[providers.image]\nmode = \"remote\"\n"},
		{"unknown llm mode", "[providers.llm]\nmode = \"cloud\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"bad toml", "[workers\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := "[paths]\ndata_dir = \"" + filepath.ToSlash(t.TempDir()) + "\"\n" + tt.body
			_, _, _, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestDefault_RoundTripsThroughTOML(t *testing.T) {
	clearEnv(t)
	custom := Default()
	custom.Paths.DataDir = t.TempDir()
	custom.Workers.Describe = 7
	data, err := toml.Marshal(custom)
	require.NoError(t, err)

	path := writeConfig(t, string(data))
	cfg, _, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers.Describe)
	assert.Equal(t, custom.Providers.LLM.DefaultModel, cfg.Providers.LLM.DefaultModel)
}

func TestEnsureDirectories(t *testing.T) {
	clearEnv(t)
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	require.NoError(t, cfg.normalize())
	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.WorkspaceDir, cfg.Paths.OutputDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
