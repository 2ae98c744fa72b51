package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
	"github.com/pelletier/go-toml/v2"
)

// EnvConfigPath names the variable consulted when no --config flag is given.
const EnvConfigPath = "SCRIPTDECK_CONFIG"

// Store drivers accepted in [store].
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"
)

// Config is the process configuration read once at start-up.
type Config struct {
	Server    Server                `toml:"server"`
	Workers   Workers               `toml:"workers"`
	Pipeline  Pipeline              `toml:"pipeline"`
	Paths     Paths                 `toml:"paths"`
	Store     Store                 `toml:"store"`
	Providers domain.ProviderConfig `toml:"providers"`
	Log       Log                   `toml:"log"`
}

type Server struct {
	Bind          string   `toml:"bind"`
	CORSOrigins   []string `toml:"cors_origins"`
	PublicBaseURL string   `toml:"public_base_url"`
}

// Workers sizes the stage pools. Timeouts are in seconds.
type Workers struct {
	Describe          int   `toml:"describe"`
	Illustrate        int   `toml:"illustrate"`
	MaxConcurrentJobs int64 `toml:"max_concurrent_jobs"`
	DescribeTimeout   int   `toml:"describe_timeout"`
	IllustrateTimeout int   `toml:"illustrate_timeout"`
}

type Pipeline struct {
	Illustrate        bool   `toml:"illustrate"`
	DescriptionPrompt string `toml:"description_prompt"`
	ImagePrompt       string `toml:"image_prompt"`
}

type Paths struct {
	DataDir      string `toml:"data_dir"`
	WorkspaceDir string `toml:"workspace_dir"`
	OutputDir    string `toml:"output_dir"`
}

type Store struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			Bind:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Workers: Workers{
			Describe:          5,
			Illustrate:        4,
			MaxConcurrentJobs: 10,
			DescribeTimeout:   120,
			IllustrateTimeout: 300,
		},
		Pipeline:  Pipeline{Illustrate: true},
		Paths:     Paths{DataDir: "~/.scriptdeck"},
		Store:     Store{Driver: DriverSQLite},
		Providers: domain.DefaultConfig().Providers,
		Log:       Log{Level: "info", Format: "json"},
	}
}

// Load reads the file at path, falling back to $SCRIPTDECK_CONFIG and then
// to defaults. It returns the resolved path and whether a file was read.
// Environment overrides are applied after the file.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	var exists bool
	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, "", false, err
		}
		path = expanded

		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, "", false, fmt.Errorf("config file %s does not exist", path)
		case err != nil:
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		exists = true
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, path, exists, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SCRIPTDECK_LLM_API_KEY"); v != "" {
		c.Providers.LLM.APIKey = v
	}
	if v := os.Getenv("SCRIPTDECK_IMAGE_API_KEY"); v != "" {
		c.Providers.Image.APIKey = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Providers.LLM.LocalURL = v
	}
	if v := os.Getenv("COMFYUI_HOST"); v != "" {
		c.Providers.Image.LocalURL = v
	}
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = ExpandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.WorkspaceDir == "" {
		c.Paths.WorkspaceDir = filepath.Join(c.Paths.DataDir, "workspace")
	}
	if c.Paths.WorkspaceDir, err = ExpandPath(c.Paths.WorkspaceDir); err != nil {
		return err
	}
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = filepath.Join(c.Paths.DataDir, "outputs")
	}
	if c.Paths.OutputDir, err = ExpandPath(c.Paths.OutputDir); err != nil {
		return err
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver != DriverMemory {
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(c.Paths.DataDir, "scriptdeck.db")
		}
		if c.Store.Path, err = ExpandPath(c.Store.Path); err != nil {
			return err
		}
	}

	if c.Providers.LLM.Mode == "" {
		c.Providers.LLM.Mode = "local"
	}
	if c.Providers.Image.Mode == "" {
		c.Providers.Image.Mode = "local"
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Workers.Describe < 1 {
		return errors.New("workers.describe must be at least 1")
	}
	if c.Workers.Illustrate < 1 {
		return errors.New("workers.illustrate must be at least 1")
	}
	if c.Workers.MaxConcurrentJobs < 1 {
		return errors.New("workers.max_concurrent_jobs must be at least 1")
	}
	if c.Workers.DescribeTimeout < 0 || c.Workers.IllustrateTimeout < 0 {
		return errors.New("workers timeouts must not be negative")
	}
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverDuckDB:
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, duckdb", c.Store.Driver)
	}
	if err := ValidateProviders(&c.Providers); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not one of json, text", c.Log.Format)
	}
	return nil
}

// ValidateProviders checks provider modes. Remote mode needs a remote_url.
func ValidateProviders(p *domain.ProviderConfig) error {
	switch p.LLM.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("providers.llm.mode %q is not one of local, remote", p.LLM.Mode)
	}
	if p.LLM.Mode == "remote" && p.LLM.RemoteURL == "" {
		return errors.New("providers.llm.remote_url is required when mode=remote")
	}
	switch p.Image.Mode {
	case "local", "ollama", "remote":
	default:
		return fmt.Errorf("providers.image.mode %q is not one of local, ollama, remote", p.Image.Mode)
	}
	if p.Image.Mode == "remote" && p.Image.RemoteURL == "" {
		return errors.New("providers.image.remote_url is required when mode=remote")
	}
	return nil
}

// LogLevel maps log.level onto slog.
func (c *Config) LogLevel() (slog.Level, error) {
	switch c.Log.Level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
}

func (c *Config) DescribeTimeout() time.Duration {
	return time.Duration(c.Workers.DescribeTimeout) * time.Second
}

func (c *Config) IllustrateTimeout() time.Duration {
	return time.Duration(c.Workers.IllustrateTimeout) * time.Second
}

// EnsureDirectories creates the data, workspace and output directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.WorkspaceDir, c.Paths.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ExpandPath resolves a leading ~ and makes the path absolute.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
