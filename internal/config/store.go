package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

const providersKey = "providers"

// SettingsRepository is the slice of the job repository the settings
// store needs. GetSetting returns "" for a missing key.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc receives the new provider settings after a successful update.
type OnChangeFunc func(cfg domain.ProviderConfig)

// SettingsStore keeps the runtime-editable provider settings. API keys are
// encrypted in the repository and masked when read for display.
type SettingsStore struct {
	logger *slog.Logger
	secret *SecretKey
	repo   SettingsRepository

	mu       sync.RWMutex
	current  domain.ProviderConfig
	onChange []OnChangeFunc
}

// NewSettingsStore loads persisted provider settings. On first run the
// seed (normally the TOML [providers] section) is saved and used.
// Keys supplied through the environment always win over stored ones.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository, secret *SecretKey, seed domain.ProviderConfig) (*SettingsStore, error) {
	s := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	cfg, found, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Info("no stored provider settings, seeding from config",
			"llm_mode", seed.LLM.Mode,
			"image_mode", seed.Image.Mode,
		)
		if err := s.save(ctx, seed); err != nil {
			return nil, fmt.Errorf("seed provider settings: %w", err)
		}
		cfg = seed
	} else {
		if seed.LLM.APIKey != "" && cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = seed.LLM.APIKey
		}
		if seed.Image.APIKey != "" && cfg.Image.APIKey == "" {
			cfg.Image.APIKey = seed.Image.APIKey
		}
	}

	s.current = cfg
	return s, nil
}

// OnChange registers a callback run after each successful Update.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Providers returns the current settings with plaintext keys.
func (s *SettingsStore) Providers() domain.ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Masked returns the current settings safe to hand to API clients.
func (s *SettingsStore) Masked() domain.ProviderConfig {
	cfg := s.Providers()
	cfg.LLM.APIKey = MaskSecret(cfg.LLM.APIKey)
	cfg.Image.APIKey = MaskSecret(cfg.Image.APIKey)
	return cfg
}

// Update validates, persists and publishes new provider settings.
// Empty or masked API keys keep the stored value.
func (s *SettingsStore) Update(ctx context.Context, update domain.ProviderConfig) (domain.ProviderConfig, error) {
	s.mu.Lock()
	if update.LLM.APIKey == "" || isMasked(update.LLM.APIKey) {
		update.LLM.APIKey = s.current.LLM.APIKey
	}
	if update.Image.APIKey == "" || isMasked(update.Image.APIKey) {
		update.Image.APIKey = s.current.Image.APIKey
	}
	if update.LLM.Mode == "" {
		update.LLM.Mode = "local"
	}
	if update.Image.Mode == "" {
		update.Image.Mode = "local"
	}

	if err := ValidateProviders(&update); err != nil {
		s.mu.Unlock()
		return domain.ProviderConfig{}, err
	}
	if err := s.save(ctx, update); err != nil {
		s.mu.Unlock()
		return domain.ProviderConfig{}, err
	}
	s.current = update
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("provider settings updated",
		"llm_mode", update.LLM.Mode,
		"image_mode", update.Image.Mode,
	)
	for _, fn := range callbacks {
		fn(update)
	}
	return update, nil
}

func (s *SettingsStore) load(ctx context.Context) (domain.ProviderConfig, bool, error) {
	raw, err := s.repo.GetSetting(ctx, providersKey)
	if err != nil {
		return domain.ProviderConfig{}, false, fmt.Errorf("read provider settings: %w", err)
	}
	if raw == "" {
		return domain.ProviderConfig{}, false, nil
	}

	var stored storedProviders
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return domain.ProviderConfig{}, false, fmt.Errorf("unmarshal provider settings: %w", err)
	}

	cfg := domain.ProviderConfig{
		LLM: domain.LLMProviderConfig{
			Mode:         stored.LLM.Mode,
			LocalURL:     stored.LLM.LocalURL,
			RemoteURL:    stored.LLM.RemoteURL,
			DefaultModel: stored.LLM.DefaultModel,
		},
		Image: domain.ImageProviderConfig{
			Mode:         stored.Image.Mode,
			LocalURL:     stored.Image.LocalURL,
			RemoteURL:    stored.Image.RemoteURL,
			DefaultModel: stored.Image.DefaultModel,
		},
	}
	cfg.LLM.APIKey = s.decrypt("llm", stored.LLM.EncryptedAPIKey)
	cfg.Image.APIKey = s.decrypt("image", stored.Image.EncryptedAPIKey)
	return cfg, true, nil
}

// decrypt logs and drops keys sealed with a different secret.
func (s *SettingsStore) decrypt(provider, value string) string {
	if value == "" {
		return ""
	}
	key, err := s.secret.Decrypt(value)
	if err != nil {
		s.logger.Warn("failed to decrypt stored api key", "provider", provider, "error", err)
		return ""
	}
	return key
}

func (s *SettingsStore) save(ctx context.Context, cfg domain.ProviderConfig) error {
	stored := storedProviders{
		LLM: storedProvider{
			Mode:         cfg.LLM.Mode,
			LocalURL:     cfg.LLM.LocalURL,
			RemoteURL:    cfg.LLM.RemoteURL,
			DefaultModel: cfg.LLM.DefaultModel,
		},
		Image: storedProvider{
			Mode:         cfg.Image.Mode,
			LocalURL:     cfg.Image.LocalURL,
			RemoteURL:    cfg.Image.RemoteURL,
			DefaultModel: cfg.Image.DefaultModel,
		},
	}

	var err error
	if stored.LLM.EncryptedAPIKey, err = s.secret.Encrypt(cfg.LLM.APIKey); err != nil {
		return fmt.Errorf("encrypt llm api key: %w", err)
	}
	if stored.Image.EncryptedAPIKey, err = s.secret.Encrypt(cfg.Image.APIKey); err != nil {
		return fmt.Errorf("encrypt image api key: %w", err)
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal provider settings: %w", err)
	}
	if err := s.repo.SaveSetting(ctx, providersKey, string(raw)); err != nil {
		return fmt.Errorf("save provider settings: %w", err)
	}
	return nil
}

type storedProviders struct {
	LLM   storedProvider `json:"llm"`
	Image storedProvider `json:"image"`
}

type storedProvider struct {
	Mode            string `json:"mode"`
	LocalURL        string `json:"local_url"`
	RemoteURL       string `json:"remote_url"`
	EncryptedAPIKey string `json:"encrypted_api_key,omitempty"`
	DefaultModel    string `json:"default_model"`
}
