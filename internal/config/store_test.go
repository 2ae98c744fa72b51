package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

func newTestSecret(t *testing.T) *SecretKey {
	t.Helper()
	t.Setenv(EnvSecretKey, "settings-store-tests")
	sk, err := NewSecretKey(t.TempDir())
	require.NoError(t, err)
	return sk
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func remoteSeed() domain.ProviderConfig {
	cfg := domain.DefaultConfig().Providers
	cfg.LLM.Mode = "remote"
	cfg.LLM.RemoteURL = "https://api.example.com/v1"
	cfg.LLM.APIKey = "sk-llm-123456"
	return cfg
}

func TestSettingsStore_SeedsOnFirstRun(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySettings()
	sk := newTestSecret(t)

	store, err := NewSettingsStore(ctx, quietLogger(), repo, sk, remoteSeed())
	require.NoError(t, err)
	assert.Equal(t, "sk-llm-123456", store.Providers().LLM.APIKey)

	raw, err := repo.GetSetting(ctx, providersKey)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.NotContains(t, raw, "sk-llm-123456", "api key must be encrypted at rest")
}

func TestSettingsStore_StoredWinsOverSeed(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySettings()
	sk := newTestSecret(t)

	first, err := NewSettingsStore(ctx, quietLogger(), repo, sk, remoteSeed())
	require.NoError(t, err)
	update := first.Providers()
	update.LLM.DefaultModel = "gpt-4.1-mini"
	_, err = first.Update(ctx, update)
	require.NoError(t, err)

	second, err := NewSettingsStore(ctx, quietLogger(), repo, sk, domain.DefaultConfig().Providers)
	require.NoError(t, err)
	got := second.Providers()
	assert.Equal(t, "remote", got.LLM.Mode)
	assert.Equal(t, "gpt-4.1-mini", got.LLM.DefaultModel)
	assert.Equal(t, "sk-llm-123456", got.LLM.APIKey)
}

func TestSettingsStore_MaskedAndMerge(t *testing.T) {
	ctx := context.Background()
	store, err := NewSettingsStore(ctx, quietLogger(), NewMemorySettings(), newTestSecret(t), remoteSeed())
	require.NoError(t, err)

	masked := store.Masked()
	assert.Equal(t, "****3456", masked.LLM.APIKey)

	// Sending the masked value back keeps the real key.
	masked.LLM.DefaultModel = "other"
	got, err := store.Update(ctx, masked)
	require.NoError(t, err)
	assert.Equal(t, "sk-llm-123456", got.LLM.APIKey)
	assert.Equal(t, "other", store.Providers().LLM.DefaultModel)
}

func TestSettingsStore_UpdateValidatesAndNotifies(t *testing.T) {
	ctx := context.Background()
	store, err := NewSettingsStore(ctx, quietLogger(), NewMemorySettings(), newTestSecret(t), domain.DefaultConfig().Providers)
	require.NoError(t, err)

	var seen []domain.ProviderConfig
	store.OnChange(func(cfg domain.ProviderConfig) { seen = append(seen, cfg) })

	bad := store.Providers()
	bad.Image.Mode = "remote"
	_, err = store.Update(ctx, bad)
	require.Error(t, err)
	assert.Empty(t, seen)
	assert.Equal(t, "local", store.Providers().Image.Mode)

	good := store.Providers()
	good.Image.Mode = "ollama"
	good.Image.DefaultModel = "flux"
	_, err = store.Update(ctx, good)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "ollama", seen[0].Image.Mode)
}

type failingSettings struct{}

func (failingSettings) GetSetting(context.Context, string) (string, error) {
	return "", errors.New("disk gone")
}

func (failingSettings) SaveSetting(context.Context, string, string) error {
	return errors.New("disk gone")
}

func TestSettingsStore_RepositoryErrors(t *testing.T) {
	_, err := NewSettingsStore(context.Background(), quietLogger(), failingSettings{}, newTestSecret(t), domain.DefaultConfig().Providers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}
