package providers

import (
	"fmt"
	"strings"

	"github.com/manthysbr/scriptdeck/internal/adapters/imagegen"
	"github.com/manthysbr/scriptdeck/internal/adapters/llm"
	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// Build creates the LLM and image providers from app configuration,
// hiding local/remote selection from callers.
func Build(config *domain.AppConfig) (domain.LLMProvider, domain.ImageProvider, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}

	llmProvider, err := buildLLMProvider(config.Providers.LLM)
	if err != nil {
		return nil, nil, err
	}

	imageProvider, err := buildImageProvider(config.Providers.Image)
	if err != nil {
		return nil, nil, err
	}

	return llmProvider, imageProvider, nil
}

func buildLLMProvider(cfg domain.LLMProviderConfig) (domain.LLMProvider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "local":
		return llm.NewOllamaProvider(
			normalizeOllamaBaseURL(cfg.LocalURL),
			strings.TrimSpace(cfg.DefaultModel),
		), nil
	case "remote":
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		return llm.NewOpenAIProvider(
			strings.TrimSpace(cfg.RemoteURL),
			strings.TrimSpace(cfg.APIKey),
			strings.TrimSpace(cfg.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", cfg.Mode)
	}
}

func buildImageProvider(cfg domain.ImageProviderConfig) (domain.ImageProvider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "local":
		host := strings.TrimSpace(cfg.LocalURL)
		if host == "" {
			host = "http://localhost:8188"
		}
		return imagegen.NewComfyUIProvider(host, strings.TrimSpace(cfg.DefaultModel)), nil
	case "ollama":
		return imagegen.NewOllamaImageProvider(
			normalizeOllamaBaseURL(cfg.LocalURL),
			strings.TrimSpace(cfg.DefaultModel),
		), nil
	case "remote":
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("image remote_url is required when mode=remote")
		}
		return imagegen.NewOpenAIImageProvider(
			strings.TrimSpace(cfg.RemoteURL),
			strings.TrimSpace(cfg.APIKey),
			strings.TrimSpace(cfg.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported image provider mode: %s", cfg.Mode)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return "http://localhost:11434"
	}
	return strings.TrimSuffix(trimmed, "/v1")
}
