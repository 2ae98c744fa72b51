package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaImageProvider calls an Ollama server hosting an image model.
// Images come back base64 encoded and are returned as data URIs.
type OllamaImageProvider struct {
	client *http.Client
	host   string
	model  string
}

func NewOllamaImageProvider(host, model string) *OllamaImageProvider {
	if model == "" {
		model = "x/z-image-turbo:fp8"
	}
	return &OllamaImageProvider{
		client: &http.Client{Timeout: 300 * time.Second},
		host:   strings.TrimRight(host, "/"),
		model:  model,
	}
}

func (p *OllamaImageProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	payloadBytes, err := json.Marshal(map[string]any{
		"model":  p.model,
		"prompt": prompt,
		"stream": false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/generate", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Response string   `json:"response"`
		Image    string   `json:"image"`
		Images   []string `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	switch {
	case len(result.Images) > 0 && result.Images[0] != "":
		return "data:image/png;base64," + result.Images[0], nil
	case result.Image != "":
		return "data:image/png;base64," + result.Image, nil
	default:
		return "", fmt.Errorf("ollama returned no image: %s", truncate(result.Response, 120))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
