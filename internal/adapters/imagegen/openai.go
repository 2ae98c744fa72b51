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

// OpenAIImageProvider implements image generation via an OpenAI-compatible API.
// Endpoint: POST {baseURL}/images/generations
// Response: {"data":[{"url":"https://..."}]} or {"data":[{"b64_json":"..."}]}
type OpenAIImageProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	size    string
}

func NewOpenAIImageProvider(baseURL, apiKey, model string) *OpenAIImageProvider {
	if model == "" {
		model = "gpt-image-1"
	}
	return &OpenAIImageProvider{
		client:  &http.Client{Timeout: 300 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		size:    "1536x1024",
	}
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// GenerateImage returns either the image URL or a data URI.
func (p *OpenAIImageProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	payloadBytes, err := json.Marshal(imageRequest{Model: p.model, Prompt: prompt, Size: p.size, N: 1})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call image API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("image API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode image API response: %w", err)
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("image API returned no image")
	}

	first := result.Data[0]
	switch {
	case strings.TrimSpace(first.URL) != "":
		return first.URL, nil
	case strings.TrimSpace(first.B64JSON) != "":
		return "data:image/png;base64," + first.B64JSON, nil
	default:
		return "", fmt.Errorf("image API returned no image")
	}
}
