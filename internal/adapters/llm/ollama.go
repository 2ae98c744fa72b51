package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "gemma3:12b"
)

// OllamaProvider implements domain.LLMProvider on Ollama's native chat API.
type OllamaProvider struct {
	client  *http.Client
	baseURL string
	model   string
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaProvider{
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// GenerateText sends prompt as a single user turn with streaming off.
func (p *OllamaProvider) GenerateText(ctx context.Context, prompt string) (string, error) {
	var result ollamaChatResponse
	err := postJSON(ctx, p.client, "ollama", p.baseURL+"/api/chat", "", ollamaChatRequest{
		Model:    p.model,
		Messages: userPrompt(prompt),
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Message.Content == "" {
		return "", errors.New("ollama returned an empty message")
	}
	return result.Message.Content, nil
}
