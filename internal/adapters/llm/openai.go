package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider implements domain.LLMProvider against an OpenAI-compatible
// chat completions API (OpenAI, Azure OpenAI, Together AI, Ollama /v1, ...).
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client:  &http.Client{Timeout: 120 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// GenerateText generates text using the chat completions endpoint.
func (p *OpenAIProvider) GenerateText(ctx context.Context, prompt string) (string, error) {
	var result chatResponse
	err := postJSON(ctx, p.client, "openai", p.baseURL+"/chat/completions", p.apiKey, chatRequest{
		Model:    p.model,
		Messages: userPrompt(prompt),
	}, &result)
	if err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
