package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 1024

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func userPrompt(prompt string) []chatMessage {
	return []chatMessage{{Role: "user", Content: prompt}}
}

// postJSON sends payload to url and decodes a 200 response into out.
// Other statuses come back as an error naming the backend.
func postJSON(ctx context.Context, client *http.Client, backend, url, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal payload: %w", backend, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", backend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(backend, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", backend, err)
	}
	return nil
}

// statusError reports a non-200 response. Both {"error": "..."} and
// {"error": {"message": "..."}} bodies are reduced to their message.
func statusError(backend string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && len(envelope.Error) > 0 {
		var text string
		var detail struct {
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(envelope.Error, &text) == nil && text != "":
			msg = text
		case json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "":
			msg = detail.Message
		}
	}
	return fmt.Errorf("%s returned status %d: %s", backend, resp.StatusCode, msg)
}
