package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultCheckpoint = "v1-5-pruned-emaonly.safetensors"
	saveNodeID        = "9"
)

// ComfyUIProvider queues a text-to-image workflow on a running ComfyUI
// server and polls its history until the output image is available.
type ComfyUIProvider struct {
	client       *http.Client
	host         string
	checkpoint   string
	pollInterval time.Duration
	maxPolls     int
}

func NewComfyUIProvider(host, checkpoint string) *ComfyUIProvider {
	if checkpoint == "" || !strings.Contains(checkpoint, ".") {
		checkpoint = defaultCheckpoint
	}
	return &ComfyUIProvider{
		client:       &http.Client{Timeout: 30 * time.Second},
		host:         strings.TrimRight(host, "/"),
		checkpoint:   checkpoint,
		pollInterval: 2 * time.Second,
		maxPolls:     150,
	}
}

type comfyNode struct {
	Inputs    map[string]any `json:"inputs"`
	ClassType string         `json:"class_type"`
}

type comfyHistoryEntry struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

// GenerateImage returns the /view URL of the generated image.
func (p *ComfyUIProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	payloadBytes, err := json.Marshal(map[string]any{"prompt": p.workflow(prompt)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/prompt", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call ComfyUI: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ComfyUI returned status %d: %s", resp.StatusCode, string(body))
	}

	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if queued.PromptID == "" {
		return "", fmt.Errorf("no prompt_id returned")
	}

	return p.waitForImage(ctx, queued.PromptID)
}

func (p *ComfyUIProvider) waitForImage(ctx context.Context, promptID string) (string, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for i := 0; i < p.maxPolls; i++ {
		if imageURL, ok := p.checkHistory(ctx, promptID); ok {
			return imageURL, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
	return "", fmt.Errorf("timeout waiting for image generation")
}

// checkHistory reports the image URL once the save node has output.
// Transient errors count as "not ready".
func (p *ComfyUIProvider) checkHistory(ctx context.Context, promptID string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return "", false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var history map[string]comfyHistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return "", false
	}
	entry, ok := history[promptID]
	if !ok {
		return "", false
	}
	out, ok := entry.Outputs[saveNodeID]
	if !ok || len(out.Images) == 0 || out.Images[0].Filename == "" {
		return "", false
	}

	img := out.Images[0]
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("type", "output")
	if img.Subfolder != "" {
		q.Set("subfolder", img.Subfolder)
	}
	return p.host + "/view?" + q.Encode(), true
}

// workflow is a minimal SD 1.5 text-to-image graph at 16:9.
func (p *ComfyUIProvider) workflow(prompt string) map[string]comfyNode {
	return map[string]comfyNode{
		"3": {ClassType: "KSampler", Inputs: map[string]any{
			"seed":         time.Now().UnixNano() % 1_000_000_000,
			"steps":        20,
			"cfg":          7.0,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
			"model":        []any{"4", 0},
			"positive":     []any{"6", 0},
			"negative":     []any{"7", 0},
			"latent_image": []any{"5", 0},
		}},
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": p.checkpoint,
		}},
		"5": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
			"width":      768,
			"height":     432,
			"batch_size": 1,
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": prompt,
			"clip": []any{"4", 1},
		}},
		"7": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "bad quality, blurry, ugly, watermark",
			"clip": []any{"4", 1},
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": []any{"3", 0},
			"vae":     []any{"4", 2},
		}},
		saveNodeID: {ClassType: "SaveImage", Inputs: map[string]any{
			"filename_prefix": "scriptdeck",
			"images":          []any{"8", 0},
		}},
	}
}
