package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

var (
	dataURIRegex  = regexp.MustCompile(`data:image/(?:png|jpeg|jpg|webp);base64,([A-Za-z0-9+/=]+)`)
	imageURLRegex = regexp.MustCompile(`https?://[^\s\)"']+`)
)

// Pipeline is the describe/illustrate collaborator pair backed by an LLM
// and an image provider.
type Pipeline struct {
	logger    *slog.Logger
	llm       domain.LLMProvider
	image     domain.ImageProvider
	workspace *Workspace
	prompts   Prompts
	client    *http.Client
}

func NewPipeline(logger *slog.Logger, llm domain.LLMProvider, image domain.ImageProvider, workspace *Workspace, prompts Prompts) *Pipeline {
	return &Pipeline{
		logger:    logger,
		llm:       llm,
		image:     image,
		workspace: workspace,
		prompts:   prompts.withDefaults(),
		client:    http.DefaultClient,
	}
}

// Describe implements domain.Describer.
func (p *Pipeline) Describe(ctx context.Context, in domain.ItemInput) (string, error) {
	if p.llm == nil {
		return "", errors.New("llm provider not configured")
	}
	if strings.TrimSpace(in.Narration) == "" {
		return "", errors.New("narration is empty")
	}
	text, err := p.llm.GenerateText(ctx, RenderPrompt(p.prompts.Description, in, ""))
	if err != nil {
		return "", fmt.Errorf("description generation failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("description generation returned no text")
	}
	return text, nil
}

// Illustrate implements domain.Illustrator. The provider result must be an
// http(s) URL or a base64 data URI; it ends up at the page's workspace path,
// which is returned. Provider results naming local files are rejected.
func (p *Pipeline) Illustrate(ctx context.Context, jobID domain.JobID, item domain.Item) (string, error) {
	if p.image == nil {
		return "", errors.New("image provider not configured")
	}
	if strings.TrimSpace(item.Description) == "" {
		return "", errors.New("page has no description")
	}
	if _, err := p.workspace.PrepareJob(jobID); err != nil {
		return "", err
	}

	raw, err := p.image.GenerateImage(ctx, RenderPrompt(p.prompts.Image, item.ItemInput, item.Description))
	if err != nil {
		return "", fmt.Errorf("image generation failed: %w", err)
	}

	dest := p.workspace.ImagePath(jobID, item.Index)
	if err := p.storeArtifact(ctx, raw, dest); err != nil {
		return "", err
	}
	p.logger.Debug("image stored", "job_id", jobID, "item_index", item.Index, "path", dest)
	return dest, nil
}

func (p *Pipeline) storeArtifact(ctx context.Context, raw, dest string) error {
	raw = strings.TrimSpace(raw)

	if m := dataURIRegex.FindStringSubmatch(raw); m != nil {
		data, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return fmt.Errorf("failed decoding image data: %w", err)
		}
		return writeFile(dest, bytes.NewReader(data))
	}

	if match := imageURLRegex.FindString(raw); match != "" {
		return p.download(ctx, match, dest)
	}

	return fmt.Errorf("unrecognised image result %q", truncate(raw, 80))
}

func (p *Pipeline) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed creating download request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed downloading generated image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("image download failed status=%d body=%s", resp.StatusCode, string(body))
	}
	return writeFile(dest, resp.Body)
}

func writeFile(dest string, r io.Reader) error {
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed creating result file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed writing result file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed writing result file: %w", err)
	}
	return os.Rename(tmp, dest)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
