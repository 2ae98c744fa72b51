package services

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

type MockLLM struct {
	mock.Mock
}

func (m *MockLLM) GenerateText(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type MockImage struct {
	mock.Mock
}

func (m *MockImage) GenerateImage(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestPipeline_Describe(t *testing.T) {
	llm := new(MockLLM)
	p := NewPipeline(testLogger(), llm, nil, NewWorkspace(t.TempDir()), Prompts{Description: "N={{narration}} H={{visual_hint}} S={{segment}}"})

	llm.On("GenerateText", mock.Anything, "N=hello H=a cat S=none").Return("  a slide  \n", nil)

	desc, err := p.Describe(context.Background(), domain.ItemInput{Narration: "hello", VisualHint: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "a slide", desc)
	llm.AssertExpectations(t)
}

func TestPipeline_DescribeErrors(t *testing.T) {
	llm := new(MockLLM)
	p := NewPipeline(testLogger(), llm, nil, NewWorkspace(t.TempDir()), DefaultPrompts())

	_, err := p.Describe(context.Background(), domain.ItemInput{})
	assert.Error(t, err)

	llm.On("GenerateText", mock.Anything, mock.Anything).Return("", errors.New("503")).Once()
	_, err = p.Describe(context.Background(), domain.ItemInput{Narration: "x"})
	assert.ErrorContains(t, err, "503")

	llm.On("GenerateText", mock.Anything, mock.Anything).Return("   ", nil).Once()
	_, err = p.Describe(context.Background(), domain.ItemInput{Narration: "x"})
	assert.Error(t, err)
}

func TestPipeline_IllustrateDataURI(t *testing.T) {
	image := new(MockImage)
	ws := NewWorkspace(t.TempDir())
	p := NewPipeline(testLogger(), nil, image, ws, Prompts{Image: "D={{description}}"})

	uri := "here you go: data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	image.On("GenerateImage", mock.Anything, "D=a sunny slide").Return(uri, nil)

	path, err := p.Illustrate(context.Background(), "job-1", domain.Item{Index: 2, Description: "a sunny slide"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.JobDir("job-1"), "page-2.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestPipeline_IllustrateDownloadsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	image := new(MockImage)
	ws := NewWorkspace(t.TempDir())
	p := NewPipeline(testLogger(), nil, image, ws, DefaultPrompts())
	image.On("GenerateImage", mock.Anything, mock.Anything).Return(srv.URL+"/view?filename=x.png", nil)

	path, err := p.Illustrate(context.Background(), "job-2", domain.Item{Index: 0, Description: "d"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestPipeline_IllustrateDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	image := new(MockImage)
	ws := NewWorkspace(t.TempDir())
	p := NewPipeline(testLogger(), nil, image, ws, DefaultPrompts())
	image.On("GenerateImage", mock.Anything, mock.Anything).Return(srv.URL+"/img.png", nil)

	_, err := p.Illustrate(context.Background(), "job-3", domain.Item{Index: 1, Description: "d"})
	assert.ErrorContains(t, err, "status=410")
	_, statErr := os.Stat(ws.ImagePath("job-3", 1))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPipeline_IllustrateRequiresDescription(t *testing.T) {
	p := NewPipeline(testLogger(), nil, new(MockImage), NewWorkspace(t.TempDir()), DefaultPrompts())

	_, err := p.Illustrate(context.Background(), "job-4", domain.Item{})
	assert.Error(t, err)
}

func TestPipeline_IllustrateUnrecognisedResult(t *testing.T) {
	image := new(MockImage)
	p := NewPipeline(testLogger(), nil, image, NewWorkspace(t.TempDir()), DefaultPrompts())
	image.On("GenerateImage", mock.Anything, mock.Anything).Return("sorry, I cannot draw that", nil)

	_, err := p.Illustrate(context.Background(), "job-5", domain.Item{Description: "d"})
	assert.ErrorContains(t, err, "unrecognised image result")
}

func TestPipeline_IllustrateRejectsLocalPath(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(secret, []byte("TOP-SECRET"), 0o600))

	ws := NewWorkspace(t.TempDir())
	image := new(MockImage)
	p := NewPipeline(testLogger(), nil, image, ws, DefaultPrompts())
	image.On("GenerateImage", mock.Anything, mock.Anything).Return(secret, nil)

	_, err := p.Illustrate(context.Background(), "job-6", domain.Item{Index: 0, Description: "d"})
	assert.ErrorContains(t, err, "unrecognised image result")
	_, statErr := os.Stat(ws.ImagePath("job-6", 0))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRenderPrompt(t *testing.T) {
	in := domain.ItemInput{ShotNumber: "7", Segment: "intro", Narration: "hi"}
	out := RenderPrompt("{{shot_number}}|{{segment}}|{{narration}}|{{visual_hint}}|{{description}}", in, "desc")
	assert.Equal(t, "7|intro|hi|none|desc", out)
}
