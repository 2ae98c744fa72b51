package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/scriptdeck/internal/adapters/export"
	"github.com/manthysbr/scriptdeck/internal/adapters/ingest"
	appconfig "github.com/manthysbr/scriptdeck/internal/config"
	"github.com/manthysbr/scriptdeck/internal/core/domain"
	"github.com/manthysbr/scriptdeck/internal/core/services"
)

type describeFunc func(ctx context.Context, in domain.ItemInput) (string, error)

func (f describeFunc) Describe(ctx context.Context, in domain.ItemInput) (string, error) {
	return f(ctx, in)
}

type illustrateFunc func(ctx context.Context, jobID domain.JobID, item domain.Item) (string, error)

func (f illustrateFunc) Illustrate(ctx context.Context, jobID domain.JobID, item domain.Item) (string, error) {
	return f(ctx, jobID, item)
}

type testServer struct {
	*httptest.Server
	orch      *services.Orchestrator
	workspace *services.Workspace
	settings  *appconfig.SettingsStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	store := services.NewJobStore(logger, nil)
	bus := services.NewEventBus(logger)
	workspace := services.NewWorkspace(filepath.Join(dir, "workspace"))
	describePool := services.NewStagePool(logger, domain.StageDescribe, 2)
	illustratePool := services.NewStagePool(logger, domain.StageIllustrate, 2)
	t.Cleanup(func() {
		describePool.Shutdown()
		illustratePool.Shutdown()
	})
	runner := services.NewStageRunner(logger, store, bus, nil, describePool, illustratePool)
	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{MaxConcurrentJobs: 2})
	orch := services.NewOrchestrator(logger, store, runner, scheduler, bus, workspace, services.OrchestratorConfig{
		Illustrate:        true,
		DescribeTimeout:   time.Second,
		IllustrateTimeout: time.Second,
	})

	orch.SetCollaborators(
		describeFunc(func(_ context.Context, in domain.ItemInput) (string, error) {
			return "slide for " + in.Narration, nil
		}),
		illustrateFunc(func(_ context.Context, jobID domain.JobID, item domain.Item) (string, error) {
			if _, err := workspace.PrepareJob(jobID); err != nil {
				return "", err
			}
			path := workspace.ImagePath(jobID, item.Index)
			return path, os.WriteFile(path, []byte("png"), 0o644)
		}),
	)
	orch.SetExporter(export.NewDeckWriter(logger, filepath.Join(dir, "outputs")))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	scheduler.Start(ctx, orch.Run)

	t.Setenv(appconfig.EnvSecretKey, "kernel-tests")
	secret, err := appconfig.NewSecretKey(dir)
	require.NoError(t, err)
	seed := domain.DefaultConfig().Providers
	seed.LLM.APIKey = "sk-test-abcdef"
	settings, err := appconfig.NewSettingsStore(ctx, logger, appconfig.NewMemorySettings(), secret, seed)
	require.NoError(t, err)

	srv := NewServer(logger, orch, bus, workspace, ingest.NewParser(logger, nil), settings)
	ts := httptest.NewServer(srv.CORSHandler([]string{"*"}))
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, orch: orch, workspace: workspace, settings: settings}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (ts *testServer) createJob(t *testing.T, narrations ...string) string {
	t.Helper()
	pages := make([]map[string]string, len(narrations))
	for i, n := range narrations {
		pages[i] = map[string]string{"narration": n}
	}
	resp, body := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{"name": "deck", "pages": pages})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, len(narrations), body["total_pages"])
	return body["job_id"].(string)
}

func (ts *testServer) waitFor(t *testing.T, id string, want domain.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := ts.orch.Get(domain.JobID(id))
		return err == nil && job.Status == want && !ts.orch.Active(job.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_JobLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createJob(t, "one", "two", "three")

	resp, body := ts.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.Len(t, body["pages"], 3)

	resp, body = ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "started", body["status"])

	ts.waitFor(t, id, domain.JobStatusCompleted)

	resp, body = ts.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["completed_pages"])
	assert.EqualValues(t, 100, body["progress"])
	first := body["pages"].([]any)[0].(map[string]any)
	assert.Equal(t, "slide for one", first["description"])
	assert.Equal(t, "illustrated", first["status"])

	resp, body = ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, body = ts.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, _ = ts.do(t, http.MethodDelete, "/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CreateValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{"name": "x", "pages": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "empty")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/jobs", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := ts.Client().Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestServer_UnknownJob(t *testing.T) {
	ts := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/jobs/missing"},
		{http.MethodPost, "/v1/jobs/missing/start"},
		{http.MethodPost, "/v1/jobs/missing/cancel"},
		{http.MethodDelete, "/v1/jobs/missing"},
		{http.MethodGet, "/v1/jobs/missing/download"},
		{http.MethodGet, "/v1/jobs/missing/events"},
	} {
		resp, body := ts.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
		assert.Equal(t, domain.ErrJobNotFound.Error(), body["error"], tc.path)
	}
}

func TestServer_CancelAndFinishedConflicts(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createJob(t, "a")

	resp, body := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["status"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_ExportAndDownload(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createJob(t, "a", "b")

	resp, _ := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/export", map[string]any{"name": "early"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", nil)
	ts.waitFor(t, id, domain.JobStatusCompleted)

	resp, _ = ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/download", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/export", map[string]any{"name": "final", "include_notes": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["pages_exported"])
	assert.Equal(t, "final.zip", filepath.Base(body["output_path"].(string)))

	dl, err := ts.Client().Get(ts.URL + "/v1/jobs/" + id + "/download")
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "final.zip")
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("PK")))
}

func TestServer_JobFiles(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createJob(t, "a")
	ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", nil)
	ts.waitFor(t, id, domain.JobStatusCompleted)

	resp, err := ts.Client().Get(ts.URL + "/v1/jobs/" + id + "/files/" + services.ImageFileName(0))
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png", string(data))

	r, _ := ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/files/..secret", nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	r, _ = ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/files/page-9.png", nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestServer_ParseScript(t *testing.T) {
	ts := newTestServer(t)

	upload := func(name, content string) (*http.Response, map[string]any) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		resp, err := ts.Client().Post(ts.URL+"/v1/scripts/parse", mw.FormDataContentType(), &buf)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, body := upload("script.csv", "镜号,讲稿\n1,大家好\n2,再见\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "script.csv", body["filename"])
	assert.EqualValues(t, 2, body["total_pages"])

	resp, body = upload("slides.pdf", "%PDF")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unsupported")

	resp, _ = upload("bad.json", "{")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Describe(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/v1/describe", map[string]string{"narration": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "slide for hello", body["description"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/describe", map[string]string{"segment": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Settings(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	llm := body["providers"].(map[string]any)["llm"].(map[string]any)
	assert.Equal(t, "****cdef", llm["api_key"])

	var changed []domain.ProviderConfig
	ts.settings.OnChange(func(cfg domain.ProviderConfig) { changed = append(changed, cfg) })

	update := domain.AppConfig{Providers: ts.settings.Masked()}
	update.Providers.LLM.DefaultModel = "llama3.2"
	resp, body = ts.do(t, http.MethodPut, "/v1/settings", update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	llm = body["providers"].(map[string]any)["llm"].(map[string]any)
	assert.Equal(t, "llama3.2", llm["default_model"])
	require.Len(t, changed, 1)
	assert.Equal(t, "sk-test-abcdef", changed[0].LLM.APIKey)

	update.Providers.Image.Mode = "remote"
	update.Providers.Image.RemoteURL = ""
	resp, _ = ts.do(t, http.MethodPut, "/v1/settings", update)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_EventsStream(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createJob(t, "a", "b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/start", nil)

	// The stream closes once the job completes.
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(data)
	assert.Contains(t, stream, "event: status\ndata: {\"status\":\"PENDING\"")
	assert.Contains(t, stream, "event: progress")
	assert.Contains(t, stream, "event: item")
	assert.Contains(t, stream, "\"status\":\"COMPLETED\"")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(stream), "\"settled\":true}"), "stream ends with the settled status")
}

func TestServer_EventsStreamEndsForSettledJob(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createJob(t, "a")
	resp, _ := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/jobs/"+id+"/events", nil)
	require.NoError(t, err)
	stream, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	data, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "event: status\ndata: {\"status\":\"CANCELLED\",\"phase\":\"cancelled\",\"settled\":true}\n\n", string(data))
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
