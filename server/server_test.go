package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/semsearch/internal/models"
	"github.com/xhad/semsearch/internal/types"
	cfgPkg "github.com/xhad/semsearch/pkg/config"
	"github.com/xhad/semsearch/pkg/search"
)

// letterEmbedder counts letters, enough to tell the test documents apart.
type letterEmbedder struct{ dim int }

func (l letterEmbedder) vector(text string) []float32 {
	v := make([]float32, l.dim)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[int(r-'a')%l.dim]++
		}
	}
	return v
}

func (l letterEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	return l.EmbedManyWithProgress(ctx, texts, nil)
}

func (l letterEmbedder) EmbedManyWithProgress(_ context.Context, texts []string, _ func(done, total int)) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = l.vector(t)
	}
	return out, nil
}

func (l letterEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	out, err := l.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (l letterEmbedder) Dimension() int    { return l.dim }
func (l letterEmbedder) ModelInfo() string { return "letters" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := cfgPkg.Default()
	cfg.Index.StoreDir = t.TempDir()

	engine := search.New(cfg, search.WithEmbedderFactory(func(key string) (types.Embedder, error) {
		m, err := cfgPkg.LookupModel(key)
		if err != nil {
			return nil, err
		}
		return letterEmbedder{dim: m.Dimension}, nil
	}))
	t.Cleanup(func() { _ = engine.Close() })

	ts := httptest.NewServer(New(engine, cfg, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func docsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"ml.txt":     "Machine learning is a subset of artificial intelligence.",
		"cooking.md": "Boil the pasta for ten minutes and drain.",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func buildAndWait(t *testing.T, ts *httptest.Server, dir string) jobResponse {
	t.Helper()

	status, body := do(t, ts, http.MethodPost, "/v1/index", indexRequest{Directory: dir})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var started jobResponse
	require.NoError(t, json.Unmarshal(body, &started))
	require.NotEmpty(t, started.JobID)

	var polled jobResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/v1/index/jobs/" + started.JobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		polled = jobResponse{}
		return resp.StatusCode == http.StatusOK &&
			json.NewDecoder(resp.Body).Decode(&polled) == nil && polled.Done
	}, 5*time.Second, 10*time.Millisecond)
	return polled
}

func TestBuildAndSearch(t *testing.T) {
	ts := newTestServer(t)

	job := buildAndWait(t, ts, docsDir(t))
	require.Empty(t, job.Error)
	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.Stats.LoadedFiles)
	assert.Equal(t, 2, job.Result.TotalChunks)

	status, body := do(t, ts, http.MethodGet, "/v1/index", nil)
	require.Equal(t, http.StatusOK, status)
	var st search.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "ready", st.State)

	status, body = do(t, ts, http.MethodPost, "/v1/search", searchRequest{Query: "machine learning intelligence", TopK: 1})
	require.Equal(t, http.StatusOK, status, string(body))
	var res searchResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 1, res.TopK)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "ml.txt", res.Results[0].Chunk.SourceName)
}

func TestSearchErrors(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodPost, "/v1/search", searchRequest{Query: "anything"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), models.ErrNotReady.Error())

	buildAndWait(t, ts, docsDir(t))

	status, _ = do(t, ts, http.MethodPost, "/v1/search", searchRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, status)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/search", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuildRejected(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  indexRequest
		want int
	}{
		{"missing directory", indexRequest{}, http.StatusBadRequest},
		{"unknown model", indexRequest{Directory: t.TempDir(), Model: "nope"}, http.StatusBadRequest},
		{"unknown index kind", indexRequest{Directory: t.TempDir(), IndexKind: "annoy"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, ts, http.MethodPost, "/v1/index", tt.req)
			assert.Equal(t, tt.want, status)
			var e errorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestBuildFailureReportedOnJob(t *testing.T) {
	ts := newTestServer(t)

	empty := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(empty, "image.png"), []byte{0x89}, 0o644))

	job := buildAndWait(t, ts, empty)
	assert.Nil(t, job.Result)
	assert.Contains(t, job.Error, models.ErrNoDocuments.Error())

	status, body := do(t, ts, http.MethodGet, "/v1/index", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"state":"failed"`)
}

func TestBuildUnreadableDirectoryIsAccepted(t *testing.T) {
	ts := newTestServer(t)
	missing := filepath.Join(t.TempDir(), "missing")

	for i := 0; i < 5; i++ {
		job := buildAndWait(t, ts, missing)
		assert.Nil(t, job.Result)
		assert.Contains(t, job.Error, "failed to load documents")
	}
}

func TestJobEvents(t *testing.T) {
	ts := newTestServer(t)
	job := buildAndWait(t, ts, docsDir(t))
	require.Empty(t, job.Error)
	require.NotNil(t, job.Progress)
	assert.Equal(t, models.StageIndexing, job.Progress.Stage)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/index/jobs/" + job.JobID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	type frame struct {
		Type    string          `json:"type"`
		Content string          `json:"content"`
		Data    json.RawMessage `json:"data"`
	}
	var (
		stages []string
		final  frame
	)
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type != "progress" {
			final = f
			break
		}
		var p models.Progress
		require.NoError(t, json.Unmarshal(f.Data, &p))
		if len(stages) == 0 || stages[len(stages)-1] != p.Stage {
			stages = append(stages, p.Stage)
		}
	}

	assert.Equal(t, []string{models.StageLoading, models.StageChunking, models.StageEmbedding, models.StageIndexing}, stages)
	require.Equal(t, "done", final.Type)
	var result models.BuildResult
	require.NoError(t, json.Unmarshal(final.Data, &result))
	assert.Equal(t, 2, result.TotalChunks)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestJobEventsReportsFailure(t *testing.T) {
	ts := newTestServer(t)
	job := buildAndWait(t, ts, filepath.Join(t.TempDir(), "missing"))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/index/jobs/" + job.JobID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg eventMessage
	for msg.Type != "error" {
		msg = eventMessage{}
		require.NoError(t, conn.ReadJSON(&msg))
		require.Contains(t, []string{"progress", "error"}, msg.Type)
	}
	assert.Contains(t, msg.Content, "failed to load documents")

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/index/jobs/nope/events", nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestDataset(t *testing.T) {
	ts := newTestServer(t)
	dir := docsDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blank.txt"), []byte("  "), 0o644))

	status, body := do(t, ts, http.MethodGet, "/v1/dataset?dir="+dir, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var got datasetResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, dir, got.Directory)
	assert.Equal(t, 3, got.TotalFiles)
	assert.Equal(t, 2, got.LoadedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.Positive(t, got.TotalSizeBytes)
	assert.Equal(t, map[string]int{".txt": 2, ".md": 1}, got.FileTypes)
	assert.Contains(t, string(body), `"file_types"`)

	status, _ = do(t, ts, http.MethodGet, "/v1/dataset", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = do(t, ts, http.MethodGet, "/v1/dataset?dir="+filepath.Join(dir, "missing"), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, ts, http.MethodGet, "/v1/index", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"state":"uninitialized"`)
}

func TestSaveAndLoad(t *testing.T) {
	ts := newTestServer(t)

	status, _ := do(t, ts, http.MethodPost, "/v1/index/save", nameRequest{Name: "docs"})
	assert.Equal(t, http.StatusConflict, status)

	buildAndWait(t, ts, docsDir(t))

	status, body := do(t, ts, http.MethodPost, "/v1/index/save", nameRequest{Name: "docs"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = do(t, ts, http.MethodPost, "/v1/index/load", nameRequest{Name: "docs"})
	require.Equal(t, http.StatusOK, status, string(body))
	var st search.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "ready", st.State)
	require.NotNil(t, st.Result)
	assert.Equal(t, 2, st.Result.TotalChunks)

	status, _ = do(t, ts, http.MethodPost, "/v1/index/load", nameRequest{Name: "missing"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestJobNotFound(t *testing.T) {
	ts := newTestServer(t)
	status, _ := do(t, ts, http.MethodGet, "/v1/index/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestModels(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, status)

	var out []modelResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, len(cfgPkg.Models()))

	defaults := 0
	for _, m := range out {
		if m.Default {
			defaults++
			assert.Equal(t, cfgPkg.DefaultModelKey, m.Key)
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, body = do(t, ts, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "semsearch_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrBuildInProgress, http.StatusConflict},
		{fmt.Errorf("%w: state is building", models.ErrNotReady), http.StatusConflict},
		{models.ErrEmptyQuery, http.StatusBadRequest},
		{fmt.Errorf("%w: %q", models.ErrUnknownModel, "x"), http.StatusBadRequest},
		{models.NewIndexBackendError("memory", "load", models.ErrDimensionMismatch), http.StatusUnprocessableEntity},
		{fmt.Errorf("failed to embed query: %w", models.ErrEmbeddingProvider), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
