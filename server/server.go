package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xhad/semsearch/internal/logger"
	"github.com/xhad/semsearch/internal/metrics"
	"github.com/xhad/semsearch/internal/models"
	cfgPkg "github.com/xhad/semsearch/pkg/config"
	"github.com/xhad/semsearch/pkg/search"
)

// Engine is the part of the search engine the HTTP API drives.
type Engine interface {
	BuildAsync(ctx context.Context, req search.BuildRequest) (*search.Task, error)
	Inspect(ctx context.Context, dir string) (models.CorpusStats, error)
	Search(ctx context.Context, query string, k int) ([]models.SearchResult, error)
	Save(ctx context.Context, name string) error
	Load(ctx context.Context, name, modelKey, kind string) (bool, error)
	ClampTopK(k int) int
	Status() search.Status
}

type Server struct {
	engine Engine
	config *cfgPkg.Config
	logger *zap.Logger

	// Builds outlive the request that started them.
	baseCtx context.Context

	mu    sync.Mutex
	jobs  map[string]*job
	order []string
}

type job struct {
	task    *search.Task
	started time.Time

	mu       sync.Mutex
	progress []models.Progress
	changed  chan struct{} // closed and replaced on every new progress event
}

func newJob() *job {
	return &job{started: time.Now().UTC(), changed: make(chan struct{})}
}

func (j *job) record(p models.Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = append(j.progress, p)
	close(j.changed)
	j.changed = make(chan struct{})
}

// since returns the progress events after the first n, and a channel that
// is closed when another one arrives.
func (j *job) since(n int) ([]models.Progress, <-chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.Progress(nil), j.progress[n:]...), j.changed
}

func (j *job) last() *models.Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.progress) == 0 {
		return nil
	}
	p := j.progress[len(j.progress)-1]
	return &p
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // API clients, not browsers
	},
}

// eventMessage is one frame on the job events socket: "progress", then a
// final "done" or "error".
type eventMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// maxJobs bounds the build history kept for GET /v1/index/jobs/{id}.
const maxJobs = 32

type indexRequest struct {
	Directory string `json:"directory"`
	Model     string `json:"model,omitempty"`
	IndexKind string `json:"index_kind,omitempty"`
}

type jobResponse struct {
	JobID    string              `json:"job_id"`
	Done     bool                `json:"done"`
	Started  time.Time           `json:"started"`
	Progress *models.Progress    `json:"progress,omitempty"`
	Result   *models.BuildResult `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
}

type datasetResponse struct {
	Directory string `json:"directory"`
	models.CorpusStats
}

type nameRequest struct {
	Name      string `json:"name,omitempty"`
	Model     string `json:"model,omitempty"`
	IndexKind string `json:"index_kind,omitempty"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type searchResponse struct {
	Query   string                `json:"query"`
	TopK    int                   `json:"top_k"`
	Results []models.SearchResult `json:"results"`
}

type modelResponse struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Dimension   int    `json:"dimension"`
	Description string `json:"description"`
	Provider    string `json:"provider"`
	Default     bool   `json:"default"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(engine Engine, config *cfgPkg.Config, log *zap.Logger) *Server {
	return &Server{
		engine:  engine,
		config:  config,
		logger:  logger.OrNop(log),
		baseCtx: context.Background(),
		jobs:    make(map[string]*job),
	}
}

// Router returns the HTTP handler with every route and middleware mounted.
func (s *Server) Router() http.Handler {
	metrics.Register()

	r := chi.NewRouter()
	r.Use(s.jsonRecoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(metrics.Middleware())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Get("/dataset", s.handleDataset)
		r.Post("/search", s.handleSearch)

		r.Route("/index", func(r chi.Router) {
			r.Post("/", s.handleBuild)
			r.Get("/", s.handleStatus)
			r.Get("/jobs/{id}", s.handleJob)
			r.Get("/jobs/{id}/events", s.handleJobEvents)
			r.Post("/save", s.handleSave)
			r.Post("/load", s.handleLoad)
		})
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              s.config.Server.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve HTTP: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Directory == "" {
		writeError(w, http.StatusBadRequest, errors.New("directory is required"))
		return
	}

	j := newJob()
	task, err := s.engine.BuildAsync(s.baseCtx, search.BuildRequest{
		Directory: req.Directory,
		Model:     req.Model,
		IndexKind: req.IndexKind,
		Progress:  j.record,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	j.task = task

	id := uuid.NewString()
	s.addJob(id, j)
	logger.FromContext(r.Context(), s.logger).Info("build started",
		zap.String("job_id", id), zap.String("directory", req.Directory))

	writeJSON(w, http.StatusAccepted, jobResponse{JobID: id, Started: j.started})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (string, *job, bool) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %q not found", id))
	}
	return id, j, ok
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id, j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	resp := jobResponse{JobID: id, Started: j.started, Progress: j.last()}
	result, done, err := j.task.Result()
	resp.Done = done
	resp.Result = result
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobEvents streams a job's progress over a websocket, replaying what
// happened before the client connected, and closes after the outcome.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	log := logger.FromContext(r.Context(), s.logger).With(zap.String("job_id", id))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	sent := 0
	flush := func() bool {
		events, _ := j.since(sent)
		for _, p := range events {
			if err := conn.WriteJSON(eventMessage{Type: "progress", Data: p}); err != nil {
				log.Debug("events client went away", zap.Error(err))
				return false
			}
		}
		sent += len(events)
		return true
	}

	for {
		_, changed := j.since(sent)
		if !flush() {
			return
		}
		select {
		case <-changed:
			continue
		case <-s.baseCtx.Done():
			return
		case <-j.task.Done():
		}

		// Progress is reported before the task completes, so this drains it all.
		if !flush() {
			return
		}
		msg := eventMessage{Type: "done"}
		if result, err := j.task.Wait(); err != nil {
			msg = eventMessage{Type: "error", Content: err.Error()}
		} else {
			msg.Data = result
		}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return
	}
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		writeError(w, http.StatusBadRequest, errors.New("dir is required"))
		return
	}
	stats, err := s.engine.Inspect(r.Context(), dir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, datasetResponse{Directory: dir, CorpusStats: stats})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}
	name := req.Name
	if name == "" {
		name = s.config.Index.Name
	}
	if err := s.engine.Save(r.Context(), name); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"saved": name})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decode(w, r, &req) {
		return
	}
	name := req.Name
	if name == "" {
		name = s.config.Index.Name
	}
	ok, err := s.engine.Load(r.Context(), name, req.Model, req.IndexKind)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no saved index named %q", name))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	k := s.engine.ClampTopK(req.TopK)
	results, err := s.engine.Search(r.Context(), req.Query, k)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: req.Query, TopK: k, Results: results})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	catalog := cfgPkg.Models()
	out := make([]modelResponse, 0, len(catalog))
	for _, m := range catalog {
		out = append(out, modelResponse{
			Key:         m.Key,
			Name:        m.Name,
			Dimension:   m.Dimension,
			Description: m.Description,
			Provider:    string(m.Provider),
			Default:     m.Key == s.config.Embedding.Model,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addJob(id string, j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[id] = j
	s.order = append(s.order, id)
	if len(s.order) > maxJobs {
		delete(s.jobs, s.order[0])
		s.order = s.order[1:]
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrBuildInProgress), errors.Is(err, models.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, models.ErrEmptyQuery),
		errors.Is(err, models.ErrUnknownModel),
		errors.Is(err, models.ErrUnknownIndexKind),
		errors.Is(err, models.ErrNoDocuments):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrEmbeddingProvider):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonRecoverer returns JSON instead of a plain text stacktrace.
func (s *Server) jsonRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rvr), zap.Stack("stacktrace"))
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger emits one log line per request and puts a request-scoped
// logger in the context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := chiMiddleware.GetReqID(r.Context())
		if requestID != "" {
			w.Header().Set("X-Request-ID", requestID)
		}

		reqLogger := s.logger.With(zap.String("request_id", requestID))
		ctx := logger.ContextWithLogger(r.Context(), reqLogger)

		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		reqLogger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("response_bytes", ww.BytesWritten()),
		)
	})
}
