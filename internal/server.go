package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/velohq/velo/internal/artifact"
	"github.com/velohq/velo/internal/config"
	"github.com/velohq/velo/internal/project"
	"github.com/velohq/velo/internal/task"
	"github.com/velohq/velo/internal/workflow"
	"github.com/velohq/velo/pkg/cerr"
	"github.com/velohq/velo/pkg/clog"
)

// Server is the thin HTTP adapter in front of the workflow engine. Handlers
// translate JSON to engine calls and back; no orchestration logic lives here.
type Server struct {
	server    *http.Server
	env       *config.Env
	engine    *workflow.Engine
	artifacts artifact.Repository
}

func NewServer(env *config.Env, engine *workflow.Engine, artifacts artifact.Repository) *Server {
	return &Server{
		env:       env,
		engine:    engine,
		artifacts: artifacts,
	}
}

// ListenAndServe starts the HTTP server. The provided context is used as the
// base context for all incoming requests via http.Server.BaseContext, so the
// event stream endpoints wind down when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(clog.SlogChiMiddleware())

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.createProject)
			r.Get("/", s.listProjects)
			r.Get("/{projectID}", s.getProject)
			r.Post("/{projectID}/cancel", s.cancelProject)
			r.Get("/{projectID}/tasks", s.listProjectTasks)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/{taskID}", s.getTask)
			r.Post("/{taskID}/approve", s.approveTask)
			r.Post("/{taskID}/reject", s.rejectTask)
		})
		r.Get("/workers", s.listWorkers)
		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/", s.listArtifacts)
			r.Get("/{artifactID}", s.getArtifact)
		})
		r.Get("/events", s.streamEvents)

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.WriteJSONError(r.Context(), w, cerr.NewError(cerr.NotFound, "not found", nil))
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.apiKeyMiddleware(mux)),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.env.BaseEnv.APIKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.BaseEnv.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type projectJSON struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Phase         string    `json:"phase"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toProjectJSON(p *project.Project) projectJSON {
	return projectJSON{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Phase:         string(p.Phase),
		Iteration:     p.Iteration,
		MaxIterations: p.MaxIterations,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type taskJSON struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"project_id"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Status               string    `json:"status"`
	Priority             int       `json:"priority"`
	AssignedWorkerID     string    `json:"assigned_worker_id,omitempty"`
	DependsOn            []string  `json:"depends_on,omitempty"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	RetryCount           int       `json:"retry_count"`
	MaxRetries           int       `json:"max_retries"`
	ArtifactID           string    `json:"artifact_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func toTaskJSON(t *task.Task) taskJSON {
	return taskJSON{
		ID:                   t.ID,
		ProjectID:            t.ProjectID,
		Title:                t.Title,
		Description:          t.Description,
		Status:               string(t.Status),
		Priority:             int(t.Priority),
		AssignedWorkerID:     t.AssignedWorkerID,
		DependsOn:            t.DependsOn,
		RequiredCapabilities: t.RequiredCapabilities,
		RetryCount:           t.RetryCount,
		MaxRetries:           t.MaxRetries,
		ArtifactID:           t.ArtifactID,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

type workerJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role,omitempty"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

type artifactJSON struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Type       string    `json:"type"`
	Name       string    `json:"name"`
	Content    string    `json:"content,omitempty"`
	ProducedBy string    `json:"produced_by,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

func toArtifactJSON(a *artifact.Artifact, withContent bool) artifactJSON {
	out := artifactJSON{
		ID:         a.ID,
		ProjectID:  a.ProjectID,
		TaskID:     a.TaskID,
		Type:       string(a.Type),
		Name:       a.Name,
		ProducedBy: a.ProducedBy,
		Fallback:   a.Fallback,
		Version:    a.Version,
		CreatedAt:  a.CreatedAt,
	}
	if withContent {
		out.Content = a.Content
	}
	return out
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.InvalidArgument, "invalid request body", err))
		return
	}
	p, err := s.engine.CreateProject(ctx, req.Name, req.Description)
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	cerr.WriteJSON(ctx, w, toProjectJSON(p))
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	projects, total, err := s.engine.ListProjects(ctx, limit, offset)
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	out := make([]projectJSON, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectJSON(p))
	}
	cerr.WriteJSON(ctx, w, map[string]any{"projects": out, "total": total})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.engine.Project(ctx, chi.URLParam(r, "projectID"))
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	cerr.WriteJSON(ctx, w, toProjectJSON(p))
}

func (s *Server) cancelProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.engine.Cancel(ctx, chi.URLParam(r, "projectID")); err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	cerr.WriteJSON(ctx, w, map[string]string{"status": "cancelling"})
}

func (s *Server) listProjectTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.engine.Project(ctx, projectID); err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	tasks := s.engine.Tasks(projectID)
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskJSON(t))
	}
	cerr.WriteJSON(ctx, w, map[string]any{"tasks": out})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := s.engine.Task(chi.URLParam(r, "taskID"))
	if !ok {
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.NotFound, "task not found", nil))
		return
	}
	cerr.WriteJSON(ctx, w, toTaskJSON(t))
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.engine.Approve(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	cerr.WriteJSON(ctx, w, toTaskJSON(t))
}

func (s *Server) rejectTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	t, outcome, err := s.engine.Reject(ctx, chi.URLParam(r, "taskID"), req.Reason)
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	cerr.WriteJSON(ctx, w, map[string]any{"task": toTaskJSON(t), "outcome": outcome.String()})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workers := s.engine.Workers()
	out := make([]workerJSON, 0, len(workers))
	for _, p := range workers {
		out = append(out, workerJSON{
			ID:           p.ID,
			Name:         p.Name,
			Role:         p.Role,
			Capabilities: p.Capabilities,
			Status:       string(p.Status),
		})
	}
	cerr.WriteJSON(ctx, w, map[string]any{"workers": out})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	artifacts, total, err := s.artifacts.List(ctx,
		r.URL.Query().Get("project_id"),
		r.URL.Query().Get("task_id"),
		limit, offset)
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	out := make([]artifactJSON, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, toArtifactJSON(a, false))
	}
	cerr.WriteJSON(ctx, w, map[string]any{"artifacts": out, "total": total})
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := s.artifacts.Get(ctx, chi.URLParam(r, "artifactID"))
	if err != nil {
		cerr.WriteJSONError(ctx, w, err)
		return
	}
	cerr.WriteJSON(ctx, w, toArtifactJSON(a, true))
}

// streamEvents pushes workflow events as server-sent events, optionally
// filtered to one project via ?project_id=.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		cerr.WriteJSONError(ctx, w, cerr.NewError(cerr.Internal, "streaming not supported", nil))
		return
	}
	projectID := r.URL.Query().Get("project_id")

	id, ch := s.engine.Subscribe(64)
	defer s.engine.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			if projectID != "" && event.ProjectID != projectID {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				slog.Warn("failed to marshal event for stream", "event_id", event.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
