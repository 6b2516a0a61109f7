package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/store"
	"github.com/seantiz/stevedore/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// projectNameRe bounds project names to DNS-label-safe strings, since they
// become container labels and network aliases.
var projectNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// createProjectRequest is the JSON body for POST /v1/projects.
type createProjectRequest struct {
	Name          string `json:"name"`
	Image         string `json:"image"`
	NeedsDatabase bool   `json:"needs_database"`
}

// listProjectsResponse wraps the paginated list response.
type listProjectsResponse struct {
	Projects []model.ProjectState `json:"projects"`
	Total    int                  `json:"total"`
	Limit    int                  `json:"limit"`
	Offset   int                  `json:"offset"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !projectNameRe.MatchString(req.Name) {
		s.writeError(w, http.StatusBadRequest, "name must be a lowercase DNS label")
		return
	}
	if req.Image == "" {
		s.writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	if _, err := s.store.LoadProject(r.Context(), req.Name); err == nil {
		s.writeError(w, http.StatusConflict, "project already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("check project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to check project")
		return
	}

	t, err := s.tasks.Submit(r.Context(), model.NewProject(req.Name, req.Image, req.NeedsDatabase))
	if err != nil {
		s.submitError(w, "create project", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, t.State())
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	p, err := s.tasks.CurrentState(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("get project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get project")
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	projects, total, err := s.store.ListProjects(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list projects", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	if projects == nil {
		projects = []model.ProjectState{}
	}

	s.writeJSON(w, http.StatusOK, listProjectsResponse{
		Projects: projects,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// handleRestartProject resubmits an existing project. A running project is
// rebooted; anything else re-enters ready with its readiness check forced,
// so a vanished container is recreated rather than assumed healthy.
func (s *Server) handleRestartProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	p, err := s.tasks.CurrentState(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("load project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}

	if p.Phase == model.PhaseRunning {
		p.Phase = model.PhaseRebooting
	} else {
		p.Phase = model.PhaseReady
		p.Checked = false
	}
	p.Restarts = 0
	p.Error = ""

	t, err := s.tasks.Submit(r.Context(), p)
	if err != nil {
		s.submitError(w, "restart project", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, t.State())
}

func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	p, err := s.tasks.CurrentState(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("load project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}

	p.Phase = model.PhaseStopping
	t, err := s.tasks.Submit(r.Context(), p)
	if err != nil {
		s.submitError(w, "stop project", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, t.State())
}

func (s *Server) handleCancelProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if !s.tasks.Cancel(name) {
		s.writeError(w, http.StatusNotFound, "no task in flight for project")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleDestroyProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	p, err := s.tasks.CurrentState(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("load project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}

	// Stop the project's running code before its infrastructure goes away.
	s.deploys.Kill(name)

	p.Phase = model.PhaseDestroying
	t, err := s.tasks.Submit(r.Context(), p)
	if err != nil {
		s.submitError(w, "destroy project", err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, t.State())
}

// submitError maps orchestrator submission failures to HTTP responses.
func (s *Server) submitError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, task.ErrQueueFull) || errors.Is(err, task.ErrWorkerClosed) {
		s.writeError(w, http.StatusServiceUnavailable, "task queue unavailable")
		return
	}
	s.logger.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to submit task")
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
