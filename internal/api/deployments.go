package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stevedore/internal/deployment"
	"github.com/seantiz/stevedore/internal/model"
	"github.com/seantiz/stevedore/internal/store"
)

// queueDeploymentRequest is the JSON body for POST /v1/deployments.
type queueDeploymentRequest struct {
	ProjectName  string `json:"project_name"`
	ArtifactPath string `json:"artifact_path"`
}

type listDeploymentsResponse struct {
	Deployments []*model.Deployment `json:"deployments"`
}

func (s *Server) handleQueueDeployment(w http.ResponseWriter, r *http.Request) {
	var req queueDeploymentRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !projectNameRe.MatchString(req.ProjectName) {
		s.writeError(w, http.StatusBadRequest, "project_name must be a lowercase DNS label")
		return
	}

	d := model.Deployment{
		ID:           model.NewDeploymentID(),
		ProjectName:  req.ProjectName,
		ArtifactPath: req.ArtifactPath,
	}
	if err := s.deploys.Queue(r.Context(), d); err != nil {
		if errors.Is(err, deployment.ErrPipelineFull) || errors.Is(err, deployment.ErrPipelineClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "deployment pipeline unavailable")
			return
		}
		s.logger.Error("queue deployment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to queue deployment")
		return
	}

	stored, err := s.store.GetDeployment(r.Context(), d.ID)
	if err != nil {
		s.logger.Error("get queued deployment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve deployment")
		return
	}

	s.writeJSON(w, http.StatusAccepted, stored)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := s.store.GetDeployment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		s.logger.Error("get deployment", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListProjectDeployments(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	deployments, err := s.store.ListDeployments(r.Context(), name)
	if err != nil {
		s.logger.Error("list deployments", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}

	if deployments == nil {
		deployments = []*model.Deployment{}
	}

	s.writeJSON(w, http.StatusOK, listDeploymentsResponse{Deployments: deployments})
}

// handleKillDeployments broadcasts a stop for every running deployment of
// the named project.
func (s *Server) handleKillDeployments(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.deploys.Kill(name)

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "killing", "project": name})
}
