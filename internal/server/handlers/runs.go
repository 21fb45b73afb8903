// Package handlers implements the HTTP API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/skyrun/internal/api"
	apperrors "github.com/3leaps/skyrun/internal/errors"
	"github.com/3leaps/skyrun/pkg/backend"
	"github.com/3leaps/skyrun/pkg/runstore"
)

// Runs serves run submission, listing, stopping, and polling.
//
// Submission only validates and records the job; the scheduler picks it up
// on its next tick.
type Runs struct {
	Store    *runstore.Store
	Registry *backend.Registry
}

// Submit handles POST /api/runs/submit.
func (h *Runs) Submit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	runName := strings.TrimSpace(req.RunSpec.RunName)
	if runName == "" {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "run_name is required")
		return
	}
	backendName := strings.TrimSpace(req.JobSpec.Backend)
	if backendName == "" {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "backend is required")
		return
	}
	if _, err := h.Registry.Get(backendName); err != nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, err.Error())
		return
	}

	job := &runstore.Job{
		ID:           uuid.New().String(),
		RunName:      runName,
		Backend:      backendName,
		Requirements: req.JobSpec.Requirements,
		RunnerID:     uuid.New().String(),
		RepoID:       req.RunSpec.RepoID,
		SSHPublicKey: req.JobSpec.SSHPublicKey,
		Ports:        req.JobSpec.Ports,
	}
	if err := h.Store.SubmitJob(r.Context(), job); err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SubmitRunResponse{Job: *job})
}

// List handles POST /api/runs/list.
func (h *Runs) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.ListJobs(r.Context())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if jobs == nil {
		jobs = []runstore.Job{}
	}
	writeJSON(w, http.StatusOK, api.ListRunsResponse{Jobs: jobs})
}

// Stop handles POST /api/runs/stop. The stop is recorded here and actioned
// by the scheduler at its next safe transition point.
func (h *Runs) Stop(w http.ResponseWriter, r *http.Request) {
	var req api.StopRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.RunNames) == 0 {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "runs_names is required")
		return
	}
	for _, name := range req.RunNames {
		if err := h.Store.RequestStop(r.Context(), name, req.Abort); err != nil {
			apperrors.WriteError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Pull handles POST /api/runs/pull: incremental state and log events after
// the client's watermark.
func (h *Runs) Pull(w http.ResponseWriter, r *http.Request) {
	var req api.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.Write(w, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	job, err := h.Store.GetJobByRunName(r.Context(), req.RunName)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	resp, err := h.Store.Pull(r.Context(), job.ID, req.Since)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
