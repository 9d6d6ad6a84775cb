package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/orchestrator"
)

type submitJobRequest struct {
	Type        string    `json:"type"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// handleSubmitJob queues a validation run. The actor is the verified
// principal; its bearer token is propagated to the validators.
func (s *APIServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	principal, token := principalFrom(r.Context())

	job, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		Type:        core.JobType(req.Type),
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Actor:       principal.Name,
		CallerToken: token,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Printf("Job %s (%s) submitted by %s", job.JobID, job.Type, principal.Name)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *APIServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetStatus(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *APIServer) handleJobResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.GetResult(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLatestResult serves the newest completed run of the given type.
// Kept for dashboard clients that poll a single endpoint.
func (s *APIServer) handleLatestResult(w http.ResponseWriter, r *http.Request) {
	jobType := core.JobType(r.URL.Query().Get("type"))
	if jobType == "" {
		jobType = core.JobTypeSuite22
	}
	if jobType != core.JobTypeSuite22 && jobType != core.JobTypeAssess90 {
		writeError(w, http.StatusBadRequest, "unknown job type")
		return
	}

	result, err := s.orch.GetLatestResult(r.Context(), jobType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
