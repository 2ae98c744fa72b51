package kernel

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// jobView is the wire form of a job snapshot.
type jobView struct {
	domain.Job
	TotalPages int     `json:"total_pages"`
	Progress   float64 `json:"progress"`
}

func viewOf(job domain.Job) jobView {
	return jobView{Job: job, TotalPages: job.TotalItems(), Progress: job.ProgressPercent()}
}

type createJobRequest struct {
	Name  string             `json:"name"`
	Pages []domain.ItemInput `json:"pages"`
}

type createJobResponse struct {
	JobID      domain.JobID `json:"job_id"`
	Name       string       `json:"name"`
	TotalPages int          `json:"total_pages"`
}

// POST /v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	job, err := s.orch.Create(r.Context(), req.Name, req.Pages)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createJobResponse{
		JobID:      job.ID,
		Name:       job.Name,
		TotalPages: job.TotalItems(),
	})
}

// GET /v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.orch.List()
	views := make([]jobView, len(jobs))
	for i, job := range jobs {
		views[i] = viewOf(job)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(views),
		"jobs":  views,
	})
}

// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(domain.JobID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

// DELETE /v1/jobs/{id}
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	if err := s.orch.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "deleted": true})
}

// POST /v1/jobs/{id}/start returns as soon as the run is queued.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Start(r.Context(), domain.JobID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": "started",
	})
}

// POST /v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Cancel(r.Context(), domain.JobID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

type exportRequest struct {
	Name         string `json:"name"`
	OutputName   string `json:"output_name"`
	IncludeNotes *bool  `json:"include_notes"`
}

// POST /v1/jobs/{id}/export. The body is optional; notes default to on.
func (s *Server) handleExportJob(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	opts := domain.ExportOptions{Name: req.Name, IncludeNotes: true}
	if opts.Name == "" {
		opts.Name = req.OutputName
	}
	if req.IncludeNotes != nil {
		opts.IncludeNotes = *req.IncludeNotes
	}

	job, n, err := s.orch.Export(r.Context(), domain.JobID(r.PathValue("id")), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":         job.ID,
		"output_path":    job.OutputPath,
		"pages_exported": n,
	})
}

// GET /v1/jobs/{id}/download serves the last export.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Get(domain.JobID(r.PathValue("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if job.OutputPath == "" {
		writeError(w, http.StatusNotFound, "job has not been exported")
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		writeError(w, http.StatusNotFound, "export file is gone, export again")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(job.OutputPath)))
	http.ServeFile(w, r, job.OutputPath)
}

// GET /v1/jobs/{id}/files/{name} serves a generated page image.
func (s *Server) handleJobFile(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	if _, err := s.orch.Get(id); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.workspace == nil {
		writeError(w, http.StatusNotFound, "no workspace configured")
		return
	}
	path, err := s.workspace.Resolve(id, r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.fail(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}
