package kernel

import (
	"net/http"
	"strings"

	"github.com/manthysbr/scriptdeck/internal/adapters/ingest"
	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

type parseResponse struct {
	Filename   string             `json:"filename"`
	TotalPages int                `json:"total_pages"`
	Pages      []domain.ItemInput `json:"pages"`
}

// POST /v1/scripts/parse takes a multipart "file" field.
func (s *Server) handleParseScript(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeError(w, http.StatusNotFound, "script parsing is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, ingest.MaxScriptSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing upload field \"file\": "+err.Error())
		return
	}
	defer file.Close()

	pages, err := s.ingester.Parse(r.Context(), header.Filename, file)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// Anything the parser rejects is a problem with the upload.
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, parseResponse{
		Filename:   header.Filename,
		TotalPages: len(pages),
		Pages:      pages,
	})
}

// POST /v1/describe previews a single description without creating a job.
func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	var in domain.ItemInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(in.Narration) == "" {
		writeError(w, http.StatusBadRequest, "narration is required")
		return
	}
	desc, err := s.orch.Describe(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"description": desc})
}
