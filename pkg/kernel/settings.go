package kernel

import (
	"net/http"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// GET /v1/settings returns provider settings with API keys masked.
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, "settings are not configured")
		return
	}
	writeJSON(w, http.StatusOK, domain.AppConfig{Providers: s.settings.Masked()})
}

// PUT /v1/settings replaces provider settings. Masked or empty API keys
// keep their stored values. Collaborators are rebuilt by the store's
// change callbacks before this returns.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, "settings are not configured")
		return
	}
	var req domain.AppConfig
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, err := s.settings.Update(r.Context(), req.Providers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.AppConfig{Providers: s.settings.Masked()})
}
