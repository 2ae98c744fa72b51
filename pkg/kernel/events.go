package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
	"github.com/manthysbr/scriptdeck/internal/core/services"
)

const keepAliveInterval = 15 * time.Second

// handleJobEvents streams a job's status, progress and item events as SSE.
// The current snapshot is sent first as a status event so late subscribers
// start from a consistent view. The stream ends with a settled status event,
// sent once the job is COMPLETED, CANCELLED or ERROR and its run has
// returned, or when the client goes away.
// GET /v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsub := s.bus.Subscribe(string(id))
	defer unsub()

	job, err := s.orch.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	settled := job.Status.HasEnded() && !s.orch.Active(id)
	writeEvent(w, services.EventTypeStatus, statusData(job, settled))
	flusher.Flush()
	if settled {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, evt.Type, evt.Data)
			flusher.Flush()
			if evt.Type == services.EventTypeStatus && isSettled(evt.Data) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, typ services.EventType, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
}

func statusData(job domain.Job, settled bool) string {
	data, _ := json.Marshal(services.NewStatusPayload(job, settled))
	return string(data)
}

func isSettled(data string) bool {
	var p services.StatusPayload
	return json.Unmarshal([]byte(data), &p) == nil && p.Settled
}
