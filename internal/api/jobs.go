package api

import (
	"crypto/hmac"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/storelane/backend/internal/jobs"
)

// jobsTokenHeader carries the shared worker token set on every Cloud Task.
const jobsTokenHeader = "X-Storelane-Jobs-Token"

// handleJobCallback executes one job delivered by Cloud Tasks. The endpoint
// only accepts callers presenting the shared jobs token. A non-2xx response
// makes the queue redeliver with backoff, so handler errors map to 500 and
// permanently bad payloads to 400.
func (s *Server) handleJobCallback(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(jobsTokenHeader)
	if !hmac.Equal([]byte(token), []byte(s.cfg.InternalJobsToken)) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	topic := mux.Vars(r)["topic"]

	var job jobs.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "unparseable job")
		return
	}
	if job.Topic == "" {
		job.Topic = topic
	}

	if err := s.pool.Execute(r.Context(), &job); err != nil {
		s.logger.Printf("❌ Job %s failed: %v", job.Topic, err)
		writeError(w, http.StatusInternalServerError, "job failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}
