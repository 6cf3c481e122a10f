package server

import (
	"net/http"
	"time"

	"github.com/jonathan/pharma-watch/internal/analytics"
)

const (
	defaultPulseHours = 24
	maxPulseHours     = 24 * 90
)

// handleMarketPulse reports stock movers over the last `hours` (default 24) and
// the current low stock list.
func (s *Server) handleMarketPulse(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", defaultPulseHours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hours < 1 || hours > maxPulseHours {
		s.writeError(w, &ErrValidation{Field: "hours", Message: "must be between 1 and 2160"})
		return
	}

	pulse, err := analytics.Pulse(r.Context(), s.store, hours, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, pulse)
}
