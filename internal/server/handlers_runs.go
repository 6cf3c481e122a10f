package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/engine"
	"github.com/jonathan/pharma-watch/internal/server/middleware"
	"github.com/jonathan/pharma-watch/internal/tracker"
	"github.com/jonathan/pharma-watch/internal/types"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// runResponse is returned by the run control endpoints.
type runResponse struct {
	RunID     uuid.UUID        `json:"run_id"`
	Run       *types.RunRecord `json:"run,omitempty"`
	StatusURL string           `json:"status_url"`
	EventsURL string           `json:"events_url"`
}

func newRunResponse(rec types.RunRecord) runResponse {
	return runResponse{
		RunID:     rec.ID,
		Run:       &rec,
		StatusURL: "/runs/" + rec.ID.String(),
		EventsURL: "/runs/" + rec.ID.String() + "/events",
	}
}

// decodeParams reads the optional JSON body of a run request.
func decodeParams(r *http.Request, taskType types.TaskType) (engine.Params, error) {
	var params engine.Params
	var target any
	switch taskType {
	case types.TaskDiscovery:
		target = &params.Discovery
	case types.TaskMonitoring:
		target = &params.Monitoring
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return params, &ErrValidation{Field: "body", Message: err.Error()}
	}
	return params, nil
}

// handleStartRun starts a run of taskType. A run already active yields 409
// with the active run's ID.
func (s *Server) handleStartRun(taskType types.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := decodeParams(r, taskType)
		if err != nil {
			s.writeError(w, err)
			return
		}

		id, err := s.engine.StartRun(r.Context(), taskType, params)
		if err != nil {
			var conflict *tracker.ConflictError
			if errors.As(err, &conflict) {
				s.jsonResponse(w, http.StatusConflict, map[string]any{
					"error":         err.Error(),
					"active_run_id": conflict.ActiveID,
				})
				return
			}
			s.writeError(w, err)
			return
		}

		rec, err := s.engine.GetStatus(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		subject, _ := middleware.GetSubject(r)
		s.logger.Info("run started", "run_id", id, "task", taskType, "subject", subject)
		s.jsonResponse(w, http.StatusAccepted, newRunResponse(rec))
	}
}

// handleTaskStatus returns the most recent run of taskType.
func (s *Server) handleTaskStatus(taskType types.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.engine.Latest(taskType)
		if !ok {
			runs, err := s.engine.History(r.Context(), taskType, 1)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if len(runs) == 0 {
				s.writeError(w, &ErrNotFound{Resource: "run", ID: string(taskType)})
				return
			}
			rec = runs[0]
		}
		s.jsonResponse(w, http.StatusOK, rec)
	}
}

// handleTaskStop requests cancellation of the active run of taskType.
func (s *Server) handleTaskStop(taskType types.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rec, ok := s.engine.Latest(taskType)
		if !ok || rec.State.Terminal() {
			s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("no active %s run", taskType))
			return
		}
		s.cancel(w, rec.ID)
	}
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.cancel(w, id)
}

func (s *Server) cancel(w http.ResponseWriter, id uuid.UUID) {
	if err := s.engine.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.engine.GetStatus(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("run cancel requested", "run_id", id, "task", rec.TaskType)
	s.jsonResponse(w, http.StatusAccepted, newRunResponse(rec))
}

// handleListRuns lists live and archived runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskType := types.TaskType(r.URL.Query().Get("task_type"))
	if taskType != "" && !taskType.Valid() {
		s.writeError(w, &ErrValidation{Field: "task_type", Message: "must be discovery or monitoring"})
		return
	}
	limit, err := intParam(r, "limit", defaultRunsLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit = min(limit, maxRunsLimit)

	runs, err := s.engine.History(r.Context(), taskType, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []types.RunRecord{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun returns a live snapshot, falling back to the archive.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.engine.GetStatus(id)
	var notFound *tracker.NotFoundError
	if errors.As(err, &notFound) {
		archived, gerr := s.store.GetRun(r.Context(), id)
		if gerr != nil {
			s.writeError(w, gerr)
			return
		}
		if archived != nil {
			s.jsonResponse(w, http.StatusOK, archived)
			return
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rec)
}

// handleRunEvents streams run snapshots until the run is terminal or the
// client goes away.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.engine.GetStatus(id); err != nil {
		s.writeError(w, err)
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	for {
		changed, err := s.engine.Changes(id)
		if err != nil {
			sse.WriteError(err.Error())
			return
		}
		rec, err := s.engine.GetStatus(id)
		if err != nil {
			sse.WriteError(err.Error())
			return
		}
		if rec.State.Terminal() {
			sse.WriteComplete(rec)
			return
		}
		if err := sse.WriteProgress(rec); err != nil {
			s.logger.Debug("event stream closed", "run_id", id, "error", err)
			return
		}

		select {
		case <-changed:
		case <-r.Context().Done():
			return
		}
	}
}

func runID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "id", Message: "must be a UUID"}
	}
	return id, nil
}
