package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/TagusLX/scrapTV/internal/metrics"
	"github.com/TagusLX/scrapTV/internal/scheduler"
	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/session"
	"github.com/TagusLX/scrapTV/internal/store"
)

const defaultSessionListLimit = 20

type targetedRequest struct {
	LocationID string `json:"location_id"`
}

type captchaRequest struct {
	Solution string `json:"solution"`
}

func (s *Server) startFullSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.scheduler.StartFull(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrSessionConflict) {
			writeError(w, http.StatusConflict, "another session is already active")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) startTargetedSession(w http.ResponseWriter, r *http.Request) {
	var req targetedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.LocationID == "" {
		writeError(w, http.StatusBadRequest, "location_id is required")
		return
	}
	sess, err := s.scheduler.StartTargeted(r.Context(), req.LocationID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSessionConflict):
			writeError(w, http.StatusConflict, "another session is already active")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []scrape.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) solveCaptcha(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var req captchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Solution == "" {
		writeError(w, http.StatusBadRequest, "solution is required")
		return
	}
	sess, err := s.machine.ResolveCaptcha(r.Context(), id, req.Solution)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrNotWaiting):
			writeError(w, http.StatusConflict, "session is not waiting for a captcha solution")
		case errors.Is(err, session.ErrCaptchaRejected):
			metrics.ObserveCaptchaSolution(false)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   "captcha solution rejected",
				"session": sess,
			})
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	metrics.ObserveCaptchaSolution(true)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, err := s.scheduler.StartRetry(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, scheduler.ErrNoFailedCells):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, store.ErrSessionConflict):
			writeError(w, http.StatusConflict, "another session is already active")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) abandonSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	sess, err := s.machine.Abandon(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrNotActive):
			writeError(w, http.StatusConflict, "session is not active")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) getCoverage(w http.ResponseWriter, r *http.Request) {
	levels, err := s.tracker.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"levels": levels})
}

func (s *Server) getCoverageDetailed(w http.ResponseWriter, r *http.Request) {
	districts, err := s.tracker.Detailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"districts": districts})
}

func filterFromQuery(r *http.Request) store.Filter {
	q := r.URL.Query()
	return store.Filter{
		LocationPrefix: q.Get("location"),
		Operation:      scrape.Operation(q.Get("operation")),
		Property:       scrape.PropertyType(q.Get("property_type")),
	}
}

func (s *Server) listValues(w http.ResponseWriter, r *http.Request) {
	values, err := s.store.ListValues(r.Context(), filterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if values == nil {
		values = []scrape.Value{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(values),
		"values": values,
	})
}

func (s *Server) clearValues(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearValues(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type exportRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) exportSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "export is not configured")
		return
	}
	var req exportRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.SessionID == "" {
		sessions, err := s.store.ListSessions(r.Context(), 1)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(sessions) > 0 {
			req.SessionID = sessions[0].ID
		} else {
			req.SessionID = "manual"
		}
	}
	uri, err := s.exporter.Export(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"uri":        uri,
	})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.AggregateStats(r.Context(), filterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
