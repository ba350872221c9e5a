package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/progress"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// listWorks handles GET /v1/works and returns {"works": [...]}.
func (s *Server) listWorks(w http.ResponseWriter, r *http.Request) {
	works, err := s.store.ListWorks(r.Context())
	if err != nil {
		s.logger.Error("list works failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list works")
		return
	}
	if works == nil {
		works = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"works": works})
}

// getProgress handles GET /v1/works/{work}/progress. It returns the stored
// snapshot, 404 when the work has none, or 500 when the stored record is
// unreadable.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	work, err := download.SanitizeWorkName(chi.URLParam(r, "work"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.store.Load(r.Context(), work)
	switch {
	case errors.Is(err, download.ErrNotFound):
		writeError(w, http.StatusNotFound, "work not found")
		return
	case errors.Is(err, download.ErrCorruptState):
		s.logger.Error("progress record is corrupt", zap.String("work", work), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "corrupt progress state")
		return
	case err != nil:
		s.logger.Error("load progress failed", zap.String("work", work), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// deleteProgress handles DELETE /v1/works/{work}/progress. A work that is
// queued or running keeps its record and gets 409.
func (s *Server) deleteProgress(w http.ResponseWriter, r *http.Request) {
	work, err := download.SanitizeWorkName(chi.URLParam(r, "work"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, h := range s.ctl.Holders() {
		if h.Work == work {
			writeError(w, http.StatusConflict, "work is "+string(h.Phase))
			return
		}
	}
	err = s.store.Delete(r.Context(), work)
	switch {
	case errors.Is(err, download.ErrNotFound):
		writeError(w, http.StatusNotFound, "work not found")
		return
	case err != nil:
		s.logger.Error("delete progress failed", zap.String("work", work), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete progress")
		return
	}
	s.logger.Info("progress record deleted", zap.String("work", work))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "work": work})
}

// listEvents handles GET /v1/works/{work}/events?limit= from the ledger.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "event ledger disabled")
		return
	}
	work, err := download.SanitizeWorkName(chi.URLParam(r, "work"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultEventsLimit, maxEventsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.history.ListEvents(r.Context(), work, limit)
	if err != nil {
		s.logger.Error("list events failed", zap.String("work", work), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
