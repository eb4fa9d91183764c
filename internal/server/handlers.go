package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/validlab/slotd/internal/errors"
	"github.com/validlab/slotd/pkg/supervisor"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), apperrors.ToHTTPResponse(err))
}

func slotID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Newf(apperrors.CodeInvalidRequest, "invalid slot id %q", raw)
	}
	return id, nil
}

func decodeLaunchRequest(r *http.Request) (supervisor.LaunchRequest, error) {
	var req supervisor.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid request body", err)
	}
	return req, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"num_slots":        s.reg.Count(),
		"refresh_interval": s.opts.PollInterval.Milliseconds(),
	})
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slots": s.reg.List()})
}

func (s *Server) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	id, err := slotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sl, err := s.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id, err := slotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := decodeLaunchRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sl, err := s.sup.Launch(id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := slotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sl, err := s.sup.Stop(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, err := slotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sl, err := s.sup.Reset(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	slots := s.sup.ResetAll()
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	id, err := slotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := decodeLaunchRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sl, err := s.sup.Setup(id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	id, err := slotID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sl, err := s.sup.Clear(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}
