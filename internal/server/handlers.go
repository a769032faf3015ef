package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/session"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeSessionError maps session errors onto HTTP status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionCompleted):
		writeError(w, http.StatusConflict, "session is completed")
	case errors.Is(err, session.ErrSessionExists):
		writeError(w, http.StatusConflict, "session already exists")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	if sessions == nil {
		sessions = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Name           string   `json:"name"`
	Model          string   `json:"model"`
	WorkDir        string   `json:"work_dir"`
	AllowedTools   []string `json:"allowed_tools"`
	PermissionMode string   `json:"permission_mode"`
	MaxTurns       int      `json:"max_turns"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	snap, err := s.manager.Create(r.Context(), req.Name, session.Config{
		WorkDir:        req.WorkDir,
		Model:          req.Model,
		AllowedTools:   req.AllowedTools,
		PermissionMode: req.PermissionMode,
		MaxTurns:       req.MaxTurns,
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type renameSessionRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req renameSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.manager.Rename(r.Context(), chi.URLParam(r, "id"), req.Name); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Message and lifecycle handlers ---

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.manager.History(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	data, err := engine.EncodeHistory(history)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(data))
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	// Accepted, not answered: responses arrive over the event feed.
	if err := s.manager.Send(r.Context(), chi.URLParam(r, "id"), req.Content); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Interrupt(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Complete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Permission handlers ---

type resolvePermissionRequest struct {
	Allow        bool           `json:"allow"`
	Reason       string         `json:"reason"`
	UpdatedInput map[string]any `json:"updated_input"`
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	var req resolvePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	decision := engine.PermissionDecision{
		Allow:        req.Allow,
		Reason:       req.Reason,
		UpdatedInput: req.UpdatedInput,
	}
	if err := s.manager.ResolvePermission(chi.URLParam(r, "requestID"), decision); err != nil {
		if errors.Is(err, session.ErrUnknownPermissionRequest) {
			writeError(w, http.StatusNotFound, "unknown permission request")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
