package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/entrhq/ehragent/pkg/assistant"
	"github.com/entrhq/ehragent/pkg/session"
	"github.com/go-chi/chi/v5"
)

const (
	msgUserIDRequired  = "UserId is required."
	msgMessageRequired = "Message is required."
	msgSessionNotFound = "Session not found."
	msgNoImage         = "No QR code or page image could be captured."
	msgShuttingDown    = "Service is shutting down."
	msgSessionBusy     = "Timed out waiting for the session."
	msgBodyTooLarge    = "Request body too large."

	// maxBodyBytes caps every JSON request body.
	maxBodyBytes = 1 << 20
)

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	UserID string `json:"userId"`
}

// ChatRequest is the body of POST /api/sessions/{id}/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{Status: "ok", Sessions: s.sessions.Len()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	identity, err := s.sessions.Create(r.Context(), req.UserID)
	if err != nil {
		s.sessionError(w, "Failed to create session", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, identity)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.sessionError(w, "Failed to close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.sessionError(w, "Failed to read status", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	image, err := s.sessions.QRImage(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.sessionError(w, "Failed to capture QR code", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(image)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(image); err != nil {
		s.log.Warnf("write qr image: %v", err)
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.chat.Process(r.Context(), chi.URLParam(r, "sessionID"), req.Message)
	if err != nil {
		s.sessionError(w, "Failed to process chat", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// decode reads a JSON body of at most maxBodyBytes into v. An empty body leaves v zero so the
// required-field checks report it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
		return false
	}
	s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
	return false
}

func (s *Server) sessionError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidUserID):
		s.errorResponse(w, http.StatusBadRequest, msgUserIDRequired)
	case errors.Is(err, assistant.ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, msgMessageRequired)
	case errors.Is(err, session.ErrSessionNotFound):
		s.errorResponse(w, http.StatusNotFound, msgSessionNotFound)
	case errors.Is(err, session.ErrNoImage):
		s.errorResponse(w, http.StatusNotFound, msgNoImage)
	case errors.Is(err, session.ErrRegistryClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, msgShuttingDown)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.errorResponse(w, http.StatusGatewayTimeout, msgSessionBusy)
	default:
		s.errorResponse(w, http.StatusInternalServerError, action+": "+err.Error())
	}
}
