package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/rickgao/proctorhub/internal/coordinator"
	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/risk"
	"github.com/rickgao/proctorhub/internal/session"
	"github.com/rickgao/proctorhub/internal/version"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Components map[string]any `json:"components"`
}

// SessionResponse is the body of GET /api/sessions/{sessionId}.
type SessionResponse struct {
	Session coordinator.SessionView `json:"session"`
	Report  risk.Report             `json:"report"`
}

// ExamSessionsResponse is the body of GET /api/exams/{examId}/sessions.
type ExamSessionsResponse struct {
	ExamID   string                    `json:"examId"`
	Count    int                       `json:"count"`
	Sessions []coordinator.SessionView `json:"sessions"`
}

// EndSessionBody is the optional body of POST /api/sessions/{sessionId}/end.
type EndSessionBody struct {
	Reason  string `json:"reason"`
	Suspend bool   `json:"suspend"`
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

type identityKey struct{}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := HealthResponse{
		Status:     StatusHealthy,
		Version:    version.String(),
		Components: make(map[string]any),
	}

	if s.deps.Database == nil {
		health.Components["database"] = "disabled"
	} else if err := s.deps.Database.Ping(ctx); err != nil {
		health.Status = StatusUnhealthy
		health.Components["database"] = map[string]string{
			"status": "disconnected",
			"error":  err.Error(),
		}
	} else {
		health.Components["database"] = "connected"
	}

	if s.deps.Registry != nil {
		health.Components["registry"] = s.deps.Registry.Stats()
	}
	if s.deps.Router != nil {
		health.Components["router"] = s.deps.Router.Stats()
	}
	if s.deps.Sessions != nil {
		health.Components["sessions"] = s.deps.Sessions.Stats()
	}
	if s.deps.Writer != nil {
		health.Components["writer"] = s.deps.Writer.Stats()
	}
	health.Components["coordinator"] = s.deps.Coordinator.Stats()

	status := http.StatusOK
	if health.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleExamSessions(w http.ResponseWriter, r *http.Request) {
	examID := strings.TrimSpace(mux.Vars(r)["examId"])
	if examID == "" {
		writeError(w, http.StatusBadRequest, "exam id is required")
		return
	}
	views := s.deps.Coordinator.ActiveSessions(examID)
	writeJSON(w, http.StatusOK, ExamSessionsResponse{ExamID: examID, Count: len(views), Sessions: views})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.deps.Sessions.Get(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		Session: coordinator.NewSessionView(sess),
		Report:  risk.NewReport(sess.RiskScore),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	var body EndSessionBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	sess, err := s.deps.Coordinator.EndSession(r.Context(), id, body.Reason, body.Suspend)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	caller, _ := r.Context().Value(identityKey{}).(model.Identity)
	s.logger.Info("session ended over http",
		"session_id", id,
		"supervisor_id", caller.ID,
		"status", sess.Status,
	)
	writeJSON(w, http.StatusOK, SessionResponse{
		Session: coordinator.NewSessionView(sess),
		Report:  risk.NewReport(sess.RiskScore),
	})
}

// requireSupervisor admits requests carrying a supervisor bearer token.
// Without a verifier every request is admitted.
func (s *Server) requireSupervisor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		identity, err := s.deps.Verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			s.logger.Debug("api token rejected", "remote_addr", r.RemoteAddr, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if identity.Role != model.RoleSupervisor {
			writeError(w, http.StatusForbidden, "supervisor role required")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("session request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
