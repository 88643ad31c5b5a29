// Package api exposes the engine's control surface over HTTP: submit a
// cancellation, deliver a verification code, cancel or inspect a run.
// It is an operational control endpoint for the serve process, not a
// public product API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/subzero-app/subzero/internal/engine"
	"github.com/subzero-app/subzero/internal/registry"
	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/store"
)

// Server handles control requests for a running engine.
type Server struct {
	eng *engine.Engine
	log *slog.Logger
}

// NewServer creates a Server over the engine.
func NewServer(eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{eng: eng, log: log}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.handleCancel)
	mux.HandleFunc("POST /v1/codes", s.handleCode)
	return mux
}

// SubmitRequest is the submit payload.
type SubmitRequest struct {
	UserID        string `json:"user_id"`
	Service       string `json:"service"`
	LoginURL      string `json:"login_url,omitempty"`
	CredentialRef string `json:"credential_ref"`
	Backend       string `json:"backend,omitempty"`
	MonthlyCents  int64  `json:"monthly_cents,omitempty"`
	AnnualCents   int64  `json:"annual_cents,omitempty"`
}

// SubmitResponse carries the accepted run id.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// CodeRequest delivers a verification code.
type CodeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// ErrorResponse is the error payload.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}

	runID, err := s.eng.Submit(r.Context(), run.CancellationRequest{
		UserID:        req.UserID,
		Service:       req.Service,
		LoginURL:      req.LoginURL,
		CredentialRef: req.CredentialRef,
		Backend:       run.Backend(req.Backend),
		MonthlyCents:  req.MonthlyCents,
		AnnualCents:   req.AnnualCents,
	})
	if err != nil {
		var re *engine.RunError
		if errors.As(err, &re) {
			status := http.StatusBadRequest
			if re.Code == engine.ErrCodePairBusy {
				status = http.StatusConflict
			}
			writeError(w, status, string(re.Code), re.Message, re.Details)
			return
		}
		s.log.Error("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "submit failed", nil)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitResponse{RunID: runID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snapshot, err := s.eng.Status(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", fmt.Sprintf("no run %s", id), nil)
		return
	}
	if err != nil {
		s.log.Error("status failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "status failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.eng.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", fmt.Sprintf("no run %s", id), nil)
		return
	}
	if err != nil {
		s.log.Error("cancel failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "cancel failed", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
		return
	}

	err := s.eng.ResolveCode(req.SessionID, req.Code)
	if errors.Is(err, registry.ErrNoChallenge) {
		writeError(w, http.StatusNotFound, "NO_CHALLENGE",
			fmt.Sprintf("no pending challenge for session %s", req.SessionID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CODE", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message, Details: details})
}
