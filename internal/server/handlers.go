package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/hitlwatch/internal/console"
	"github.com/ppiankov/hitlwatch/internal/ledger"
	"github.com/ppiankov/hitlwatch/internal/registry"
)

// DecisionRequest is the body of POST /v1/decisions.
type DecisionRequest struct {
	RequestID  string   `json:"request_id"`
	Decision   string   `json:"decision"`
	Rationale  string   `json:"rationale"`
	Conditions []string `json:"conditions,omitempty"`
}

// InstructorRequest is the body of POST /v1/instructor.
type InstructorRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// InstructorResponse reports whether the command reached the peer.
type InstructorResponse struct {
	Command string `json:"command"`
	Sent    bool   `json:"sent"`
}

// ResetRequest is the body of POST /v1/reset. Reason is optional.
type ResetRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ResetResponse lists the request ids the reset dropped.
type ResetResponse struct {
	Dropped []string `json:"dropped"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Status())
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Registry().Pending())
}

func (s *Server) handleOldest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.console.Registry().OldestPending()
	if !ok {
		writeError(w, http.StatusNotFound, "no pending requests")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "request_id")
	req, ok := s.console.Registry().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "request "+id+" is not pending")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.RequestID) == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	decision := registry.Decision(strings.ToUpper(strings.TrimSpace(body.Decision)))
	result, err := s.console.Decide(r.Context(), body.RequestID, decision, body.Rationale, body.Conditions)
	switch {
	case errors.Is(err, console.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, console.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error().Err(err).Str("request_id", body.RequestID).Msg("decision not recorded in ledger")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleInstructor(w http.ResponseWriter, r *http.Request) {
	var body InstructorRequest
	if !decodeBody(w, r, &body) {
		return
	}
	sent, err := s.console.Instructor(r.Context(), body.Command, body.Params)
	switch {
	case errors.Is(err, console.ErrEmptyCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, console.ErrNotConnected):
		writeJSON(w, http.StatusServiceUnavailable, InstructorResponse{Command: body.Command, Sent: false})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, InstructorResponse{Command: body.Command, Sent: sent})
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var body ResetRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "operator reset"
	}
	writeJSON(w, http.StatusOK, ResetResponse{Dropped: s.console.Reset(r.Context(), reason)})
}

func (s *Server) handleLedgerSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.console.Ledger().Summary())
}

func (s *Server) handleLedgerTail(w http.ResponseWriter, r *http.Request) {
	n := 20
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, s.console.Ledger().Tail(n))
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	result := s.console.VerifyLedger()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLedgerExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.console.Ledger().Export()
	if err != nil {
		if errors.Is(err, ledger.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger-`+s.console.SessionID()+`.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
