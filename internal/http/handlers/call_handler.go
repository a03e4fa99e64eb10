package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/axiestudio/voicebridge/internal/identity"
	"github.com/axiestudio/voicebridge/internal/permission"
	"github.com/axiestudio/voicebridge/internal/session"
	"github.com/axiestudio/voicebridge/internal/tools"
	"github.com/axiestudio/voicebridge/internal/webhook"
	"github.com/axiestudio/voicebridge/pkg/logging"
)

// sessionControl is the slice of the session controller the HTTP surface
// needs. Tests substitute a fake.
type sessionControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() session.Status
	SessionID() string
}

// micStater reports the current microphone permission state without
// prompting.
type micStater interface {
	State() permission.State
}

// CallHandler exposes the call lifecycle over HTTP: the caller submits
// the pre-call form to start a call, deletes it to hang up, and polls
// status while connected.
type CallHandler struct {
	sessions sessionControl
	store    *identity.Store
	reporter *webhook.Reporter
	mic      micStater
	logger   *logging.Logger
}

// NewCallHandler creates the call lifecycle handler. The reporter and
// mic gate are optional.
func NewCallHandler(sessions sessionControl, store *identity.Store, reporter *webhook.Reporter, mic micStater, logger *logging.Logger) *CallHandler {
	if sessions == nil {
		panic("handlers: session controller is required")
	}
	if store == nil {
		panic("handlers: identity store is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CallHandler{
		sessions: sessions,
		store:    store,
		reporter: reporter,
		mic:      mic,
		logger:   logger.WithComponent("call_handler"),
	}
}

// StartCallRequest is the pre-call form body.
type StartCallRequest struct {
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	FirstMessage string `json:"first_message,omitempty"`
}

// CallStatusResponse mirrors the session status for pollers.
type CallStatusResponse struct {
	State      string `json:"state"`
	Speaking   bool   `json:"speaking"`
	Attempts   int    `json:"attempts"`
	SessionID  string `json:"session_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Microphone string `json:"microphone,omitempty"`
}

// StartCall validates and saves the caller's details, reports the form
// submission, then starts the session.
// POST /api/call
func (h *CallHandler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	rec := identity.Record{
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		FirstMessage: req.FirstMessage,
	}.Normalize()

	if err := identity.Validate(rec); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.store.Save(r.Context(), rec)

	if h.reporter != nil {
		h.reporter.Report(r.Context(), map[string]any{
			"first_name":           rec.FirstName,
			"last_name":            rec.LastName,
			"email":                rec.Email,
			"full_name":            rec.FullName(),
			"first_message":        rec.FirstMessage,
			"first_message_length": len(rec.FirstMessage),
			"word_count":           tools.WordCount(rec.FirstMessage),
			"action":               "pre_call_form_submission",
		}, tools.SourcePreCallForm)
	}

	if err := h.sessions.Start(r.Context()); err != nil {
		h.logger.Warn("call start rejected", "error", err)
		jsonError(w, startErrorMessage(err), startErrorStatus(err))
		return
	}

	writeJSON(w, http.StatusAccepted, h.statusResponse())
}

// EndCall hangs up the active call. Idempotent.
// DELETE /api/call
func (h *CallHandler) EndCall(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Stop(r.Context()); err != nil {
		h.logger.Error("call stop failed", "error", err)
		jsonError(w, "failed to end call", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.statusResponse())
}

// CallStatus reports the session state machine and microphone state.
// GET /api/call/status
func (h *CallHandler) CallStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusResponse())
}

func (h *CallHandler) statusResponse() CallStatusResponse {
	st := h.sessions.Status()
	resp := CallStatusResponse{
		State:     string(st.State),
		Speaking:  st.Speaking,
		Attempts:  st.Attempts,
		SessionID: h.sessions.SessionID(),
		Error:     st.Error,
	}
	if h.mic != nil {
		resp.Microphone = string(h.mic.State())
	}
	return resp
}

func startErrorStatus(err error) int {
	if errors.Is(err, session.ErrAlreadyActive) {
		return http.StatusConflict
	}
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		switch sessErr.Class {
		case session.ClassPermission:
			return http.StatusForbidden
		case session.ClassConfig:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func startErrorMessage(err error) string {
	if errors.Is(err, session.ErrAlreadyActive) {
		return "a call is already in progress"
	}
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		return sessErr.UserMessage()
	}
	return "failed to start call"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
