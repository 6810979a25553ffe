// Package session exposes the session store's commands over HTTP.
package session

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/authority"
	sessionsvc "github.com/zhouzirui/graymar/client/internal/service/session"
	"github.com/zhouzirui/graymar/client/pkg/utils"
)

// Service is the subset of the session store the handler drives.
type Service interface {
	Snapshot() sessionsvc.State
	Start(ctx context.Context, presetID, variant string) error
	CheckActive(ctx context.Context) (*game.ActiveRun, error)
	Resume(ctx context.Context, sessionID string) error
	SubmitAction(ctx context.Context, text string) error
	SubmitChoice(ctx context.Context, choiceID string) error
	FlushDeferred()
	ClearFault()
	Reset()
}

// Handler serves session commands.
type Handler struct {
	svc Service
}

// New creates a session handler.
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/session", func(s chi.Router) {
		s.Get("/", h.handleSnapshot)
		s.Delete("/", h.handleReset)
		s.Post("/start", h.handleStart)
		s.Get("/active", h.handleActive)
		s.Post("/resume", h.handleResume)
		s.Post("/actions", h.handleAction)
		s.Post("/choices", h.handleChoice)
		s.Post("/flush", h.handleFlush)
		s.Post("/fault/clear", h.handleClearFault)
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.svc.Snapshot())
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.svc.Reset()
	utils.RespondJSON(w, http.StatusOK, h.svc.Snapshot())
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PresetID string `json:"presetId"`
		Variant  string `json:"variant"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.PresetID == "" {
		utils.RespondError(w, http.StatusBadRequest, "presetId is required")
		return
	}

	// The store finishes a command even when the caller goes away.
	if err := h.svc.Start(context.WithoutCancel(r.Context()), payload.PresetID, payload.Variant); err != nil {
		respondCommandError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, h.svc.Snapshot())
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	active, err := h.svc.CheckActive(r.Context())
	if err != nil {
		respondCommandError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, active)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.svc.Resume(context.WithoutCancel(r.Context()), payload.SessionID); err != nil {
		respondCommandError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.svc.Snapshot())
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.SubmitAction(context.WithoutCancel(r.Context()), payload.Text); err != nil {
		respondCommandError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.svc.Snapshot())
}

func (h *Handler) handleChoice(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ChoiceID string `json:"choiceId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.SubmitChoice(context.WithoutCancel(r.Context()), payload.ChoiceID); err != nil {
		respondCommandError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.svc.Snapshot())
}

func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	h.svc.FlushDeferred()
	utils.RespondJSON(w, http.StatusOK, h.svc.Snapshot())
}

func (h *Handler) handleClearFault(w http.ResponseWriter, r *http.Request) {
	h.svc.ClearFault()
	utils.RespondJSON(w, http.StatusOK, h.svc.Snapshot())
}

// statusFor maps command errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sessionsvc.ErrEmptyInput), errors.Is(err, sessionsvc.ErrUnknownChoice):
		return http.StatusBadRequest
	case errors.Is(err, sessionsvc.ErrNoSession), errors.Is(err, authority.ErrNoActiveRun):
		return http.StatusNotFound
	case errors.Is(err, sessionsvc.ErrSessionActive),
		errors.Is(err, sessionsvc.ErrSubmissionInFlight),
		errors.Is(err, sessionsvc.ErrNotPlayable),
		errors.Is(err, sessionsvc.ErrNotAccepted),
		authority.IsRejected(err):
		return http.StatusConflict
	case authority.IsTransport(err):
		return http.StatusBadGateway
	}
	var apiErr *authority.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondCommandError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[session] command failed: %v", err)
	}
	utils.RespondError(w, status, authority.Message(err))
}
