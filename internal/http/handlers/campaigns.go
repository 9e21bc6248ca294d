package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zapblast/zapblast/internal/campaigns"
	"github.com/zapblast/zapblast/internal/retrier"
)

// CampaignHandler exposes the engine's lifecycle operations over REST. It is
// deliberately thin: decode, call the manager, encode.
type CampaignHandler struct {
	manager  *campaigns.Manager
	governor *retrier.Governor
	log      *slog.Logger
}

func NewCampaignHandler(manager *campaigns.Manager, governor *retrier.Governor, log *slog.Logger) *CampaignHandler {
	return &CampaignHandler{manager: manager, governor: governor, log: log}
}

type createRequest struct {
	OwnerID   string              `json:"ownerId"`
	SessionID string              `json:"messengerSessionId"`
	Name      string              `json:"name"`
	Template  string              `json:"template"`
	Contacts  []campaigns.Contact `json:"contacts"`
	Config    json.RawMessage     `json:"config"`
}

func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg, err := campaigns.ParseConfig(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.manager.Create(r.Context(), campaigns.CreateParams{
		OwnerID:   req.OwnerID,
		SessionID: req.SessionID,
		Name:      req.Name,
		Template:  req.Template,
		Contacts:  req.Contacts,
		Config:    cfg,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"campaignId": id})
}

func (h *CampaignHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var err error
	if r.URL.Query().Get("force") == "true" {
		err = h.manager.ForceStart(r.Context(), id)
	} else {
		err = h.manager.Start(r.Context(), id)
	}
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *CampaignHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *CampaignHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *CampaignHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Stop(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *CampaignHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *CampaignHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Cleanup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *CampaignHandler) Recover(w http.ResponseWriter, r *http.Request) {
	count, err := h.manager.Recover(r.Context(), r.URL.Query().Get("ownerId"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"respawned": count})
}

type forceRetryRequest struct {
	Indexes []int `json:"indexes"`
}

func (h *CampaignHandler) ForceRetry(w http.ResponseWriter, r *http.Request) {
	if h.governor == nil {
		writeError(w, http.StatusServiceUnavailable, "retry governor not configured")
		return
	}

	var req forceRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	retried, err := h.governor.ForceRetry(r.Context(), chi.URLParam(r, "id"), req.Indexes)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaigns.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case campaigns.IsTransitionError(err),
		errors.Is(err, campaigns.ErrNotTerminal),
		errors.Is(err, campaigns.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaigns.ErrEmptyContacts),
		errors.Is(err, campaigns.ErrInvalidPhone),
		errors.Is(err, campaigns.ErrUnknownConfigKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
