package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"sire/pkg/platform/httputil"
)

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Authenticate(r.Context(), chi.URLParam(r, "taxpayerID"))
	if err != nil {
		h.fail(w, r, "authentication failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Status(r.Context(), chi.URLParam(r, "taxpayerID"))
	if err != nil {
		h.fail(w, r, "failed to load session", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Invalidate(r.Context(), chi.URLParam(r, "taxpayerID")); err != nil {
		h.fail(w, r, "failed to invalidate session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
