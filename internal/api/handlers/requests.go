// requests.go — обработчики заявок на вступление в группу.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListRequests — GET /api/v1/requests/{group}?limit=&offset=.
func (h *APIHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	page, err := h.groups.PendingRequests(r.Context(), s, chi.URLParam(r, "group"), limit, offset)
	if err != nil {
		h.serviceError(w, "pending_requests", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, mapPendingRequest))
}

// AcceptRequest — POST /api/v1/requests/{group}/{user}/accept.
// Заявка удаляется, пользователь становится участником со сроком по политике группы.
func (h *APIHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	if err := h.groups.AcceptRequest(r.Context(), s, chi.URLParam(r, "group"), user); err != nil {
		h.serviceError(w, "accept_request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RejectRequest — DELETE /api/v1/requests/{group}/{user}.
func (h *APIHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	if err := h.groups.RejectRequest(r.Context(), s, chi.URLParam(r, "group"), user); err != nil {
		h.serviceError(w, "reject_request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
