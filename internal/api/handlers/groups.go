// groups.go — обработчики групп и ролей: создание, резервирование,
// смена уровня доверия, неактивные группы, администраторы и кураторы.
package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/groups-module/internal/api/errors"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
)

// CreateGroup — POST /api/v1/groups.
// Создатель становится администратором группы.
func (h *APIHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	var req groupCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		apierrors.ValidationError(w, "Не указано имя группы")
		return
	}

	ng := service.NewGroup{
		Name:            req.Name,
		Type:            model.GroupOpen,
		Description:     req.Description,
		Trust:           model.TrustAuthenticated,
		Capabilities:    req.Capabilities,
		GroupExpiration: req.GroupExpiration,
	}
	if req.Type != "" {
		gt, err := model.ParseGroupType(req.Type)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		ng.Type = gt
	}
	if req.Trust != "" {
		trust, err := model.ParseTrust(req.Trust)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		ng.Trust = trust
	}

	group, err := h.groups.CreateGroup(r.Context(), s, ng)
	if err != nil {
		h.serviceError(w, "create_group", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapGroup(group))
}

// ReserveGroup — POST /api/v1/groups/reserve/{group}.
// Создаёт неактивную группу-заглушку; повторное резервирование — 409.
func (h *APIHandler) ReserveGroup(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	group, err := h.groups.ReserveGroup(r.Context(), s, chi.URLParam(r, "group"))
	if err != nil {
		h.serviceError(w, "reserve_group", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapGroup(group))
}

// ChangeTrust — PUT /api/v1/groups/{group}/trust.
// Возвращает сводку снятия участников ниже нового уровня.
func (h *APIHandler) ChangeTrust(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	var req trustRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	trust, err := model.ParseTrust(req.Trust)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	result, err := h.groups.ChangeTrust(r.Context(), s, chi.URLParam(r, "group"), trust)
	if err != nil {
		h.serviceError(w, "change_trust", err)
		return
	}
	writeJSON(w, http.StatusOK, mapBatch(result))
}

// ListInactive — GET /api/v1/groups/inactive?limit=&offset=.
func (h *APIHandler) ListInactive(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	page, err := h.groups.ListInactive(r.Context(), s, limit, offset)
	if err != nil {
		h.serviceError(w, "list_inactive", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, mapGroup))
}

// DeleteInactive — DELETE /api/v1/groups/inactive/{group}.
func (h *APIHandler) DeleteInactive(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	if err := h.groups.DeleteInactive(r.Context(), s, chi.URLParam(r, "group")); err != nil {
		h.serviceError(w, "delete_inactive", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// roleOp — изменение роли пользователя в группе.
type roleOp func(ctx context.Context, s rbac.Scope, group string, user uuid.UUID) error

// AddAdmin — POST /api/v1/groups/{group}/admins.
// no_host доступен только sudo.
func (h *APIHandler) AddAdmin(w http.ResponseWriter, r *http.Request) {
	h.grantRole(w, r, "add_admin", h.groups.AddAdmin, h.groups.AddAdminWithoutHost)
}

// AddCurator — POST /api/v1/groups/{group}/curators.
func (h *APIHandler) AddCurator(w http.ResponseWriter, r *http.Request) {
	h.grantRole(w, r, "add_curator", h.groups.AddCurator, nil)
}

// RemoveAdmin — DELETE /api/v1/groups/{group}/admins/{user}.
// Снятие последнего администратора — 409.
func (h *APIHandler) RemoveAdmin(w http.ResponseWriter, r *http.Request) {
	h.revokeRole(w, r, "remove_admin", h.groups.RemoveAdmin)
}

// RemoveCurator — DELETE /api/v1/groups/{group}/curators/{user}.
func (h *APIHandler) RemoveCurator(w http.ResponseWriter, r *http.Request) {
	h.revokeRole(w, r, "remove_curator", h.groups.RemoveCurator)
}

// grantRole — общий обработчик назначения роли: пользователь в теле запроса.
// noHost — вариант без хоста; nil, если роль его не поддерживает.
func (h *APIHandler) grantRole(w http.ResponseWriter, r *http.Request, op string, fn, noHost roleOp) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	var req userRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.User == uuid.Nil {
		apierrors.ValidationError(w, "Не указан пользователь")
		return
	}
	if req.NoHost {
		if noHost == nil {
			apierrors.ValidationError(w, "no_host не поддерживается для этой роли")
			return
		}
		fn = noHost
	}
	if err := fn(r.Context(), s, chi.URLParam(r, "group"), req.User); err != nil {
		h.serviceError(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revokeRole — общий обработчик снятия роли: пользователь в пути.
func (h *APIHandler) revokeRole(w http.ResponseWriter, r *http.Request, op string, fn roleOp) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	if err := fn(r.Context(), s, chi.URLParam(r, "group"), user); err != nil {
		h.serviceError(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CuratorEmails — GET /api/v1/groups/{group}/curators/emails.
func (h *APIHandler) CuratorEmails(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	emails, err := h.groups.CuratorEmails(r.Context(), s, chi.URLParam(r, "group"))
	if err != nil {
		h.serviceError(w, "curator_emails", err)
		return
	}
	if emails == nil {
		emails = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"emails": emails})
}
