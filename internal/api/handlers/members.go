// members.go — обработчики членства: добавление, снятие, продление,
// передача, отзыв и список участников группы.
package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/groups-module/internal/api/errors"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
)

// AddMember — POST /api/v1/groups/{group}/members.
// Повторное добавление обновляет роль и срок, не создавая дубликатов.
// no_host доступен только sudo.
func (h *APIHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	var req memberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.User == uuid.Nil {
		apierrors.ValidationError(w, "Не указан пользователь")
		return
	}

	add := h.groups.AddMember
	if req.NoHost {
		add = h.groups.AddMemberWithoutHost
	}
	if err := add(r.Context(), s, chi.URLParam(r, "group"), req.User, req.Expiration); err != nil {
		h.serviceError(w, "add_member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveMember — DELETE /api/v1/groups/{group}/members/{user}?comment=.
func (h *APIHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}

	if err := h.groups.RemoveMember(r.Context(), s, chi.URLParam(r, "group"), user, r.URL.Query().Get("comment")); err != nil {
		h.serviceError(w, "remove_member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenewMember — PUT /api/v1/groups/{group}/members/{user}/expiration.
// null снимает срок (бессрочное членство).
func (h *APIHandler) RenewMember(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	var req expirationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.groups.Renew(r.Context(), s, chi.URLParam(r, "group"), user, req.Expiration); err != nil {
		h.serviceError(w, "renew", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers — GET /api/v1/groups/{group}/members?prefix=&role=&limit=&offset=.
// role — список ролей через запятую.
func (h *APIHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	filter := service.MemberFilter{
		Prefix: r.URL.Query().Get("prefix"),
		Limit:  limit,
		Offset: offset,
	}
	if raw := r.URL.Query().Get("role"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			switch rt := model.RoleType(strings.TrimSpace(role)); rt {
			case model.RoleMember, model.RoleCurator, model.RoleAdmin:
				filter.Roles = append(filter.Roles, rt)
			default:
				apierrors.ValidationError(w, "Недопустимая роль: "+role)
				return
			}
		}
	}

	page, err := h.groups.Members(r.Context(), s, chi.URLParam(r, "group"), filter)
	if err != nil {
		h.serviceError(w, "members", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, mapMember))
}

// Transfer — POST /api/v1/transfer.
// Передаёт членство old_user пользователю new_user с той же ролью и сроком.
func (h *APIHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Group == "" || req.OldUser == uuid.Nil || req.NewUser == uuid.Nil {
		apierrors.ValidationError(w, "Необходимо указать group, old_user и new_user")
		return
	}

	if err := h.groups.Transfer(r.Context(), s, req.Group, req.OldUser, req.NewUser); err != nil {
		h.serviceError(w, "transfer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeMemberships — POST /api/v1/users/{user}/revoke.
// Снимает членство в каждой из перечисленных групп независимо;
// при частичном сбое возвращает 207 со сводкой.
func (h *APIHandler) RevokeMemberships(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Groups) == 0 {
		apierrors.ValidationError(w, "Необходимо указать хотя бы одну группу")
		return
	}
	if req.Force && !s.IsSudo() {
		apierrors.Forbidden(w, "Принудительное снятие доступно только администраторам")
		return
	}

	err := h.groups.RevokeMembership(r.Context(), s, service.RevokeRequest{
		User:   user,
		Groups: req.Groups,
		Force:  req.Force,
		Notify: req.Notify,
	}, req.Comment)
	if err != nil {
		h.serviceError(w, "revoke", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
