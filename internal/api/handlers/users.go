// users.go — обработчики пользователей: удаление, выгрузка данных,
// синхронизация профиля, консолидация, рассылка NDA и журнал аудита.
// Доступ: sudo (проверяется RequireSudo на уровне роутера).
package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
)

// DeleteUser — DELETE /api/v1/users/{user}.
// Снимает все членства, приглашения и заявки пользователя.
func (h *APIHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	if err := h.groups.DeleteUser(r.Context(), s, user); err != nil {
		h.serviceError(w, "delete_user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteInactiveUsers — DELETE /api/v1/users/inactive.
// Удаляет профили пользователей без членств, приглашений и заявок.
func (h *APIHandler) DeleteInactiveUsers(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	deleted, err := h.groups.DeleteInactiveUsers(r.Context(), s)
	if err != nil {
		h.serviceError(w, "delete_inactive_users", err)
		return
	}
	writeJSON(w, http.StatusOK, uuidListResponse{Users: deleted})
}

// StaffUUIDs — GET /api/v1/users/staff.
func (h *APIHandler) StaffUUIDs(w http.ResponseWriter, r *http.Request) {
	h.uuidList(w, r, "staff_uuids", h.groups.StaffUUIDs)
}

// MemberUUIDs — GET /api/v1/users/members.
// Пользователи, состоящие хотя бы в одной группе.
func (h *APIHandler) MemberUUIDs(w http.ResponseWriter, r *http.Request) {
	h.uuidList(w, r, "member_uuids", h.groups.MemberUUIDs)
}

func (h *APIHandler) uuidList(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, s rbac.Scope) ([]uuid.UUID, error),
) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	ids, err := fn(r.Context(), s)
	if err != nil {
		h.serviceError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, uuidListResponse{Users: ids})
}

// UserData — GET /api/v1/users/{user}/data.
// Выгрузка профиля, членств, приглашений, заявок и журнала пользователя.
func (h *APIHandler) UserData(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	data, err := h.groups.UserData(r.Context(), s, user)
	if err != nil {
		h.serviceError(w, "user_data", err)
		return
	}
	writeJSON(w, http.StatusOK, mapUserData(data))
}

// SyncUser — POST /api/v1/users/{user}/sync.
// Переносит полный локальный набор групп пользователя в IdP.
func (h *APIHandler) SyncUser(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}
	diff, err := h.groups.SyncUser(r.Context(), user)
	if err != nil {
		h.serviceError(w, "sync_user", err)
		return
	}
	writeJSON(w, http.StatusOK, mapDiff(diff))
}

// Consolidate — POST /api/v1/users/consolidate?dry_run=.
func (h *APIHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := queryBool(w, r, "dry_run")
	if !ok {
		return
	}
	result, err := h.groups.Consolidate(r.Context(), dryRun)
	if err != nil {
		h.serviceError(w, "consolidate", err)
		return
	}
	writeJSON(w, http.StatusOK, mapConsolidation(result))
}

// SubscribeNDA — POST /api/v1/mail/nda/{user}.
func (h *APIHandler) SubscribeNDA(w http.ResponseWriter, r *http.Request) {
	h.ndaMailing(w, r, true)
}

// UnsubscribeNDA — DELETE /api/v1/mail/nda/{user}.
func (h *APIHandler) UnsubscribeNDA(w http.ResponseWriter, r *http.Request) {
	h.ndaMailing(w, r, false)
}

func (h *APIHandler) ndaMailing(w http.ResponseWriter, r *http.Request, subscribe bool) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	user, ok := userParam(w, r, "user")
	if !ok {
		return
	}

	var err error
	if subscribe {
		err = h.groups.SubscribeNDA(r.Context(), s, user)
	} else {
		err = h.groups.UnsubscribeNDA(r.Context(), s, user)
	}
	if err != nil {
		h.serviceError(w, "nda_mailing", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RawLogs — GET /api/v1/logs/raw?group=&user=&host=&limit=&offset=.
// Новые записи первыми.
func (h *APIHandler) RawLogs(w http.ResponseWriter, r *http.Request) {
	s, ok := scope(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	user, ok := optionalUUID(w, r, "user")
	if !ok {
		return
	}
	host, ok := optionalUUID(w, r, "host")
	if !ok {
		return
	}

	page, err := h.groups.RawLogs(r.Context(), s, service.LogQuery{
		Group:  r.URL.Query().Get("group"),
		User:   user,
		Host:   host,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.serviceError(w, "raw_logs", err)
		return
	}
	writeJSON(w, http.StatusOK, mapPage(page, mapLogEntry))
}
