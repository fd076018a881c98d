// Пакет handlers — HTTP-обработчики Groups Module.
// handler.go — основной обработчик API: объединяет доменные обработчики
// и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/groups-module/internal/api/errors"
	"github.com/bigkaa/goartstore/groups-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
)

// Groups — операции движка членства, доступные через API.
// Реализуется *service.Engine.
type Groups interface {
	AddMember(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID, expiration *time.Time) error
	AddMemberWithoutHost(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID, expiration *time.Time) error
	RemoveMember(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID, comment string) error
	RevokeMembership(ctx context.Context, scope rbac.Scope, req service.RevokeRequest, comment string) error
	Renew(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID, expiration *time.Time) error
	Transfer(ctx context.Context, scope rbac.Scope, group string, oldUser, newUser uuid.UUID) error
	Members(ctx context.Context, scope rbac.Scope, group string, f service.MemberFilter) (model.Page[model.Member], error)

	AddAdmin(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID) error
	AddAdminWithoutHost(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID) error
	AddCurator(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID) error
	RemoveAdmin(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID) error
	RemoveCurator(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID) error
	CuratorEmails(ctx context.Context, scope rbac.Scope, group string) ([]string, error)

	CreateGroup(ctx context.Context, scope rbac.Scope, ng service.NewGroup) (*model.Group, error)
	ReserveGroup(ctx context.Context, scope rbac.Scope, name string) (*model.Group, error)
	ChangeTrust(ctx context.Context, scope rbac.Scope, name string, trust model.TrustType) (model.BatchResult, error)
	ListInactive(ctx context.Context, scope rbac.Scope, limit, offset int) (model.Page[*model.Group], error)
	DeleteInactive(ctx context.Context, scope rbac.Scope, name string) error

	PendingRequests(ctx context.Context, scope rbac.Scope, group string, limit, offset int) (model.Page[model.PendingRequest], error)
	AcceptRequest(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID) error
	RejectRequest(ctx context.Context, scope rbac.Scope, group string, user uuid.UUID) error

	DeleteUser(ctx context.Context, scope rbac.Scope, user uuid.UUID) error
	DeleteInactiveUsers(ctx context.Context, scope rbac.Scope) ([]uuid.UUID, error)
	StaffUUIDs(ctx context.Context, scope rbac.Scope) ([]uuid.UUID, error)
	MemberUUIDs(ctx context.Context, scope rbac.Scope) ([]uuid.UUID, error)
	UserData(ctx context.Context, scope rbac.Scope, user uuid.UUID) (*model.UserData, error)
	SyncUser(ctx context.Context, user uuid.UUID) (model.GroupDiff, error)
	Consolidate(ctx context.Context, dryRun bool) (*model.ConsolidationResult, error)
	ImportGroup(ctx context.Context, imp service.GroupImport) (*model.ImportResult, error)
	SubscribeNDA(ctx context.Context, scope rbac.Scope, user uuid.UUID) error
	UnsubscribeNDA(ctx context.Context, scope rbac.Scope, user uuid.UUID) error
	RawLogs(ctx context.Context, scope rbac.Scope, q service.LogQuery) (model.Page[*model.LogEntry], error)
}

// Jobs — ручной запуск пакетных задач. Реализуется *service.JobRunner.
type Jobs interface {
	Run(ctx context.Context, name string, dryRun bool) (model.BatchResult, error)
	States(ctx context.Context) ([]*model.JobState, error)
}

// APIHandler — основной обработчик API Groups Module.
type APIHandler struct {
	health *HealthHandler
	groups Groups
	jobs   Jobs
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, groups Groups, jobs Jobs, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health: health,
		groups: groups,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness-проверка (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness-проверка (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// scope извлекает область полномочий актора. При отсутствии claims
// пишет 401 и возвращает false.
func scope(w http.ResponseWriter, r *http.Request) (rbac.Scope, bool) {
	s, ok := middleware.ScopeFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
	}
	return s, ok
}

// serviceError пишет ответ по ошибке сервисного слоя,
// нераспознанные ошибки логируются.
func (h *APIHandler) serviceError(w http.ResponseWriter, op string, err error) {
	if apierrors.FromService(w, err) {
		h.logger.Error("Ошибка обработки запроса",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	}
}

// decodeJSON разбирает тело запроса. При ошибке пишет 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// userParam читает UUID пользователя из параметра пути.
func userParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Параметр %s должен быть UUID пользователя", name))
		return uuid.Nil, false
	}
	return id, true
}

// optionalUUID читает необязательный UUID из query-параметра.
func optionalUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Параметр %s должен быть UUID", name))
		return nil, false
	}
	return &id, true
}

// queryBool читает булев query-параметр (отсутствует — false).
func queryBool(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Параметр %s должен быть true или false", name))
		return false, false
	}
	return v, true
}

// pagination читает limit и offset из query и нормализует их.
func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	var l, o *int
	for name, dst := range map[string]**int{"limit": &l, "offset": &o} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			apierrors.ValidationError(w, fmt.Sprintf("Параметр %s должен быть целым числом", name))
			return 0, 0, false
		}
		*dst = &v
	}
	limit, offset = paginationDefaults(l, o)
	return limit, offset, true
}

// paginationDefaults нормализует параметры пагинации.
// Возвращает корректные limit и offset.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 1000 {
			l = 1000
		}
	}

	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}

	return l, o
}
