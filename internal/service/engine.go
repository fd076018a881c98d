// engine.go — движок жизненного цикла членства.
//
// Engine объединяет локальное хранилище (транзакции pgx), сервис
// идентификации (Keycloak), отправку писем (NATS) и очередь повторной
// синхронизации (Redis). Каждая операция выполняется так:
//  1. чтения из IdP, без которых нельзя менять локальное состояние;
//  2. одна транзакция: изменение + запись аудита;
//  3. post-commit хуки: синхронизация профиля и письма.
//
// Хуки не могут откатить коммит: их ошибки возвращаются отдельно
// (SyncError), письма — fire-and-forget.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/keycloak"
	"github.com/bigkaa/goartstore/groups-module/internal/notify"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
	"github.com/bigkaa/goartstore/groups-module/internal/syncqueue"
)

// Store — транзакционный доступ к репозиториям.
// Реализуется repository.TxRunner.
type Store interface {
	Repos() *repository.Repositories
	InTx(ctx context.Context, fn func(r *repository.Repositories) error) error
}

// IdentityClient — контракт сервиса идентификации.
// Реализуется *keycloak.Client, безопасен для конкурентного использования.
type IdentityClient interface {
	GetUser(ctx context.Context, id string) (*keycloak.KeycloakUser, error)
	FindUserByUsername(ctx context.Context, username string) (*keycloak.KeycloakUser, error)
	GetUserGroups(ctx context.Context, userID string) ([]keycloak.KeycloakGroup, error)
	AddUserToGroup(ctx context.Context, userID, groupName string) error
	RemoveUserFromGroup(ctx context.Context, userID, groupName string) error
}

// Notifier — отправка писем. Ошибки отправки не возвращаются.
// Реализуется *notify.Sender.
type Notifier interface {
	SendEmail(ctx context.Context, addr string, t notify.Template)
	SendEmails(ctx context.Context, addrs []string, t notify.Template)
	SubscribeNDA(ctx context.Context, email string)
	UnsubscribeNDA(ctx context.Context, email string)
}

// Engine — движок жизненного цикла членства.
type Engine struct {
	store       Store
	idp         IdentityClient
	mail        Notifier
	heal        syncqueue.Queue
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// NewEngine создаёт движок. concurrency — максимум параллельно
// обрабатываемых пользователей в пакетных операциях.
func NewEngine(
	store Store,
	idp IdentityClient,
	mail Notifier,
	heal syncqueue.Queue,
	concurrency int,
	logger *slog.Logger,
) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	if heal == nil {
		heal = syncqueue.NewMemoryQueue()
	}
	return &Engine{
		store:       store,
		idp:         idp,
		mail:        mail,
		heal:        heal,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "lifecycle")),
	}
}

// SystemScope — область полномочий системы (истечение, импорт, очистка).
func SystemScope() rbac.Scope {
	return rbac.Scope{Actor: model.SystemActor, Trust: model.TrustStaff, Admin: true}
}

// hooks — действия после коммита транзакции.
type hooks []func(ctx context.Context) error

func (h *hooks) add(fn func(ctx context.Context) error) {
	*h = append(*h, fn)
}

// run выполняет все хуки, ошибка одного не останавливает остальные.
func (h hooks) run(ctx context.Context) error {
	var errs []error
	for _, fn := range h {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// inTx выполняет fn в транзакции и переводит ошибки хранилища.
func (e *Engine) inTx(ctx context.Context, what string, fn func(r *repository.Repositories) error) error {
	return storeErr(what, e.store.InTx(ctx, fn))
}

// appendLog пишет запись аудита в текущей транзакции.
func appendLog(ctx context.Context, r *repository.Repositories, entry model.LogEntry) error {
	return r.Logs.Append(ctx, &entry)
}

// membershipLog формирует запись аудита о членстве.
func membershipLog(op model.LogOperation, groupID int, host, user uuid.UUID, comment string) model.LogEntry {
	return model.LogEntry{
		Target:    model.TargetMembership,
		Operation: op,
		GroupID:   groupID,
		HostUUID:  host,
		UserUUID:  &user,
		Body:      model.Comment(comment),
	}
}

// groupForHost загружает группу и проверяет, что актор может управлять
// её участниками. Для force-операций проверка полномочий пропускается.
func groupForHost(ctx context.Context, r *repository.Repositories, scope rbac.Scope, name string, force bool) (*model.Group, error) {
	group, err := r.Groups.GetByName(ctx, name)
	if err != nil {
		return nil, storeErr("группа "+name, err)
	}
	if force {
		return group, nil
	}
	role, err := actorRole(ctx, r, scope.Actor, group.ID)
	if err != nil {
		return nil, err
	}
	if !scope.CanManage(role) {
		return nil, ErrForbidden
	}
	return group, nil
}

// actorRole возвращает роль пользователя в группе или nil.
func actorRole(ctx context.Context, r *repository.Repositories, user uuid.UUID, groupID int) (*model.Role, error) {
	role, err := r.Roles.RoleFor(ctx, user, groupID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("роль пользователя", err)
	}
	return role, nil
}
