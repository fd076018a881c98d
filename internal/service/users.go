// users.go — операции над пользователем целиком: удаление с каскадом,
// рассылка NDA, журнал аудита.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// DeleteUser снимает все членства пользователя, удаляет его приглашения,
// заявки и локальный профиль. Группы убираются из профиля в IdP после коммита.
func (e *Engine) DeleteUser(ctx context.Context, scope rbac.Scope, user uuid.UUID) error {
	if !scope.IsSudo() {
		return ErrForbidden
	}
	var after hooks
	err := e.inTx(ctx, "удаление пользователя", func(r *repository.Repositories) error {
		memberships, err := r.Memberships.ForUser(ctx, user)
		if err != nil {
			return err
		}
		for _, m := range memberships {
			if _, err := r.Memberships.Delete(ctx, m.GroupID, user); err != nil {
				return err
			}
			if err := appendLog(ctx, r, membershipLog(model.OpDeleted, m.GroupID, scope.Actor, user, "user deleted")); err != nil {
				return err
			}
			groupName := m.GroupName
			after.add(func(ctx context.Context) error { return e.syncRemove(ctx, user, groupName) })
		}

		invitations, err := r.Invitations.DeleteForUser(ctx, user)
		if err != nil {
			return err
		}
		for _, inv := range invitations {
			entry := pendingLog(model.TargetInvitation, inv.GroupID, user, "user deleted")
			entry.HostUUID = scope.Actor
			if err := appendLog(ctx, r, entry); err != nil {
				return err
			}
		}

		requests, err := r.Requests.DeleteForUser(ctx, user)
		if err != nil {
			return err
		}
		for _, req := range requests {
			entry := pendingLog(model.TargetRequest, req.GroupID, user, "user deleted")
			entry.HostUUID = scope.Actor
			if err := appendLog(ctx, r, entry); err != nil {
				return err
			}
		}

		if err := r.Profiles.Delete(ctx, user); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return observe("delete_user", err)
	}
	return observe("delete_user", after.run(ctx))
}

// SubscribeNDA подписывает пользователя на рассылку NDA.
func (e *Engine) SubscribeNDA(ctx context.Context, scope rbac.Scope, user uuid.UUID) error {
	return e.ndaMailing(ctx, scope, user, true)
}

// UnsubscribeNDA отписывает пользователя от рассылки NDA.
func (e *Engine) UnsubscribeNDA(ctx context.Context, scope rbac.Scope, user uuid.UUID) error {
	return e.ndaMailing(ctx, scope, user, false)
}

func (e *Engine) ndaMailing(ctx context.Context, scope rbac.Scope, user uuid.UUID, subscribe bool) error {
	if !scope.IsSudo() {
		return ErrForbidden
	}
	profile, err := e.ResolveUser(ctx, user)
	if err != nil {
		return err
	}
	if profile.Email == "" {
		return fmt.Errorf("у пользователя %s нет email: %w", user, ErrValidation)
	}
	if subscribe {
		e.mail.SubscribeNDA(ctx, profile.Email)
	} else {
		e.mail.UnsubscribeNDA(ctx, profile.Email)
	}
	return nil
}

// LogQuery — фильтр журнала аудита.
type LogQuery struct {
	Group  string
	User   *uuid.UUID
	Host   *uuid.UUID
	Limit  int
	Offset int
}

// RawLogs возвращает страницу журнала аудита (новые записи первыми).
func (e *Engine) RawLogs(ctx context.Context, scope rbac.Scope, q LogQuery) (model.Page[*model.LogEntry], error) {
	if !scope.IsSudo() {
		return model.Page[*model.LogEntry]{}, ErrForbidden
	}
	repos := e.store.Repos()
	filter := repository.LogFilter{UserUUID: q.User, HostUUID: q.Host}
	if q.Group != "" {
		group, err := repos.Groups.GetByName(ctx, q.Group)
		if err != nil {
			return model.Page[*model.LogEntry]{}, storeErr("группа "+q.Group, err)
		}
		filter.GroupID = &group.ID
	}
	limit, offset := clampPage(q.Limit, q.Offset)
	entries, err := repos.Logs.List(ctx, filter, limit, offset)
	if err != nil {
		return model.Page[*model.LogEntry]{}, storeErr("журнал аудита", err)
	}
	return model.NewPage(entries, offset), nil
}

// userDataLogLimit — предел записей журнала в выгрузке данных пользователя.
const userDataLogLimit = 1000

// DeleteInactiveUsers удаляет локальные профили пользователей, которые
// не состоят в группах, не приглашены, не подавали заявок и не являются
// хостом ни одного членства или приглашения.
func (e *Engine) DeleteInactiveUsers(ctx context.Context, scope rbac.Scope) ([]uuid.UUID, error) {
	if !scope.IsSudo() {
		return nil, ErrForbidden
	}
	var deleted []uuid.UUID
	err := e.inTx(ctx, "удаление неактивных пользователей", func(r *repository.Repositories) error {
		var err error
		deleted, err = r.Profiles.DeleteInactive(ctx)
		return err
	})
	if err != nil {
		return nil, observe("delete_inactive_users", err)
	}
	e.logger.Info("Неактивные пользователи удалены", slog.Int("count", len(deleted)))
	if deleted == nil {
		deleted = []uuid.UUID{}
	}
	return deleted, observe("delete_inactive_users", nil)
}

// StaffUUIDs возвращает всех пользователей с уровнем доверия staff.
func (e *Engine) StaffUUIDs(ctx context.Context, scope rbac.Scope) ([]uuid.UUID, error) {
	if !scope.IsSudo() {
		return nil, ErrForbidden
	}
	ids, err := e.store.Repos().Profiles.UUIDsWithTrust(ctx, model.TrustStaff)
	if err != nil {
		return nil, storeErr("сотрудники", err)
	}
	return nonNilUUIDs(ids), nil
}

// MemberUUIDs возвращает всех пользователей, состоящих хотя бы в одной группе.
func (e *Engine) MemberUUIDs(ctx context.Context, scope rbac.Scope) ([]uuid.UUID, error) {
	if !scope.IsSudo() {
		return nil, ErrForbidden
	}
	ids, err := e.store.Repos().Memberships.Users(ctx)
	if err != nil {
		return nil, storeErr("участники групп", err)
	}
	return nonNilUUIDs(ids), nil
}

// UserData выгружает всё, что сервис хранит о пользователе.
func (e *Engine) UserData(ctx context.Context, scope rbac.Scope, user uuid.UUID) (*model.UserData, error) {
	if !scope.IsSudo() {
		return nil, ErrForbidden
	}
	repos := e.store.Repos()
	data := &model.UserData{}

	profile, err := repos.Profiles.Get(ctx, user)
	switch {
	case err == nil:
		data.Profile = profile
	case !errors.Is(err, repository.ErrNotFound):
		return nil, storeErr("профиль "+user.String(), err)
	}
	if data.Memberships, err = repos.Memberships.ForUser(ctx, user); err != nil {
		return nil, storeErr("членства пользователя", err)
	}
	if data.Invitations, err = repos.Invitations.ForUser(ctx, user); err != nil {
		return nil, storeErr("приглашения пользователя", err)
	}
	if data.Requests, err = repos.Requests.ForUser(ctx, user); err != nil {
		return nil, storeErr("заявки пользователя", err)
	}
	if data.Logs, err = repos.Logs.List(ctx, repository.LogFilter{UserUUID: &user}, userDataLogLimit, 0); err != nil {
		return nil, storeErr("журнал пользователя", err)
	}
	return data, nil
}

func nonNilUUIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
