// requests.go — заявки на вступление: список, принятие, отклонение.
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/notify"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// PendingRequests возвращает страницу заявок группы.
func (e *Engine) PendingRequests(ctx context.Context, scope rbac.Scope, groupName string, limit, offset int) (model.Page[model.PendingRequest], error) {
	repos := e.store.Repos()
	group, err := groupForHost(ctx, repos, scope, groupName, false)
	if err != nil {
		return model.Page[model.PendingRequest]{}, err
	}
	limit, offset = clampPage(limit, offset)
	pending, err := repos.Requests.Pending(ctx, group.ID, limit, offset)
	if err != nil {
		return model.Page[model.PendingRequest]{}, storeErr("заявки", err)
	}
	return model.NewPage(pending, offset), nil
}

// AcceptRequest принимает заявку: удаляет её и добавляет участника
// со сроком по политике группы.
func (e *Engine) AcceptRequest(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID) error {
	profile, err := e.ResolveUser(ctx, user)
	if err != nil {
		return observe("accept_request", err)
	}
	e.cacheHost(ctx, scope.Actor)

	var after hooks
	err = e.inTx(ctx, "принятие заявки", func(r *repository.Repositories) error {
		group, err := groupForHost(ctx, r, scope, groupName, false)
		if err != nil {
			return err
		}
		if err := r.Requests.Delete(ctx, group.ID, user); err != nil {
			return storeErr(fmt.Sprintf("заявка %s в группу %s", user, group.Name), err)
		}
		if !profile.Trust.AtLeast(group.Trust) {
			return fmt.Errorf("уровень доверия %s ниже уровня группы %s: %w", profile.Trust, group.Trust, ErrForbidden)
		}
		if err := appendLog(ctx, r, model.LogEntry{
			Target: model.TargetRequest, Operation: model.OpDeleted, GroupID: group.ID,
			HostUUID: scope.Actor, UserUUID: &user, Body: model.Comment("accepted"),
		}); err != nil {
			return err
		}
		role, err := r.Roles.GetByType(ctx, group.ID, model.RoleMember)
		if err != nil {
			return storeErr("роль member", err)
		}
		if err := e.upsert(ctx, r, group, role, user, group.DefaultExpiration(e.now()), scope.Actor, model.CommentAdded); err != nil {
			return err
		}
		after.add(func(ctx context.Context) error { return e.syncAdd(ctx, user, group.Name) })
		after.add(func(ctx context.Context) error {
			e.mail.SendEmail(ctx, profile.Email, notify.MembershipAdded(group.Name))
			return nil
		})
		return nil
	})
	if err != nil {
		return observe("accept_request", err)
	}
	return observe("accept_request", after.run(ctx))
}

// RejectRequest отклоняет заявку.
func (e *Engine) RejectRequest(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID) error {
	err := e.inTx(ctx, "отклонение заявки", func(r *repository.Repositories) error {
		group, err := groupForHost(ctx, r, scope, groupName, false)
		if err != nil {
			return err
		}
		if err := r.Requests.Delete(ctx, group.ID, user); err != nil {
			return storeErr(fmt.Sprintf("заявка %s в группу %s", user, group.Name), err)
		}
		return appendLog(ctx, r, model.LogEntry{
			Target: model.TargetRequest, Operation: model.OpDeleted, GroupID: group.ID,
			HostUUID: scope.Actor, UserUUID: &user, Body: model.Comment("rejected"),
		})
	})
	return observe("reject_request", err)
}
