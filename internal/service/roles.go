// roles.go — назначение и снятие администраторов и кураторов группы.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// AddAdmin назначает пользователя администратором группы.
func (e *Engine) AddAdmin(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID) error {
	return observe("add_admin", e.promote(ctx, scope, groupName, user, model.RoleAdmin, false, scope.Actor))
}

// AddAdminWithoutHost — AddAdmin администратора с SystemActor в added_by.
func (e *Engine) AddAdminWithoutHost(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID) error {
	if !scope.IsSudo() {
		return observe("add_admin", ErrForbidden)
	}
	return observe("add_admin", e.promote(ctx, scope, groupName, user, model.RoleAdmin, false, model.SystemActor))
}

// AddCurator назначает пользователя куратором группы.
// Роль curator создаётся при первом назначении.
func (e *Engine) AddCurator(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID) error {
	return observe("add_curator", e.promote(ctx, scope, groupName, user, model.RoleCurator, false, scope.Actor))
}

// RemoveAdmin понижает администратора до участника.
func (e *Engine) RemoveAdmin(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID) error {
	return observe("remove_admin", e.demote(ctx, scope, groupName, user, model.RoleAdmin))
}

// RemoveCurator понижает куратора до участника.
func (e *Engine) RemoveCurator(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID) error {
	return observe("remove_curator", e.demote(ctx, scope, groupName, user, model.RoleCurator))
}

// hostRoleFor возвращает роль типа typ, создавая curator по требованию.
func (e *Engine) hostRoleFor(ctx context.Context, r *repository.Repositories, group *model.Group, host uuid.UUID, typ model.RoleType) (*model.Role, error) {
	role, err := r.Roles.GetByType(ctx, group.ID, typ)
	if err == nil {
		return role, nil
	}
	if typ != model.RoleCurator || !errors.Is(err, repository.ErrNotFound) {
		return nil, storeErr("роль "+string(typ), err)
	}
	role = &model.Role{GroupID: group.ID, Type: model.RoleCurator, Name: "curator"}
	if err := r.Roles.Create(ctx, role); err != nil {
		return nil, storeErr("создание роли curator", err)
	}
	return role, appendLog(ctx, r, model.LogEntry{
		Target:    model.TargetRole,
		Operation: model.OpCreated,
		GroupID:   group.ID,
		HostUUID:  host,
		Body:      model.Comment("curator"),
	})
}

// promote назначает роль typ. Срок членства хостов не ограничивается.
// host записывается в added_by и аудит.
func (e *Engine) promote(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID, typ model.RoleType, force bool, host uuid.UUID) error {
	profile, err := e.ResolveUser(ctx, user)
	if err != nil {
		return err
	}
	e.cacheHost(ctx, host)

	var after hooks
	err = e.inTx(ctx, "назначение роли "+string(typ), func(r *repository.Repositories) error {
		group, err := r.Groups.GetByName(ctx, groupName)
		if err != nil {
			return storeErr("группа "+groupName, err)
		}
		if !force {
			actor, err := actorRole(ctx, r, scope.Actor, group.ID)
			if err != nil {
				return err
			}
			if !scope.CanManageAdmins(actor) {
				return ErrForbidden
			}
			if !profile.Trust.AtLeast(group.Trust) {
				return fmt.Errorf("уровень доверия %s ниже уровня группы %s: %w", profile.Trust, group.Trust, ErrForbidden)
			}
		}
		role, err := e.hostRoleFor(ctx, r, group, host, typ)
		if err != nil {
			return err
		}
		current, err := actorRole(ctx, r, user, group.ID)
		if err != nil {
			return err
		}
		if current == nil {
			if err := e.upsert(ctx, r, group, role, user, nil, host, string(typ)); err != nil {
				return err
			}
			after.add(func(ctx context.Context) error { return e.syncAdd(ctx, user, group.Name) })
			return nil
		}
		if current.Type == model.RoleAdmin && typ != model.RoleAdmin {
			if err := ensureNotLastAdmin(ctx, r, group.ID, user); err != nil {
				return err
			}
		}
		err = r.Memberships.Upsert(ctx, model.MembershipChange{
			GroupID:  group.ID,
			UserUUID: user,
			RoleID:   role.ID,
			AddedBy:  host,
		})
		if err != nil {
			return storeErr("смена роли", err)
		}
		return appendLog(ctx, r, membershipLog(model.OpUpdated, group.ID, host, user, string(typ)))
	})
	if err != nil {
		return err
	}
	return after.run(ctx)
}

// demote понижает хоста с ролью typ до участника. Срок — по политике группы.
func (e *Engine) demote(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID, typ model.RoleType) error {
	return e.inTx(ctx, "снятие роли "+string(typ), func(r *repository.Repositories) error {
		group, err := r.Groups.GetByName(ctx, groupName)
		if err != nil {
			return storeErr("группа "+groupName, err)
		}
		actor, err := actorRole(ctx, r, scope.Actor, group.ID)
		if err != nil {
			return err
		}
		if !scope.CanManageAdmins(actor) {
			return ErrForbidden
		}
		current, err := actorRole(ctx, r, user, group.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Type != typ {
			return fmt.Errorf("у пользователя %s нет роли %s: %w", user, typ, ErrNotFound)
		}
		if typ == model.RoleAdmin {
			if err := ensureNotLastAdmin(ctx, r, group.ID, user); err != nil {
				return err
			}
		}
		member, err := r.Roles.GetByType(ctx, group.ID, model.RoleMember)
		if err != nil {
			return storeErr("роль member", err)
		}
		err = r.Memberships.Upsert(ctx, model.MembershipChange{
			GroupID:    group.ID,
			UserUUID:   user,
			RoleID:     member.ID,
			Expiration: group.DefaultExpiration(e.now()),
			AddedBy:    scope.Actor,
		})
		if err != nil {
			return storeErr("смена роли", err)
		}
		return appendLog(ctx, r, membershipLog(model.OpUpdated, group.ID, scope.Actor, user, "member"))
	})
}
