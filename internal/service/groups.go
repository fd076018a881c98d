// groups.go — создание, резервирование, смена уровня доверия,
// неактивные группы и списки участников.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// Ограничения пагинации.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// NewGroup — параметры создания группы.
type NewGroup struct {
	Name            string
	Type            model.GroupType
	Description     string
	Trust           model.TrustType
	Capabilities    []string
	GroupExpiration *int
}

// CreateGroup создаёт группу с ролями member и admin. Создатель
// (если это не система) становится администратором.
func (e *Engine) CreateGroup(ctx context.Context, scope rbac.Scope, ng NewGroup) (*model.Group, error) {
	group, err := e.createGroup(ctx, scope, ng, true)
	return group, observe("create_group", err)
}

// ReserveGroup резервирует имя: создаёт неактивную группу без участников.
func (e *Engine) ReserveGroup(ctx context.Context, scope rbac.Scope, name string) (*model.Group, error) {
	if !scope.IsSudo() {
		return nil, ErrForbidden
	}
	group, err := e.createGroup(ctx, scope, NewGroup{
		Name:  name,
		Type:  model.GroupClosed,
		Trust: model.TrustNdaed,
	}, false)
	return group, observe("reserve_group", err)
}

func (e *Engine) createGroup(ctx context.Context, scope rbac.Scope, ng NewGroup, active bool) (*model.Group, error) {
	ng.Name = strings.TrimSpace(ng.Name)
	if ng.Name == "" {
		return nil, fmt.Errorf("пустое имя группы: %w", ErrValidation)
	}
	if ng.Type == "" {
		ng.Type = model.GroupClosed
	}
	if ng.Trust == "" {
		ng.Trust = model.TrustNdaed
	}
	if ng.GroupExpiration != nil && *ng.GroupExpiration <= 0 {
		ng.GroupExpiration = nil
	}

	group := &model.Group{
		Name:            ng.Name,
		Type:            ng.Type,
		Description:     ng.Description,
		Trust:           ng.Trust,
		Capabilities:    ng.Capabilities,
		GroupExpiration: ng.GroupExpiration,
		Active:          active,
	}
	creator := scope.Actor
	if active && !model.IsSystemActor(creator) {
		// Создатель становится администратором: без профиля его нет
		// в списках кураторов, а ChangeTrust считает его authenticated.
		if _, err := e.ResolveUser(ctx, creator); err != nil {
			return nil, err
		}
	}
	var after hooks
	err := e.inTx(ctx, "создание группы", func(r *repository.Repositories) error {
		if err := r.Groups.Create(ctx, group); err != nil {
			return storeErr("группа "+group.Name, err)
		}
		if err := appendLog(ctx, r, model.LogEntry{
			Target: model.TargetGroup, Operation: model.OpCreated, GroupID: group.ID, HostUUID: creator,
		}); err != nil {
			return err
		}

		var admin *model.Role
		for _, typ := range []model.RoleType{model.RoleMember, model.RoleAdmin} {
			role := &model.Role{GroupID: group.ID, Type: typ, Name: string(typ)}
			if err := r.Roles.Create(ctx, role); err != nil {
				return storeErr("роль "+string(typ), err)
			}
			if err := appendLog(ctx, r, model.LogEntry{
				Target: model.TargetRole, Operation: model.OpCreated, GroupID: group.ID,
				HostUUID: creator, Body: model.Comment(string(typ)),
			}); err != nil {
				return err
			}
			if typ == model.RoleAdmin {
				admin = role
			}
		}

		if !active || model.IsSystemActor(creator) {
			return nil
		}
		if err := e.upsert(ctx, r, group, admin, creator, nil, creator, string(model.RoleAdmin)); err != nil {
			return err
		}
		after.add(func(ctx context.Context) error { return e.syncAdd(ctx, creator, group.Name) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return group, after.run(ctx)
}

// ChangeTrust меняет уровень доверия группы и снимает членство
// участников, чей уровень ниже нового.
func (e *Engine) ChangeTrust(ctx context.Context, scope rbac.Scope, name string, trust model.TrustType) (model.BatchResult, error) {
	if !scope.IsSudo() {
		return model.BatchResult{}, ErrForbidden
	}
	if trust.Rank() < 0 {
		return model.BatchResult{}, fmt.Errorf("уровень доверия %q: %w", trust, ErrValidation)
	}

	var below []uuid.UUID
	err := e.inTx(ctx, "смена уровня доверия", func(r *repository.Repositories) error {
		group, err := r.Groups.GetByName(ctx, name)
		if err != nil {
			return storeErr("группа "+name, err)
		}
		if err := r.Groups.UpdateTrust(ctx, group.ID, trust); err != nil {
			return storeErr("обновление уровня доверия", err)
		}
		body, _ := json.Marshal(map[string]string{"trust": string(trust)})
		if err := appendLog(ctx, r, model.LogEntry{
			Target: model.TargetGroup, Operation: model.OpUpdated, GroupID: group.ID,
			HostUUID: scope.Actor, Body: body,
		}); err != nil {
			return err
		}
		below, err = r.Memberships.BelowTrust(ctx, group.ID, trust)
		return err
	})
	if err != nil {
		return model.BatchResult{}, observe("change_trust", err)
	}

	result := model.BatchResult{StartedAt: e.now()}
	for _, user := range below {
		result.Merge(e.revokeGroups(ctx, scope, RevokeRequest{
			User: user, Groups: []string{name}, Force: true, Notify: true,
		}, "trust changed"))
	}
	result.CompletedAt = e.now()

	e.logger.Info("Уровень доверия группы изменён",
		slog.String("group", name),
		slog.String("trust", string(trust)),
		slog.Int("revoked", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	return result, observe("change_trust", partial("смена уровня доверия", result))
}

// ListInactive возвращает страницу неактивных групп.
func (e *Engine) ListInactive(ctx context.Context, scope rbac.Scope, limit, offset int) (model.Page[*model.Group], error) {
	if !scope.IsSudo() {
		return model.Page[*model.Group]{}, ErrForbidden
	}
	limit, offset = clampPage(limit, offset)
	groups, err := e.store.Repos().Groups.ListInactive(ctx, limit, offset)
	if err != nil {
		return model.Page[*model.Group]{}, storeErr("неактивные группы", err)
	}
	return model.NewPage(groups, offset), nil
}

// DeleteInactive удаляет неактивную группу. Активную удалить нельзя.
func (e *Engine) DeleteInactive(ctx context.Context, scope rbac.Scope, name string) error {
	if !scope.IsSudo() {
		return ErrForbidden
	}
	err := e.inTx(ctx, "удаление группы", func(r *repository.Repositories) error {
		group, err := r.Groups.GetByName(ctx, name)
		if err != nil {
			return storeErr("группа "+name, err)
		}
		if err := r.Groups.DeleteInactive(ctx, name); err != nil {
			return storeErr("неактивная группа "+name, err)
		}
		return appendLog(ctx, r, model.LogEntry{
			Target: model.TargetGroup, Operation: model.OpDeleted, GroupID: group.ID, HostUUID: scope.Actor,
		})
	})
	return observe("delete_group", err)
}

// DeactivateEmpty помечает неактивными группы без участников.
func (e *Engine) DeactivateEmpty(ctx context.Context) (model.BatchResult, error) {
	result := model.BatchResult{StartedAt: e.now()}
	err := e.inTx(ctx, "деактивация пустых групп", func(r *repository.Repositories) error {
		groups, err := r.Groups.DeactivateEmpty(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if err := appendLog(ctx, r, model.LogEntry{
				Target: model.TargetGroup, Operation: model.OpUpdated, GroupID: g.ID,
				HostUUID: model.SystemActor, Body: model.Comment("deactivated"),
			}); err != nil {
				return err
			}
		}
		result.Succeeded = len(groups)
		return nil
	})
	result.CompletedAt = e.now()
	return result, err
}

// CuratorEmails возвращает адреса всех хостов группы.
func (e *Engine) CuratorEmails(ctx context.Context, scope rbac.Scope, name string) ([]string, error) {
	repos := e.store.Repos()
	group, err := groupForHost(ctx, repos, scope, name, false)
	if err != nil {
		return nil, err
	}
	emails, err := repos.Memberships.HostEmails(ctx, group.ID)
	if err != nil {
		return nil, storeErr("email кураторов", err)
	}
	if emails == nil {
		emails = []string{}
	}
	return emails, nil
}

// MemberFilter — фильтр списка участников.
type MemberFilter struct {
	Prefix string
	Roles  []model.RoleType
	Limit  int
	Offset int
}

// Members возвращает участников группы с полями профиля, видимыми
// на уровне доверия актора.
func (e *Engine) Members(ctx context.Context, scope rbac.Scope, name string, f MemberFilter) (model.Page[model.Member], error) {
	repos := e.store.Repos()
	group, err := repos.Groups.GetByName(ctx, name)
	if err != nil {
		return model.Page[model.Member]{}, storeErr("группа "+name, err)
	}
	if !scope.CanView(group.Trust) {
		return model.Page[model.Member]{}, ErrForbidden
	}
	limit, offset := clampPage(f.Limit, f.Offset)
	members, err := repos.Memberships.ScopedMembers(ctx, group.ID, repository.MemberQuery{
		Scope:  scope.Trust,
		Prefix: f.Prefix,
		Roles:  f.Roles,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return model.Page[model.Member]{}, storeErr("участники группы", err)
	}
	return model.NewPage(members, offset), nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
