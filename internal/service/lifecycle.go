// lifecycle.go — переходы состояния членства: add, remove, renew,
// transfer, revoke.
//
// Состояния пары (группа, пользователь): отсутствует → активно →
// истекло (ждёт очистки) → отсутствует. Переход в «истекло» неявный,
// его обнаруживает только очистка (ExpireMemberships).
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/rbac"
	"github.com/bigkaa/goartstore/groups-module/internal/notify"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// AddMember добавляет пользователя в группу с ролью member.
// Повторное добавление обновляет роль, срок и хоста (идемпотентно).
// expiration nil — срок по политике группы.
func (e *Engine) AddMember(ctx context.Context, scope rbac.Scope, groupName string, member uuid.UUID, expiration *time.Time) error {
	return observe("add", e.addMember(ctx, scope, groupName, member, expiration, scope.Actor))
}

// AddMemberWithoutHost — AddMember администратора, в added_by которого
// записывается SystemActor: напоминания об истечении уходят только участнику.
func (e *Engine) AddMemberWithoutHost(ctx context.Context, scope rbac.Scope, groupName string, member uuid.UUID, expiration *time.Time) error {
	if !scope.IsSudo() {
		return observe("add", ErrForbidden)
	}
	return observe("add", e.addMember(ctx, scope, groupName, member, expiration, model.SystemActor))
}

func (e *Engine) addMember(ctx context.Context, scope rbac.Scope, groupName string, member uuid.UUID, expiration *time.Time, host uuid.UUID) error {
	profile, err := e.ResolveUser(ctx, member)
	if err != nil {
		return err
	}
	e.cacheHost(ctx, host)

	var after hooks
	err = e.inTx(ctx, "добавление в группу", func(r *repository.Repositories) error {
		group, err := groupForHost(ctx, r, scope, groupName, false)
		if err != nil {
			return err
		}
		if !profile.Trust.AtLeast(group.Trust) {
			return fmt.Errorf("уровень доверия %s ниже уровня группы %s: %w", profile.Trust, group.Trust, ErrForbidden)
		}
		role, err := r.Roles.GetByType(ctx, group.ID, model.RoleMember)
		if err != nil {
			return storeErr("роль member", err)
		}
		if expiration == nil {
			expiration = group.DefaultExpiration(e.now())
		}
		if err := e.upsert(ctx, r, group, role, member, expiration, host, model.CommentAdded); err != nil {
			return err
		}
		after.add(func(ctx context.Context) error { return e.syncAdd(ctx, member, group.Name) })
		after.add(func(ctx context.Context) error {
			e.mail.SendEmail(ctx, profile.Email, notify.MembershipAdded(group.Name))
			return nil
		})
		return nil
	})
	if err != nil {
		return err
	}
	return after.run(ctx)
}

// upsert записывает членство, активирует группу и пишет аудит.
func (e *Engine) upsert(
	ctx context.Context,
	r *repository.Repositories,
	group *model.Group,
	role *model.Role,
	user uuid.UUID,
	expiration *time.Time,
	host uuid.UUID,
	comment string,
) error {
	err := r.Memberships.Upsert(ctx, model.MembershipChange{
		GroupID:    group.ID,
		UserUUID:   user,
		RoleID:     role.ID,
		Expiration: expiration,
		AddedBy:    host,
	})
	if err != nil {
		return storeErr("запись членства", err)
	}
	if !group.Active {
		if err := r.Groups.SetActive(ctx, group.ID, true); err != nil {
			return storeErr("активация группы", err)
		}
	}
	return appendLog(ctx, r, membershipLog(model.OpCreated, group.ID, host, user, comment))
}

// RemoveMember удаляет пользователя из группы по решению хоста.
// Отсутствие членства — ErrNotFound. Пользователь может выйти сам.
func (e *Engine) RemoveMember(ctx context.Context, scope rbac.Scope, groupName string, user uuid.UUID, comment string) error {
	if comment == "" {
		comment = model.CommentRevoked
	}
	return observe("remove", e.revokeOne(ctx, scope, user, groupName, false, true, comment))
}

// RevokeRequest — параметры принудительного снятия членства.
type RevokeRequest struct {
	User   uuid.UUID
	Groups []string
	// Force — без проверки полномочий и бизнес-правил
	Force bool
	// Notify — письмо пользователю о снятии
	Notify bool
}

// RevokeMembership снимает членство пользователя в каждой из групп.
// Группы обрабатываются независимо: ошибки собираются в
// PartialFailureError, успешные снятия остаются в силе.
func (e *Engine) RevokeMembership(ctx context.Context, scope rbac.Scope, req RevokeRequest, comment string) error {
	result := e.revokeGroups(ctx, scope, req, comment)
	return observe("revoke", partial("снятие членства", result))
}

func (e *Engine) revokeGroups(ctx context.Context, scope rbac.Scope, req RevokeRequest, comment string) model.BatchResult {
	result := model.BatchResult{StartedAt: e.now()}
	for _, name := range req.Groups {
		if err := e.revokeOne(ctx, scope, req.User, name, req.Force, req.Notify, comment); err != nil {
			result.Failed++
			result.Failures = append(result.Failures, model.ItemFailure{
				UserUUID: req.User,
				Group:    name,
				Error:    err.Error(),
			})
			e.logger.Warn("Ошибка снятия членства",
				slog.String("user_id", req.User.String()),
				slog.String("group", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Succeeded++
	}
	result.CompletedAt = e.now()
	return result
}

// revokeOne — общий примитив снятия членства в одной группе.
func (e *Engine) revokeOne(ctx context.Context, scope rbac.Scope, user uuid.UUID, groupName string, force, notifyUser bool, comment string) error {
	var after hooks
	err := e.inTx(ctx, "снятие членства", func(r *repository.Repositories) error {
		self := scope.Actor == user && !model.IsSystemActor(user)
		group, err := groupForHost(ctx, r, scope, groupName, force || self)
		if err != nil {
			return err
		}
		if !force {
			if err := ensureNotLastAdmin(ctx, r, group.ID, user); err != nil {
				return err
			}
		}
		deleted, err := r.Memberships.Delete(ctx, group.ID, user)
		if err != nil {
			return storeErr("удаление членства", err)
		}
		if !deleted {
			return fmt.Errorf("членство %s в группе %s: %w", user, group.Name, ErrNotFound)
		}
		if err := appendLog(ctx, r, membershipLog(model.OpDeleted, group.ID, scope.Actor, user, comment)); err != nil {
			return err
		}

		after.add(func(ctx context.Context) error { return e.syncRemove(ctx, user, group.Name) })
		if notifyUser {
			after.add(func(ctx context.Context) error {
				e.notifyUser(ctx, user, notify.MembershipRevoked(group.Name))
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	return after.run(ctx)
}

// ensureNotLastAdmin запрещает снимать последнего администратора группы.
func ensureNotLastAdmin(ctx context.Context, r *repository.Repositories, groupID int, user uuid.UUID) error {
	role, err := actorRole(ctx, r, user, groupID)
	if err != nil || role == nil || role.Type != model.RoleAdmin {
		return err
	}
	admins, err := r.Memberships.CountWithRole(ctx, groupID, model.RoleAdmin)
	if err != nil {
		return storeErr("подсчёт администраторов", err)
	}
	if admins <= 1 {
		return fmt.Errorf("нельзя снять последнего администратора группы: %w", ErrConflict)
	}
	return nil
}

// notifyUser отправляет письмо пользователю, если известен его адрес.
func (e *Engine) notifyUser(ctx context.Context, user uuid.UUID, t notify.Template) {
	profile, err := e.store.Repos().Profiles.Get(ctx, user)
	if err != nil {
		e.logger.Warn("Письмо не отправлено: нет профиля",
			slog.String("user_id", user.String()),
			slog.String("kind", t.Kind),
		)
		return
	}
	e.mail.SendEmail(ctx, profile.Email, t)
}

// Renew меняет только срок членства.
func (e *Engine) Renew(ctx context.Context, scope rbac.Scope, groupName string, member uuid.UUID, expiration *time.Time) error {
	err := e.inTx(ctx, "продление членства", func(r *repository.Repositories) error {
		group, err := groupForHost(ctx, r, scope, groupName, false)
		if err != nil {
			return err
		}
		if err := r.Memberships.UpdateExpiration(ctx, group.ID, member, expiration); err != nil {
			return storeErr(fmt.Sprintf("членство %s в группе %s", member, group.Name), err)
		}
		return appendLog(ctx, r, membershipLog(model.OpUpdated, group.ID, scope.Actor, member, model.CommentRenewed))
	})
	return observe("renew", err)
}

// transferBody — тело записи аудита о передаче членства.
type transferBody struct {
	Comment string    `json:"comment"`
	From    uuid.UUID `json:"from"`
}

// Transfer передаёт членство oldUser пользователю newUser с той же ролью
// и сроком. Локально обе половины выполняются в одной транзакции.
// В IdP сначала удаляется старая группа, затем добавляется новая;
// сбой второго шага возвращается как ErrTransferIncomplete.
func (e *Engine) Transfer(ctx context.Context, scope rbac.Scope, groupName string, oldUser, newUser uuid.UUID) error {
	return observe("transfer", e.transfer(ctx, scope, groupName, oldUser, newUser))
}

// keepsOwnRole сообщает, что получатель уже состоит в группе с ролью
// не ниже передаваемой. Такое членство остаётся без изменений.
func keepsOwnRole(ctx context.Context, r *repository.Repositories, groupID int, oldUser, newUser uuid.UUID) (bool, error) {
	newRole, err := r.Roles.RoleFor(ctx, newUser, groupID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("роль получателя", err)
	}
	oldRole, err := r.Roles.RoleFor(ctx, oldUser, groupID)
	if err != nil {
		return false, storeErr("роль передающего", err)
	}
	return newRole.Type.Rank() >= oldRole.Type.Rank(), nil
}

func (e *Engine) transfer(ctx context.Context, scope rbac.Scope, groupName string, oldUser, newUser uuid.UUID) error {
	if oldUser == newUser {
		return fmt.Errorf("передача членства самому себе: %w", ErrValidation)
	}
	newProfile, err := e.ResolveUser(ctx, newUser)
	if err != nil {
		return err
	}

	var group *model.Group
	err = e.inTx(ctx, "передача членства", func(r *repository.Repositories) error {
		group, err = groupForHost(ctx, r, scope, groupName, false)
		if err != nil {
			return err
		}
		if !newProfile.Trust.AtLeast(group.Trust) {
			return fmt.Errorf("уровень доверия %s ниже уровня группы %s: %w", newProfile.Trust, group.Trust, ErrForbidden)
		}
		old, err := r.Memberships.Get(ctx, group.ID, oldUser)
		if err != nil {
			return storeErr(fmt.Sprintf("членство %s в группе %s", oldUser, group.Name), err)
		}
		keep, err := keepsOwnRole(ctx, r, group.ID, oldUser, newUser)
		if err != nil {
			return err
		}
		if _, err := r.Memberships.Delete(ctx, group.ID, oldUser); err != nil {
			return storeErr("удаление старого членства", err)
		}
		if !keep {
			err = r.Memberships.Upsert(ctx, model.MembershipChange{
				GroupID:    group.ID,
				UserUUID:   newUser,
				RoleID:     old.RoleID,
				Expiration: old.Expiration,
				AddedBy:    scope.Actor,
			})
			if err != nil {
				return storeErr("запись нового членства", err)
			}
		}
		body, _ := json.Marshal(transferBody{Comment: "transferred", From: oldUser})
		entry := membershipLog(model.OpUpdated, group.ID, scope.Actor, newUser, "")
		entry.Body = body
		return appendLog(ctx, r, entry)
	})
	if err != nil {
		return err
	}

	removeErr := e.syncRemove(ctx, oldUser, group.Name)
	if err := e.syncAdd(ctx, newUser, group.Name); err != nil {
		e.logger.Error("Передача членства не завершена: новый участник не добавлен в IdP",
			slog.String("group", group.Name),
			slog.String("old_user_id", oldUser.String()),
			slog.String("new_user_id", newUser.String()),
			slog.String("error", err.Error()),
		)
		return errors.Join(fmt.Errorf("%w: %w", ErrTransferIncomplete, err), removeErr)
	}
	return removeErr
}
