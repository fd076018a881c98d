// expiration.go — пакетные задачи по времени: снятие истёкших членств,
// предупреждения об истечении, очистка приглашений и заявок.
package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/notify"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// NotificationStage — этап предупреждения об истечении.
type NotificationStage int

const (
	// FirstWarning — за 14 дней, письмо хосту или кураторам.
	FirstWarning NotificationStage = iota + 1
	// SecondWarning — за 7 дней, письмо хосту или кураторам и участнику.
	SecondWarning
)

// Days возвращает отступ этапа в днях.
func (s NotificationStage) Days() int {
	if s == FirstWarning {
		return 14
	}
	return 7
}

// notificationWindow — календарный день UTC через days дней:
// [00:00:00, 23:59:59.999999999].
func notificationWindow(now time.Time, days int) (time.Time, time.Time) {
	d := now.UTC().AddDate(0, 0, days)
	lower := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	upper := lower.Add(24*time.Hour - time.Nanosecond)
	return lower, upper
}

// groupByUser разбивает истёкшие членства по пользователям.
// Порядок групп внутри пользователя сохраняется.
func groupByUser(memberships []model.ExpiringMembership) map[uuid.UUID][]model.ExpiringMembership {
	out := make(map[uuid.UUID][]model.ExpiringMembership)
	for _, m := range memberships {
		out[m.UserUUID] = append(out[m.UserUUID], m)
	}
	return out
}

// ExpireMemberships снимает все членства с истёкшим сроком.
// Пользователи обрабатываются параллельно и независимо.
func (e *Engine) ExpireMemberships(ctx context.Context) (model.BatchResult, error) {
	now := e.now()
	expired, err := e.store.Repos().Memberships.ExpiredBefore(ctx, now)
	if err != nil {
		return model.BatchResult{}, storeErr("истёкшие членства", err)
	}

	work := groupByUser(expired)
	users := make([]uuid.UUID, 0, len(work))
	for u := range work {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })

	result := model.BatchResult{StartedAt: now}
	var mu sync.Mutex
	e.fanOut(ctx, users, func(ctx context.Context, user uuid.UUID) {
		names := make([]string, len(work[user]))
		for i, m := range work[user] {
			names[i] = m.GroupName
		}
		r := e.revokeGroups(ctx, SystemScope(), RevokeRequest{
			User:   user,
			Groups: names,
			Force:  true,
			Notify: true,
		}, model.CommentExpired)

		mu.Lock()
		result.Merge(r)
		mu.Unlock()
	})
	result.CompletedAt = e.now()

	e.logger.Info("Истёкшие членства сняты",
		slog.Int("users", len(users)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// ExpirationNotification рассылает предупреждения об истечении для
// членств, истекающих в календарный день now+N. Членства не изменяются.
//
// Адресат: хост, если он всё ещё хост группы, иначе все кураторы
// скрытой копией. На втором этапе письмо получает и сам участник.
func (e *Engine) ExpirationNotification(ctx context.Context, stage NotificationStage) (model.BatchResult, error) {
	now := e.now()
	lower, upper := notificationWindow(now, stage.Days())
	repos := e.store.Repos()

	expiring, err := repos.Memberships.ExpiringBetween(ctx, lower, upper)
	if err != nil {
		return model.BatchResult{}, storeErr("истекающие членства", err)
	}
	e.logger.Info("Истекающие членства",
		slog.Int("count", len(expiring)),
		slog.Int("days", stage.Days()),
		slog.Time("from", lower),
		slog.Time("to", upper),
	)

	result := model.BatchResult{StartedAt: now}
	for _, m := range expiring {
		if err := e.notifyExpiring(ctx, repos, stage, m); err != nil {
			result.Failed++
			result.Failures = append(result.Failures, model.ItemFailure{
				UserUUID: m.UserUUID,
				Group:    m.GroupName,
				Error:    err.Error(),
			})
			e.logger.Warn("Ошибка предупреждения об истечении",
				slog.String("user_id", m.UserUUID.String()),
				slog.String("group", m.GroupName),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Succeeded++
	}
	result.CompletedAt = e.now()
	return result, nil
}

func (e *Engine) notifyExpiring(ctx context.Context, repos *repository.Repositories, stage NotificationStage, m model.ExpiringMembership) error {
	member, err := profileOrStub(ctx, repos, m.UserUUID)
	if err != nil {
		return err
	}

	var host *model.UserProfile
	if !model.IsSystemActor(m.AddedBy) {
		role, err := actorRole(ctx, repos, m.AddedBy, m.GroupID)
		if err != nil {
			return err
		}
		if role.IsHost() {
			if host, err = profileOrStub(ctx, repos, m.AddedBy); err != nil {
				return err
			}
		}
	}

	tpl := notify.FirstHostExpiration(m.GroupName, member.Username)
	if stage == SecondWarning {
		tpl = notify.SecondHostExpiration(m.GroupName, member.Username)
	}

	if host != nil && host.Email != "" {
		e.mail.SendEmail(ctx, host.Email, tpl)
	} else {
		curators, err := repos.Memberships.HostEmails(ctx, m.GroupID)
		if err != nil {
			return storeErr("email кураторов", err)
		}
		e.mail.SendEmails(ctx, curators, tpl)
	}

	if stage == SecondWarning {
		e.mail.SendEmail(ctx, member.Email, notify.MemberExpiration(m.GroupName))
	}
	return nil
}

// profileOrStub возвращает локальный профиль или заглушку с UUID вместо имени.
func profileOrStub(ctx context.Context, repos *repository.Repositories, id uuid.UUID) (*model.UserProfile, error) {
	p, err := repos.Profiles.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.UserProfile{UUID: id, Username: id.String()}, nil
	}
	if err != nil {
		return nil, storeErr("профиль", err)
	}
	return p, nil
}

// ExpireInvitations удаляет просроченные приглашения.
func (e *Engine) ExpireInvitations(ctx context.Context) (model.BatchResult, error) {
	result := model.BatchResult{StartedAt: e.now()}
	err := e.inTx(ctx, "очистка приглашений", func(r *repository.Repositories) error {
		expired, err := r.Invitations.ExpireBefore(ctx, result.StartedAt)
		if err != nil {
			return err
		}
		for _, inv := range expired {
			if err := appendLog(ctx, r, pendingLog(model.TargetInvitation, inv.GroupID, inv.UserUUID, model.CommentExpired)); err != nil {
				return err
			}
		}
		result.Succeeded = len(expired)
		return nil
	})
	result.CompletedAt = e.now()
	return result, err
}

// ExpireRequests удаляет просроченные заявки.
func (e *Engine) ExpireRequests(ctx context.Context) (model.BatchResult, error) {
	result := model.BatchResult{StartedAt: e.now()}
	err := e.inTx(ctx, "очистка заявок", func(r *repository.Repositories) error {
		expired, err := r.Requests.ExpireBefore(ctx, result.StartedAt)
		if err != nil {
			return err
		}
		for _, req := range expired {
			if err := appendLog(ctx, r, pendingLog(model.TargetRequest, req.GroupID, req.UserUUID, model.CommentExpired)); err != nil {
				return err
			}
		}
		result.Succeeded = len(expired)
		return nil
	})
	result.CompletedAt = e.now()
	return result, err
}

func pendingLog(target model.LogTarget, groupID int, user uuid.UUID, comment string) model.LogEntry {
	return model.LogEntry{
		Target:    target,
		Operation: model.OpDeleted,
		GroupID:   groupID,
		HostUUID:  model.SystemActor,
		UserUUID:  &user,
		Body:      model.Comment(comment),
	}
}
