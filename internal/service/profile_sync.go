// profile_sync.go — согласование групп пользователя с сервисом идентификации.
//
// Два сценария:
//   - после каждого add/remove — вызов IdP для одного пользователя и одной
//     группы (syncAdd/syncRemove). Сбой не откатывает локальный коммит,
//     пользователь ставится в очередь повторной синхронизации;
//   - консолидация — обход всех пользователей с членством и из очереди,
//     сравнение с IdP и (если не dry run) исправление расхождений.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/keycloak"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// ResolveUser возвращает профиль пользователя. Сначала локальная копия,
// затем IdP; профиль из IdP сохраняется локально.
func (e *Engine) ResolveUser(ctx context.Context, id uuid.UUID) (*model.UserProfile, error) {
	profile, err := e.store.Repos().Profiles.Get(ctx, id)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeErr("профиль", err)
	}
	kcUser, err := e.idp.GetUser(ctx, id.String())
	if err != nil {
		return nil, idpErr("пользователь "+id.String(), err)
	}
	return e.cacheProfile(ctx, kcUser)
}

// ResolveUsername возвращает профиль по имени пользователя.
func (e *Engine) ResolveUsername(ctx context.Context, username string) (*model.UserProfile, error) {
	profile, err := e.store.Repos().Profiles.GetByUsername(ctx, username)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeErr("профиль", err)
	}
	kcUser, err := e.idp.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, idpErr("пользователь "+username, err)
	}
	return e.cacheProfile(ctx, kcUser)
}

// cacheHost кэширует профиль хоста, записываемого в added_by.
// По этому профилю строятся адреса предупреждений об истечении.
// Ошибка IdP не прерывает операцию.
func (e *Engine) cacheHost(ctx context.Context, host uuid.UUID) {
	if model.IsSystemActor(host) {
		return
	}
	if _, err := e.ResolveUser(ctx, host); err != nil {
		e.logger.Warn("Профиль хоста не закэширован",
			slog.String("user_id", host.String()),
			slog.String("error", err.Error()),
		)
	}
}

// resolveIdentifier принимает UUID или имя пользователя.
func (e *Engine) resolveIdentifier(ctx context.Context, ident string) (*model.UserProfile, error) {
	if id, err := uuid.Parse(ident); err == nil {
		return e.ResolveUser(ctx, id)
	}
	return e.ResolveUsername(ctx, ident)
}

func (e *Engine) cacheProfile(ctx context.Context, kcUser *keycloak.KeycloakUser) (*model.UserProfile, error) {
	profile, err := kcUser.ToProfile()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIDPUnavailable, err)
	}
	if err := e.store.Repos().Profiles.Upsert(ctx, profile); err != nil {
		return nil, storeErr("сохранение профиля", err)
	}
	return profile, nil
}

// syncAdd добавляет группу в профиль пользователя в IdP.
func (e *Engine) syncAdd(ctx context.Context, user uuid.UUID, group string) error {
	if err := e.idp.AddUserToGroup(ctx, user.String(), group); err != nil {
		return e.syncFailed(ctx, "add", user, group, err)
	}
	return nil
}

// syncRemove убирает группу из профиля пользователя в IdP.
// Пользователь, которого уже нет в IdP, считается синхронизированным.
func (e *Engine) syncRemove(ctx context.Context, user uuid.UUID, group string) error {
	err := e.idp.RemoveUserFromGroup(ctx, user.String(), group)
	if err != nil && !errors.Is(err, keycloak.ErrNotFound) {
		return e.syncFailed(ctx, "remove", user, group, err)
	}
	return nil
}

func (e *Engine) syncFailed(ctx context.Context, op string, user uuid.UUID, group string, err error) error {
	syncFailures.WithLabelValues(op).Inc()
	e.logger.Warn("Ошибка синхронизации профиля",
		slog.String("user_id", user.String()),
		slog.String("group", group),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	if qerr := e.heal.Enqueue(ctx, user); qerr != nil {
		e.logger.Error("Не удалось поставить пользователя в очередь синхронизации",
			slog.String("user_id", user.String()),
			slog.String("error", qerr.Error()),
		)
	}
	return &SyncError{UserUUID: user, Group: group, Op: op, Err: err}
}

// userDiff сравнивает локальные группы пользователя с группами в IdP.
// Лишними считаются только группы, известные локальному реестру.
func (e *Engine) userDiff(ctx context.Context, user uuid.UUID) (model.GroupDiff, error) {
	diff := model.GroupDiff{UserUUID: user}
	repos := e.store.Repos()

	local, err := repos.Memberships.ForUser(ctx, user)
	if err != nil {
		return diff, storeErr("членства пользователя", err)
	}
	kcGroups, err := e.idp.GetUserGroups(ctx, user.String())
	if err != nil {
		return diff, fmt.Errorf("группы пользователя в IdP: %w", err)
	}

	localSet := make(map[string]bool, len(local))
	for _, m := range local {
		localSet[m.GroupName] = true
	}
	remoteSet := make(map[string]bool, len(kcGroups))
	for _, g := range kcGroups {
		remoteSet[g.Name] = true
	}

	for name := range localSet {
		if !remoteSet[name] {
			diff.Missing = append(diff.Missing, name)
		}
	}
	for name := range remoteSet {
		if localSet[name] {
			continue
		}
		_, err := repos.Groups.GetByName(ctx, name)
		switch {
		case err == nil:
			diff.Extra = append(diff.Extra, name)
		case errors.Is(err, repository.ErrNotFound):
			// группа IdP вне реестра
		default:
			return diff, storeErr("группа "+name, err)
		}
	}
	slices.Sort(diff.Missing)
	slices.Sort(diff.Extra)
	return diff, nil
}

// applyDiff приводит профиль в IdP к локальному состоянию.
func (e *Engine) applyDiff(ctx context.Context, diff model.GroupDiff) error {
	var errs []error
	for _, g := range diff.Missing {
		if err := e.idp.AddUserToGroup(ctx, diff.UserUUID.String(), g); err != nil {
			errs = append(errs, &SyncError{UserUUID: diff.UserUUID, Group: g, Op: "add", Err: err})
		}
	}
	for _, g := range diff.Extra {
		if err := e.idp.RemoveUserFromGroup(ctx, diff.UserUUID.String(), g); err != nil {
			errs = append(errs, &SyncError{UserUUID: diff.UserUUID, Group: g, Op: "remove", Err: err})
		}
	}
	return errors.Join(errs...)
}

// SyncUser переносит полный локальный набор групп пользователя в IdP.
// Пользователь снимается с очереди до чтения состояния: сбой, случившийся
// во время сверки, снова ставит его в очередь и не теряется.
func (e *Engine) SyncUser(ctx context.Context, user uuid.UUID) (model.GroupDiff, error) {
	if err := e.heal.Remove(ctx, user); err != nil {
		e.logger.Warn("Ошибка удаления из очереди синхронизации", slog.String("error", err.Error()))
	}
	diff, err := e.syncUser(ctx, user)
	if err != nil {
		if qerr := e.heal.Enqueue(ctx, user); qerr != nil {
			e.logger.Error("Не удалось вернуть пользователя в очередь синхронизации",
				slog.String("user_id", user.String()),
				slog.String("error", qerr.Error()),
			)
		}
	}
	return diff, err
}

func (e *Engine) syncUser(ctx context.Context, user uuid.UUID) (model.GroupDiff, error) {
	diff, err := e.userDiff(ctx, user)
	if err != nil {
		if errors.Is(err, keycloak.ErrNotFound) {
			return diff, fmt.Errorf("пользователь %s: %w", user, ErrNotFound)
		}
		if isServiceErr(err) {
			return diff, err
		}
		return diff, fmt.Errorf("%w: %w", ErrIDPUnavailable, err)
	}
	if err := e.applyDiff(ctx, diff); err != nil {
		syncFailures.WithLabelValues("consolidate").Inc()
		return diff, err
	}
	return diff, nil
}

// Consolidate сверяет всех пользователей с членством и пользователей
// из очереди синхронизации с IdP. В режиме dryRun только отчёт.
// Сбой одного пользователя не прерывает обработку остальных.
func (e *Engine) Consolidate(ctx context.Context, dryRun bool) (*model.ConsolidationResult, error) {
	users, err := e.store.Repos().Memberships.Users(ctx)
	if err != nil {
		return nil, storeErr("пользователи с членством", err)
	}
	queued, err := e.heal.Members(ctx)
	if err != nil {
		e.logger.Warn("Очередь синхронизации недоступна", slog.String("error", err.Error()))
	}
	users = mergeUsers(users, queued)

	result := &model.ConsolidationResult{DryRun: dryRun}
	result.StartedAt = e.now()

	var mu sync.Mutex
	e.fanOut(ctx, users, func(ctx context.Context, user uuid.UUID) {
		var (
			diff model.GroupDiff
			err  error
		)
		if dryRun {
			diff, err = e.userDiff(ctx, user)
		} else {
			diff, err = e.SyncUser(ctx, user)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(diff.Missing) > 0 || len(diff.Extra) > 0 {
			result.Diffs = append(result.Diffs, diff)
		}
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, model.ItemFailure{UserUUID: user, Error: err.Error()})
			e.logger.Warn("Ошибка консолидации пользователя",
				slog.String("user_id", user.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		result.Succeeded++
	})

	slices.SortFunc(result.Diffs, func(a, b model.GroupDiff) int {
		return slices.Compare(a.UserUUID[:], b.UserUUID[:])
	})
	result.CompletedAt = e.now()

	e.logger.Info("Консолидация завершена",
		slog.Bool("dry_run", dryRun),
		slog.Int("users", len(users)),
		slog.Int("diffs", len(result.Diffs)),
		slog.Int("failed", result.Failed),
		slog.String("duration", result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond).String()),
	)
	return result, nil
}

func mergeUsers(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(a)+len(b))
	out := make([]uuid.UUID, 0, len(a)+len(b))
	for _, list := range [][]uuid.UUID{a, b} {
		for _, u := range list {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

// fanOut обрабатывает пользователей параллельно (не более e.concurrency)
// и ждёт завершения всех задач. Ошибка одной задачи не отменяет остальные.
func (e *Engine) fanOut(ctx context.Context, users []uuid.UUID, fn func(ctx context.Context, user uuid.UUID)) {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user uuid.UUID) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			fn(ctx, user)
		}(user)
	}
	wg.Wait()
}
