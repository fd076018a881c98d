// import.go — импорт уже разобранной группы из прежнего каталога.
//
// Группа создаётся системой (уровень ndaed), кураторы становятся
// администраторами, участники получают оставшийся срок. Каждый куратор
// и участник обрабатывается независимо.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

// expirationBuffer — минимальный оставшийся срок импортированного членства (дни).
const expirationBuffer = 60

// ImportedGroup — группа в прежнем каталоге.
type ImportedGroup struct {
	Name        string `json:"name"`
	Typ         string `json:"typ"`
	Description string `json:"description"`
	Website     string `json:"website"`
	Wiki        string `json:"wiki"`
	// Expiration — срок членства в днях (0 — бессрочно)
	Expiration int `json:"expiration"`
}

// ImportedCurator — куратор группы.
type ImportedCurator struct {
	// UserID — UUID или имя пользователя
	UserID string `json:"user_id"`
}

// ImportedMember — участник группы.
type ImportedMember struct {
	UserID string `json:"user_id"`
	// Host — пригласивший (UUID или имя), пусто — система
	Host       string    `json:"host"`
	Expiration int       `json:"expiration"`
	UpdatedOn  time.Time `json:"updated_on"`
	DateJoined time.Time `json:"date_joined"`
}

// GroupImport — группа вместе с кураторами и участниками.
type GroupImport struct {
	Group    ImportedGroup     `json:"group"`
	Curators []ImportedCurator `json:"curators"`
	Members  []ImportedMember  `json:"members"`
}

// calcExpiration возвращает оставшийся срок в днях: исходный срок минус
// дни с последнего обновления, но не меньше expirationBuffer.
// 0 и меньше — бессрочно (nil).
func calcExpiration(memberExpiration int, updated, now time.Time) *int {
	if memberExpiration <= 0 {
		return nil
	}
	days := memberExpiration - int(now.Sub(updated).Hours()/24)
	if days < expirationBuffer {
		days = expirationBuffer
	}
	return &days
}

// importDescription дополняет описание ссылками на сайт и вики.
func importDescription(g ImportedGroup) string {
	switch {
	case g.Website == "" && g.Wiki == "":
		return g.Description
	case g.Wiki == "" || g.Website == g.Wiki:
		return fmt.Sprintf("%s\n\n**Website:** [%s](%s)", g.Description, g.Website, g.Website)
	case g.Website == "":
		return fmt.Sprintf("%s\n\n**Wiki:** [%s](%s)", g.Description, g.Wiki, g.Wiki)
	default:
		return fmt.Sprintf("%s\n\n**Website:** [%s](%s)\n\n**Wiki:** [%s](%s)",
			g.Description, g.Website, g.Website, g.Wiki, g.Wiki)
	}
}

// ImportGroup импортирует группу. Ошибка создания группы прерывает импорт,
// ошибки отдельных кураторов и участников собираются в результат.
func (e *Engine) ImportGroup(ctx context.Context, imp GroupImport) (*model.ImportResult, error) {
	typ := model.GroupClosed
	if imp.Group.Typ == "by_request" {
		typ = model.GroupReviewed
	}
	var expiration *int
	if imp.Group.Expiration > 0 {
		exp := imp.Group.Expiration
		expiration = &exp
	}

	group, err := e.createGroup(ctx, SystemScope(), NewGroup{
		Name:            imp.Group.Name,
		Type:            typ,
		Description:     importDescription(imp.Group),
		Trust:           model.TrustNdaed,
		GroupExpiration: expiration,
	}, true)
	if err != nil {
		return nil, err
	}

	result := &model.ImportResult{Group: group.Name}
	result.Curators.StartedAt = e.now()
	for _, c := range imp.Curators {
		if err := e.importCurator(ctx, group, c); err != nil {
			result.Curators.Failed++
			result.Curators.Failures = append(result.Curators.Failures, model.ItemFailure{Group: group.Name, Error: c.UserID + ": " + err.Error()})
			e.logger.Warn("Не удалось импортировать куратора",
				slog.String("user_id", c.UserID),
				slog.String("group", group.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Curators.Succeeded++
	}
	result.Curators.CompletedAt = e.now()

	created := group.Created
	result.Members.StartedAt = e.now()
	for _, m := range imp.Members {
		if !m.DateJoined.IsZero() && m.DateJoined.Before(created) {
			created = m.DateJoined
		}
		if err := e.importMember(ctx, group, m); err != nil {
			result.Members.Failed++
			result.Members.Failures = append(result.Members.Failures, model.ItemFailure{Group: group.Name, Error: m.UserID + ": " + err.Error()})
			e.logger.Warn("Не удалось импортировать участника",
				slog.String("user_id", m.UserID),
				slog.String("group", group.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Members.Succeeded++
	}
	result.Members.CompletedAt = e.now()

	if created.Before(group.Created) {
		if err := e.store.Repos().Groups.SetCreated(ctx, group.ID, created); err != nil {
			return result, storeErr("время создания группы", err)
		}
	}
	result.CreatedAt = created

	e.logger.Info("Группа импортирована",
		slog.String("group", group.Name),
		slog.Int("curators", result.Curators.Succeeded),
		slog.Int("members", result.Members.Succeeded),
		slog.Int("failed", result.Curators.Failed+result.Members.Failed),
	)
	return result, nil
}

func (e *Engine) importCurator(ctx context.Context, group *model.Group, c ImportedCurator) error {
	profile, err := e.resolveIdentifier(ctx, c.UserID)
	if err != nil {
		return err
	}
	return e.promote(ctx, SystemScope(), group.Name, profile.UUID, model.RoleAdmin, true, model.SystemActor)
}

// importMember добавляет участника. Уже состоящему в группе только
// переносится время вступления.
func (e *Engine) importMember(ctx context.Context, group *model.Group, m ImportedMember) error {
	profile, err := e.resolveIdentifier(ctx, m.UserID)
	if err != nil {
		return err
	}
	host := model.SystemActor
	if m.Host != "" {
		hostProfile, err := e.resolveIdentifier(ctx, m.Host)
		if err != nil {
			return fmt.Errorf("хост %s: %w", m.Host, err)
		}
		host = hostProfile.UUID
	}

	now := e.now()
	var expiration *time.Time
	if days := calcExpiration(m.Expiration, m.UpdatedOn, now); days != nil {
		t := now.AddDate(0, 0, *days)
		expiration = &t
	}

	added := false
	err = e.inTx(ctx, "импорт участника", func(r *repository.Repositories) error {
		current, err := actorRole(ctx, r, profile.UUID, group.ID)
		if err != nil {
			return err
		}
		if current == nil {
			role, err := r.Roles.GetByType(ctx, group.ID, model.RoleMember)
			if err != nil {
				return storeErr("роль member", err)
			}
			if err := e.upsert(ctx, r, group, role, profile.UUID, expiration, host, "imported"); err != nil {
				return err
			}
			added = true
		}
		if !m.DateJoined.IsZero() {
			return r.Memberships.SetAddedTS(ctx, group.ID, profile.UUID, m.DateJoined.UTC())
		}
		return nil
	})
	if err != nil || !added {
		return err
	}
	return e.syncAdd(ctx, profile.UUID, group.Name)
}
