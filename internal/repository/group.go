package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// GroupRepository — интерфейс для таблицы groups.
type GroupRepository interface {
	// Create создаёт группу. Дубликат имени — ErrConflict.
	Create(ctx context.Context, g *model.Group) error
	// GetByName возвращает группу по имени.
	GetByName(ctx context.Context, name string) (*model.Group, error)
	// GetByID возвращает группу по id.
	GetByID(ctx context.Context, id int) (*model.Group, error)
	// UpdateTrust меняет уровень доверия группы.
	UpdateTrust(ctx context.Context, id int, trust model.TrustType) error
	// SetActive меняет признак активности группы.
	SetActive(ctx context.Context, id int, active bool) error
	// SetCreated переписывает время создания (импорт).
	SetCreated(ctx context.Context, id int, created time.Time) error
	// ListInactive возвращает неактивные группы.
	ListInactive(ctx context.Context, limit, offset int) ([]*model.Group, error)
	// DeleteInactive удаляет неактивную группу вместе с ролями и членствами.
	DeleteInactive(ctx context.Context, name string) error
	// DeactivateEmpty помечает неактивными группы без участников.
	DeactivateEmpty(ctx context.Context) ([]*model.Group, error)
}

// groupRepo — реализация GroupRepository.
type groupRepo struct {
	db DBTX
}

// NewGroupRepository создаёт репозиторий групп.
func NewGroupRepository(db DBTX) GroupRepository {
	return &groupRepo{db: db}
}

const groupColumns = `id, name, typ, description, trust, capabilities, group_expiration, active, created`

func scanGroup(row pgx.Row) (*model.Group, error) {
	g := &model.Group{}
	err := row.Scan(
		&g.ID, &g.Name, &g.Type, &g.Description, &g.Trust,
		&g.Capabilities, &g.GroupExpiration, &g.Active, &g.Created,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r *groupRepo) Create(ctx context.Context, g *model.Group) error {
	query := `
		INSERT INTO groups (name, typ, description, trust, capabilities, group_expiration, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created`

	caps := g.Capabilities
	if caps == nil {
		caps = []string{}
	}
	err := r.db.QueryRow(ctx, query,
		g.Name, g.Type, g.Description, g.Trust, caps, g.GroupExpiration, g.Active,
	).Scan(&g.ID, &g.Created)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания группы: %w", err)
	}
	return nil
}

func (r *groupRepo) GetByName(ctx context.Context, name string) (*model.Group, error) {
	query := fmt.Sprintf(`SELECT %s FROM groups WHERE name = $1`, groupColumns)
	g, err := scanGroup(r.db.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения группы %q: %w", name, err)
	}
	return g, nil
}

func (r *groupRepo) GetByID(ctx context.Context, id int) (*model.Group, error) {
	query := fmt.Sprintf(`SELECT %s FROM groups WHERE id = $1`, groupColumns)
	g, err := scanGroup(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения группы %d: %w", id, err)
	}
	return g, nil
}

func (r *groupRepo) UpdateTrust(ctx context.Context, id int, trust model.TrustType) error {
	tag, err := r.db.Exec(ctx, `UPDATE groups SET trust = $2 WHERE id = $1`, id, trust)
	if err != nil {
		return fmt.Errorf("ошибка обновления trust группы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *groupRepo) SetActive(ctx context.Context, id int, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE groups SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("ошибка обновления active группы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *groupRepo) SetCreated(ctx context.Context, id int, created time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE groups SET created = $2 WHERE id = $1`, id, created)
	if err != nil {
		return fmt.Errorf("ошибка обновления created группы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *groupRepo) ListInactive(ctx context.Context, limit, offset int) ([]*model.Group, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM groups
		WHERE active = false
		ORDER BY name
		LIMIT $1 OFFSET $2`, groupColumns)

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения неактивных групп: %w", err)
	}
	defer rows.Close()

	var result []*model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования группы: %w", err)
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (r *groupRepo) DeleteInactive(ctx context.Context, name string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM groups WHERE name = $1 AND active = false`, name)
	if err != nil {
		return fmt.Errorf("ошибка удаления группы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *groupRepo) DeactivateEmpty(ctx context.Context) ([]*model.Group, error) {
	query := fmt.Sprintf(`
		UPDATE groups SET active = false
		WHERE active = true
		  AND NOT EXISTS (SELECT 1 FROM memberships m WHERE m.group_id = groups.id)
		RETURNING %s`, groupColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка деактивации пустых групп: %w", err)
	}
	defer rows.Close()

	var result []*model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования группы: %w", err)
		}
		result = append(result, g)
	}
	return result, rows.Err()
}
