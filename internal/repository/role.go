package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// RoleRepository — интерфейс для таблицы roles.
// Роли удаляются только каскадом вместе с группой.
type RoleRepository interface {
	// Create создаёт роль. Вторая роль member/admin в группе — ErrConflict.
	Create(ctx context.Context, role *model.Role) error
	// GetByType возвращает роль группы заданного типа (первую по id для curator).
	GetByType(ctx context.Context, groupID int, typ model.RoleType) (*model.Role, error)
	// RoleFor возвращает роль пользователя в группе; ErrNotFound — не состоит.
	RoleFor(ctx context.Context, user uuid.UUID, groupID int) (*model.Role, error)
	// CountByType возвращает число ролей типа typ в группе.
	CountByType(ctx context.Context, groupID int, typ model.RoleType) (int, error)
}

// roleRepo — реализация RoleRepository.
type roleRepo struct {
	db DBTX
}

// NewRoleRepository создаёт репозиторий ролей.
func NewRoleRepository(db DBTX) RoleRepository {
	return &roleRepo{db: db}
}

func (r *roleRepo) Create(ctx context.Context, role *model.Role) error {
	perms := role.Permissions
	if perms == nil {
		perms = []string{}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO roles (group_id, typ, name, permissions)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		role.GroupID, role.Type, role.Name, perms,
	).Scan(&role.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания роли: %w", err)
	}
	return nil
}

func (r *roleRepo) GetByType(ctx context.Context, groupID int, typ model.RoleType) (*model.Role, error) {
	role := &model.Role{}
	err := r.db.QueryRow(ctx, `
		SELECT id, group_id, typ, name, permissions
		FROM roles
		WHERE group_id = $1 AND typ = $2
		ORDER BY id
		LIMIT 1`, groupID, typ,
	).Scan(&role.ID, &role.GroupID, &role.Type, &role.Name, &role.Permissions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения роли %s: %w", typ, err)
	}
	return role, nil
}

func (r *roleRepo) RoleFor(ctx context.Context, user uuid.UUID, groupID int) (*model.Role, error) {
	role := &model.Role{}
	err := r.db.QueryRow(ctx, `
		SELECT r.id, r.group_id, r.typ, r.name, r.permissions
		FROM memberships m
		JOIN roles r ON r.id = m.role_id
		WHERE m.user_uuid = $1 AND m.group_id = $2`, user, groupID,
	).Scan(&role.ID, &role.GroupID, &role.Type, &role.Name, &role.Permissions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения роли пользователя: %w", err)
	}
	return role, nil
}

func (r *roleRepo) CountByType(ctx context.Context, groupID int, typ model.RoleType) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM roles WHERE group_id = $1 AND typ = $2`, groupID, typ,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта ролей: %w", err)
	}
	return count, nil
}
