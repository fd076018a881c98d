package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// ProfileRepository — интерфейс для таблицы profiles (локальный кэш профилей).
type ProfileRepository interface {
	// Upsert сохраняет профиль, полученный из сервиса идентификации.
	Upsert(ctx context.Context, p *model.UserProfile) error
	// Get возвращает профиль по UUID.
	Get(ctx context.Context, id uuid.UUID) (*model.UserProfile, error)
	// GetByUsername возвращает профиль по username.
	GetByUsername(ctx context.Context, username string) (*model.UserProfile, error)
	// Delete удаляет профиль; ErrNotFound — профиля не было.
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteInactive удаляет профили пользователей без членств, приглашений
	// и заявок, не записанных хостом ни одного членства или приглашения.
	DeleteInactive(ctx context.Context) ([]uuid.UUID, error)
	// UUIDsWithTrust возвращает пользователей с уровнем доверия trust.
	UUIDsWithTrust(ctx context.Context, trust model.TrustType) ([]uuid.UUID, error)
}

// profileRepo — реализация ProfileRepository.
type profileRepo struct {
	db DBTX
}

// NewProfileRepository создаёт репозиторий профилей.
func NewProfileRepository(db DBTX) ProfileRepository {
	return &profileRepo{db: db}
}

const profileColumns = `user_uuid, username, email, first_name, last_name, picture, trust, updated_at`

func scanProfile(row pgx.Row) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	if err := row.Scan(
		&p.UUID, &p.Username, &p.Email, &p.FirstName, &p.LastName, &p.Picture, &p.Trust, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *profileRepo) Upsert(ctx context.Context, p *model.UserProfile) error {
	trust := p.Trust
	if trust == "" {
		trust = model.TrustAuthenticated
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO profiles (user_uuid, username, email, first_name, last_name, picture, trust)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_uuid) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			picture = EXCLUDED.picture,
			trust = EXCLUDED.trust,
			updated_at = now()
		RETURNING updated_at`,
		p.UUID, p.Username, p.Email, p.FirstName, p.LastName, p.Picture, trust,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка upsert профиля: %w", err)
	}
	p.Trust = trust
	return nil
}

func (r *profileRepo) Get(ctx context.Context, id uuid.UUID) (*model.UserProfile, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiles WHERE user_uuid = $1`, profileColumns)
	p, err := scanProfile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения профиля: %w", err)
	}
	return p, nil
}

func (r *profileRepo) GetByUsername(ctx context.Context, username string) (*model.UserProfile, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiles WHERE username = $1`, profileColumns)
	p, err := scanProfile(r.db.QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения профиля: %w", err)
	}
	return p, nil
}

func (r *profileRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM profiles WHERE user_uuid = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления профиля: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *profileRepo) collectUUIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса профилей: %w", err)
	}
	defer rows.Close()

	var result []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования UUID: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (r *profileRepo) DeleteInactive(ctx context.Context) ([]uuid.UUID, error) {
	return r.collectUUIDs(ctx, `
		DELETE FROM profiles p
		WHERE NOT EXISTS (SELECT 1 FROM memberships m WHERE m.user_uuid = p.user_uuid OR m.added_by = p.user_uuid)
		  AND NOT EXISTS (SELECT 1 FROM invitations i WHERE i.user_uuid = p.user_uuid OR i.added_by = p.user_uuid)
		  AND NOT EXISTS (SELECT 1 FROM requests q WHERE q.user_uuid = p.user_uuid)
		RETURNING p.user_uuid`)
}

func (r *profileRepo) UUIDsWithTrust(ctx context.Context, trust model.TrustType) ([]uuid.UUID, error) {
	return r.collectUUIDs(ctx,
		`SELECT user_uuid FROM profiles WHERE trust = $1 ORDER BY user_uuid`, string(trust))
}
