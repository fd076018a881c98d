package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// InvitationRepository — интерфейс для таблицы invitations.
type InvitationRepository interface {
	// Upsert создаёт или обновляет приглашение.
	Upsert(ctx context.Context, inv *model.Invitation) error
	// ExpireBefore удаляет приглашения с invitation_expiration <= t и возвращает их.
	ExpireBefore(ctx context.Context, t time.Time) ([]model.Invitation, error)
	// DeleteForUser удаляет все приглашения пользователя.
	DeleteForUser(ctx context.Context, user uuid.UUID) ([]model.Invitation, error)
	// ForUser возвращает приглашения пользователя.
	ForUser(ctx context.Context, user uuid.UUID) ([]model.Invitation, error)
}

// RequestRepository — интерфейс для таблицы requests.
type RequestRepository interface {
	// Upsert создаёт или обновляет заявку.
	Upsert(ctx context.Context, req *model.Request) error
	// Get возвращает заявку.
	Get(ctx context.Context, groupID int, user uuid.UUID) (*model.Request, error)
	// Delete удаляет заявку; ErrNotFound — заявки не было.
	Delete(ctx context.Context, groupID int, user uuid.UUID) error
	// Pending возвращает заявки группы с данными заявителей.
	Pending(ctx context.Context, groupID int, limit, offset int) ([]model.PendingRequest, error)
	// ExpireBefore удаляет заявки с request_expiration <= t и возвращает их.
	ExpireBefore(ctx context.Context, t time.Time) ([]model.Request, error)
	// DeleteForUser удаляет все заявки пользователя.
	DeleteForUser(ctx context.Context, user uuid.UUID) ([]model.Request, error)
	// ForUser возвращает заявки пользователя.
	ForUser(ctx context.Context, user uuid.UUID) ([]model.Request, error)
}

// invitationRepo — реализация InvitationRepository.
type invitationRepo struct {
	db DBTX
}

// NewInvitationRepository создаёт репозиторий приглашений.
func NewInvitationRepository(db DBTX) InvitationRepository {
	return &invitationRepo{db: db}
}

func (r *invitationRepo) Upsert(ctx context.Context, inv *model.Invitation) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO invitations (group_id, user_uuid, invitation_expiration, group_expiration, added_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, user_uuid) DO UPDATE SET
			invitation_expiration = EXCLUDED.invitation_expiration,
			group_expiration = EXCLUDED.group_expiration,
			added_by = EXCLUDED.added_by
		RETURNING created`,
		inv.GroupID, inv.UserUUID, inv.InvitationExpiration, inv.GroupExpiration, inv.AddedBy,
	).Scan(&inv.Created)
	if err != nil {
		return fmt.Errorf("ошибка upsert приглашения: %w", err)
	}
	return nil
}

const invitationReturning = `RETURNING group_id, user_uuid, invitation_expiration, group_expiration, added_by, created`

// queryInvitations читает приглашения из SELECT или DELETE ... RETURNING.
func (r *invitationRepo) queryInvitations(ctx context.Context, query string, args ...any) ([]model.Invitation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса приглашений: %w", err)
	}
	defer rows.Close()

	var result []model.Invitation
	for rows.Next() {
		var inv model.Invitation
		if err := rows.Scan(
			&inv.GroupID, &inv.UserUUID, &inv.InvitationExpiration,
			&inv.GroupExpiration, &inv.AddedBy, &inv.Created,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования приглашения: %w", err)
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (r *invitationRepo) ExpireBefore(ctx context.Context, t time.Time) ([]model.Invitation, error) {
	return r.queryInvitations(ctx,
		`DELETE FROM invitations WHERE invitation_expiration <= $1 `+invitationReturning, t)
}

func (r *invitationRepo) DeleteForUser(ctx context.Context, user uuid.UUID) ([]model.Invitation, error) {
	return r.queryInvitations(ctx,
		`DELETE FROM invitations WHERE user_uuid = $1 `+invitationReturning, user)
}

func (r *invitationRepo) ForUser(ctx context.Context, user uuid.UUID) ([]model.Invitation, error) {
	return r.queryInvitations(ctx, `
		SELECT group_id, user_uuid, invitation_expiration, group_expiration, added_by, created
		FROM invitations WHERE user_uuid = $1 ORDER BY created`, user)
}

// requestRepo — реализация RequestRepository.
type requestRepo struct {
	db DBTX
}

// NewRequestRepository создаёт репозиторий заявок.
func NewRequestRepository(db DBTX) RequestRepository {
	return &requestRepo{db: db}
}

func (r *requestRepo) Upsert(ctx context.Context, req *model.Request) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO requests (group_id, user_uuid, request_expiration)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, user_uuid) DO UPDATE SET
			request_expiration = EXCLUDED.request_expiration
		RETURNING created`,
		req.GroupID, req.UserUUID, req.RequestExpiration,
	).Scan(&req.Created)
	if err != nil {
		return fmt.Errorf("ошибка upsert заявки: %w", err)
	}
	return nil
}

func (r *requestRepo) Get(ctx context.Context, groupID int, user uuid.UUID) (*model.Request, error) {
	req := &model.Request{}
	err := r.db.QueryRow(ctx, `
		SELECT group_id, user_uuid, request_expiration, created
		FROM requests WHERE group_id = $1 AND user_uuid = $2`, groupID, user,
	).Scan(&req.GroupID, &req.UserUUID, &req.RequestExpiration, &req.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения заявки: %w", err)
	}
	return req, nil
}

func (r *requestRepo) Delete(ctx context.Context, groupID int, user uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM requests WHERE group_id = $1 AND user_uuid = $2`, groupID, user)
	if err != nil {
		return fmt.Errorf("ошибка удаления заявки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *requestRepo) Pending(ctx context.Context, groupID int, limit, offset int) ([]model.PendingRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT q.group_id, q.user_uuid, q.request_expiration, q.created,
		       COALESCE(p.username, ''), COALESCE(p.email, '')
		FROM requests q
		LEFT JOIN profiles p ON p.user_uuid = q.user_uuid
		WHERE q.group_id = $1
		ORDER BY q.created
		LIMIT $2 OFFSET $3`, groupID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявок: %w", err)
	}
	defer rows.Close()

	var result []model.PendingRequest
	for rows.Next() {
		var p model.PendingRequest
		if err := rows.Scan(
			&p.GroupID, &p.UserUUID, &p.RequestExpiration, &p.Created, &p.Username, &p.Email,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования заявки: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// queryRequests читает заявки из SELECT или DELETE ... RETURNING.
func (r *requestRepo) queryRequests(ctx context.Context, query string, args ...any) ([]model.Request, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса заявок: %w", err)
	}
	defer rows.Close()

	var result []model.Request
	for rows.Next() {
		var req model.Request
		if err := rows.Scan(&req.GroupID, &req.UserUUID, &req.RequestExpiration, &req.Created); err != nil {
			return nil, fmt.Errorf("ошибка сканирования заявки: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (r *requestRepo) ExpireBefore(ctx context.Context, t time.Time) ([]model.Request, error) {
	return r.queryRequests(ctx, `
		DELETE FROM requests WHERE request_expiration <= $1
		RETURNING group_id, user_uuid, request_expiration, created`, t)
}

func (r *requestRepo) DeleteForUser(ctx context.Context, user uuid.UUID) ([]model.Request, error) {
	return r.queryRequests(ctx, `
		DELETE FROM requests WHERE user_uuid = $1
		RETURNING group_id, user_uuid, request_expiration, created`, user)
}

func (r *requestRepo) ForUser(ctx context.Context, user uuid.UUID) ([]model.Request, error) {
	return r.queryRequests(ctx, `
		SELECT group_id, user_uuid, request_expiration, created
		FROM requests WHERE user_uuid = $1 ORDER BY created`, user)
}
