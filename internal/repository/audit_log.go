package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// LogFilter — фильтр выборки журнала аудита.
type LogFilter struct {
	GroupID  *int
	UserUUID *uuid.UUID
	HostUUID *uuid.UUID
}

// AuditLogRepository — интерфейс для таблицы logs (только вставка и чтение).
type AuditLogRepository interface {
	// Append добавляет запись. Вызывается в транзакции изменения.
	Append(ctx context.Context, e *model.LogEntry) error
	// List возвращает записи в порядке убывания id.
	List(ctx context.Context, f LogFilter, limit, offset int) ([]*model.LogEntry, error)
}

// auditLogRepo — реализация AuditLogRepository.
type auditLogRepo struct {
	db DBTX
}

// NewAuditLogRepository создаёт репозиторий журнала аудита.
func NewAuditLogRepository(db DBTX) AuditLogRepository {
	return &auditLogRepo{db: db}
}

func (r *auditLogRepo) Append(ctx context.Context, e *model.LogEntry) error {
	var body any
	if len(e.Body) > 0 {
		body = e.Body
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO logs (target, operation, group_id, host_uuid, user_uuid, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, ts`,
		e.Target, e.Operation, e.GroupID, e.HostUUID, e.UserUUID, body,
	).Scan(&e.ID, &e.TS)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала аудита: %w", err)
	}
	return nil
}

func (r *auditLogRepo) List(ctx context.Context, f LogFilter, limit, offset int) ([]*model.LogEntry, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.GroupID != nil {
		conditions = append(conditions, fmt.Sprintf("group_id = $%d", argIdx))
		args = append(args, *f.GroupID)
		argIdx++
	}
	if f.UserUUID != nil {
		conditions = append(conditions, fmt.Sprintf("user_uuid = $%d", argIdx))
		args = append(args, *f.UserUUID)
		argIdx++
	}
	if f.HostUUID != nil {
		conditions = append(conditions, fmt.Sprintf("host_uuid = $%d", argIdx))
		args = append(args, *f.HostUUID)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, ts, target, operation, group_id, host_uuid, user_uuid, body
		FROM logs
		%s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала аудита: %w", err)
	}
	defer rows.Close()

	var result []*model.LogEntry
	for rows.Next() {
		e := &model.LogEntry{}
		var body []byte
		if err := rows.Scan(
			&e.ID, &e.TS, &e.Target, &e.Operation, &e.GroupID, &e.HostUUID, &e.UserUUID, &body,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи аудита: %w", err)
		}
		e.Body = body
		result = append(result, e)
	}
	return result, rows.Err()
}
