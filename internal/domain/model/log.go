package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LogTarget — тип объекта записи аудита.
type LogTarget string

const (
	TargetGroup      LogTarget = "group"
	TargetRole       LogTarget = "role"
	TargetMembership LogTarget = "membership"
	TargetInvitation LogTarget = "invitation"
	TargetRequest    LogTarget = "request"
)

// LogOperation — тип операции записи аудита.
type LogOperation string

const (
	OpCreated LogOperation = "created"
	OpUpdated LogOperation = "updated"
	OpDeleted LogOperation = "deleted"
)

// LogEntry — неизменяемая запись журнала аудита.
// Пишется в той же транзакции, что и изменение, которое описывает.
type LogEntry struct {
	ID        int64
	TS        time.Time
	Target    LogTarget
	Operation LogOperation
	GroupID   int
	HostUUID  uuid.UUID
	UserUUID  *uuid.UUID
	// Body — структурированный комментарий, обычно {"comment": "..."}
	Body json.RawMessage
}

// Comment формирует тело записи аудита с комментарием.
func Comment(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"comment": text})
	return b
}

// Стандартные комментарии записей аудита.
const (
	CommentAdded   = "added"
	CommentRenewed = "renewed"
	CommentExpired = "expired"
	CommentRevoked = "revoked"
)
