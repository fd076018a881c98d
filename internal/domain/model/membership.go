package model

import (
	"time"

	"github.com/google/uuid"
)

// SystemActor — зарезервированный идентификатор хоста для действий,
// инициированных самой системой (истечение, импорт, очистка).
// Никогда не совпадает с UUID реального пользователя.
var SystemActor = uuid.Nil

// IsSystemActor сообщает, что действие выполнено системой.
func IsSystemActor(id uuid.UUID) bool {
	return id == SystemActor
}

// Membership — членство пользователя в группе.
// Идентичность — пара (GroupID, UserUUID).
type Membership struct {
	GroupID    int
	UserUUID   uuid.UUID
	RoleID     int
	Expiration *time.Time
	// AddedBy — хост, добавивший или последним подтвердивший членство
	AddedBy uuid.UUID
	AddedTS time.Time
}

// ExpiredAt сообщает, истекло ли членство к моменту now.
func (m *Membership) ExpiredAt(now time.Time) bool {
	return m.Expiration != nil && !m.Expiration.After(now)
}

// MembershipChange — параметры upsert членства.
type MembershipChange struct {
	GroupID    int
	UserUUID   uuid.UUID
	RoleID     int
	Expiration *time.Time
	AddedBy    uuid.UUID
	// AddedTS задаётся только при импорте; nil — текущее время
	AddedTS *time.Time
}

// Member — участник группы для списков (членство + видимые поля профиля).
type Member struct {
	UserUUID   uuid.UUID
	Username   string
	FirstName  string
	LastName   string
	Email      string
	Picture    string
	Trust      TrustType
	Role       RoleType
	Expiration *time.Time
	AddedBy    uuid.UUID
	AddedTS    time.Time
	// Host — профиль хоста в той же видимости; nil для системы
	// и для хостов без профиля.
	Host *MemberHost
}

// MemberHost — видимые поля профиля хоста членства.
type MemberHost struct {
	UUID      uuid.UUID
	Username  string
	FirstName string
	LastName  string
	Email     string
}

// ExpiringMembership — членство в окне предупреждения об истечении
// вместе с данными, нужными для выбора адресатов.
type ExpiringMembership struct {
	Membership
	GroupName string
}

// Invitation — приглашение в группу с собственным сроком действия.
type Invitation struct {
	GroupID              int
	UserUUID             uuid.UUID
	InvitationExpiration *time.Time
	GroupExpiration      *int
	AddedBy              uuid.UUID
	Created              time.Time
}

// Request — заявка пользователя на вступление в группу.
type Request struct {
	GroupID           int
	UserUUID          uuid.UUID
	RequestExpiration *time.Time
	Created           time.Time
}

// PendingRequest — заявка с видимыми полями профиля заявителя.
type PendingRequest struct {
	Request
	Username string
	Email    string
}
