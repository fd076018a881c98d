// Пакет model — доменные модели Groups Module.
package model

import (
	"time"

	"github.com/google/uuid"
)

// UserProfile — профиль пользователя из сервиса идентификации.
// Локально (таблица profiles) кэшируются только поля, нужные для списков.
type UserProfile struct {
	// UUID — идентификатор пользователя в Keycloak, ключ соединения
	UUID      uuid.UUID
	Username  string
	Email     string
	FirstName string
	LastName  string
	Picture   string
	// Trust — уровень доверия пользователя
	Trust TrustType
	// Groups — группы пользователя в сервисе идентификации (только при чтении из Keycloak)
	Groups    []string
	UpdatedAt time.Time
}

// DisplayName возвращает имя для писем и списков.
func (p *UserProfile) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.Username
	}
}

// UserData — сырые данные сервиса по одному пользователю.
type UserData struct {
	// Profile — локальный профиль; nil, если профиль не кэширован
	Profile     *UserProfile
	Memberships []ExpiringMembership
	Invitations []Invitation
	Requests    []Request
	// Logs — записи журнала, где пользователь является субъектом
	Logs []*LogEntry
}
