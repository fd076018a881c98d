// Пакет keycloak — HTTP-клиент к Keycloak Admin REST API.
// models.go — модели данных Keycloak.
package keycloak

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// Атрибуты пользователя Keycloak, которые читает сервис.
const (
	AttrTrust   = "trust"
	AttrPicture = "picture"
)

// TokenResponse — ответ на запрос токена через Client Credentials flow.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// KeycloakUser — пользователь в Keycloak.
type KeycloakUser struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID            string              `json:"id"`
	Username      string              `json:"username"`
	Email         string              `json:"email"`
	FirstName     string              `json:"firstName"`
	LastName      string              `json:"lastName"`
	Enabled       bool                `json:"enabled"`
	CreatedAt     int64               `json:"createdTimestamp"`
	EmailVerified bool                `json:"emailVerified"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// CreatedAtTime возвращает CreatedAt как time.Time.
// Keycloak хранит timestamp в миллисекундах.
func (u *KeycloakUser) CreatedAtTime() time.Time {
	return time.UnixMilli(u.CreatedAt)
}

// attr возвращает первое значение атрибута.
func (u *KeycloakUser) attr(name string) string {
	if vals := u.Attributes[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// ToProfile преобразует пользователя Keycloak в профиль.
// Без атрибута trust пользователь считается authenticated.
func (u *KeycloakUser) ToProfile() (*model.UserProfile, error) {
	id, err := uuid.Parse(u.ID)
	if err != nil {
		return nil, fmt.Errorf("некорректный id пользователя Keycloak %q: %w", u.ID, err)
	}
	trust := model.TrustAuthenticated
	if raw := u.attr(AttrTrust); raw != "" {
		if t, err := model.ParseTrust(raw); err == nil {
			trust = t
		}
	}
	return &model.UserProfile{
		UUID:      id,
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Picture:   u.attr(AttrPicture),
		Trust:     trust,
	}, nil
}

// KeycloakGroup — группа в Keycloak.
type KeycloakGroup struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// RealmRepresentation — краткая информация о realm.
type RealmRepresentation struct {
	Realm   string `json:"realm"`
	Enabled bool   `json:"enabled"`
}

// groupCreateRequest — запрос на создание группы в Keycloak.
type groupCreateRequest struct {
	Name string `json:"name"`
}
