// Пакет rbac — вычисление области полномочий актора.
// Область = уровень доверия (из claim токена) + признак администратора
// (по группам IdP). Уровень доверия можно только понизить до известного,
// неизвестное значение трактуется как public.
package rbac

import (
	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// Scope — область полномочий аутентифицированного актора.
type Scope struct {
	// Actor — UUID пользователя (sub токена)
	Actor uuid.UUID
	// Trust — уровень доверия актора
	Trust model.TrustType
	// Admin — актор входит в административные группы IdP
	Admin bool
}

// ScopeFromClaims строит область по значению trust-claim и группам IdP.
func ScopeFromClaims(actor uuid.UUID, trustClaim string, groups, adminGroups []string) Scope {
	trust, err := model.ParseTrust(trustClaim)
	if err != nil {
		trust = model.TrustPublic
	}
	return Scope{
		Actor: actor,
		Trust: trust,
		Admin: hasAny(groups, adminGroups),
	}
}

// CanView сообщает, достаточно ли уровня доверия для просмотра группы с уровнем required.
func (s Scope) CanView(required model.TrustType) bool {
	return s.Trust.AtLeast(required)
}

// IsSudo — административные операции доступны только администраторам уровня staff.
func (s Scope) IsSudo() bool {
	return s.Admin && s.Trust.AtLeast(model.TrustStaff)
}

// CanManage сообщает, может ли актор управлять участниками группы,
// где он сам имеет роль role (nil — не состоит в группе).
func (s Scope) CanManage(role *model.Role) bool {
	if s.IsSudo() {
		return true
	}
	return role.IsHost()
}

// CanManageAdmins — назначать и снимать администраторов может только
// администратор группы или sudo.
func (s Scope) CanManageAdmins(role *model.Role) bool {
	if s.IsSudo() {
		return true
	}
	return role != nil && role.Type == model.RoleAdmin
}

// hasAny сообщает, есть ли пересечение двух наборов.
func hasAny(items, set []string) bool {
	lookup := toSet(set)
	for _, item := range items {
		if lookup[item] {
			return true
		}
	}
	return false
}

// toSet конвертирует срез строк в map для быстрого поиска.
func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
