package model

import (
	"fmt"
	"time"
)

// TrustType — уровень доверия. Определяет, какая аудитория может
// вступить в группу и какие поля профилей видит смотрящий.
type TrustType string

// Уровни доверия в порядке возрастания.
const (
	TrustPublic        TrustType = "public"
	TrustAuthenticated TrustType = "authenticated"
	TrustVouched       TrustType = "vouched"
	TrustNdaed         TrustType = "ndaed"
	TrustStaff         TrustType = "staff"
)

var trustRank = map[TrustType]int{
	TrustPublic:        0,
	TrustAuthenticated: 1,
	TrustVouched:       2,
	TrustNdaed:         3,
	TrustStaff:         4,
}

// AllTrustTypes возвращает все уровни доверия в порядке возрастания.
func AllTrustTypes() []TrustType {
	return []TrustType{TrustPublic, TrustAuthenticated, TrustVouched, TrustNdaed, TrustStaff}
}

// ParseTrust разбирает строку в TrustType.
func ParseTrust(s string) (TrustType, error) {
	t := TrustType(s)
	if _, ok := trustRank[t]; !ok {
		return "", fmt.Errorf("недопустимый уровень доверия %q", s)
	}
	return t, nil
}

// Rank возвращает числовой ранг уровня (-1 для неизвестного).
func (t TrustType) Rank() int {
	r, ok := trustRank[t]
	if !ok {
		return -1
	}
	return r
}

// AtLeast сообщает, что t не ниже other.
func (t TrustType) AtLeast(other TrustType) bool {
	return t.Rank() >= other.Rank() && t.Rank() >= 0
}

// GroupType — политика вступления в группу.
type GroupType string

const (
	GroupOpen     GroupType = "open"
	GroupReviewed GroupType = "reviewed"
	GroupClosed   GroupType = "closed"
)

// ParseGroupType разбирает строку в GroupType.
func ParseGroupType(s string) (GroupType, error) {
	switch GroupType(s) {
	case GroupOpen, GroupReviewed, GroupClosed:
		return GroupType(s), nil
	}
	return "", fmt.Errorf("недопустимый тип группы %q", s)
}

// Group — именованная группа. Имя неизменяемо после резервирования.
// Хранится в таблице groups.
type Group struct {
	ID          int
	Name        string
	Type        GroupType
	Description string
	Trust       TrustType
	// Capabilities — непрозрачные флаги возможностей группы
	Capabilities []string
	// GroupExpiration — политика автоистечения членства в днях (nil — бессрочно)
	GroupExpiration *int
	// Active — false после того, как в группе не осталось участников
	Active bool
	// Created — время создания (при импорте сдвигается к самому раннему членству)
	Created time.Time
}

// DefaultExpiration вычисляет срок членства по политике группы.
// Возвращает nil, если политика не задана.
func (g *Group) DefaultExpiration(now time.Time) *time.Time {
	if g.GroupExpiration == nil || *g.GroupExpiration <= 0 {
		return nil
	}
	exp := now.AddDate(0, 0, *g.GroupExpiration)
	return &exp
}

// RoleType — тип роли внутри группы.
type RoleType string

const (
	RoleMember  RoleType = "member"
	RoleCurator RoleType = "curator"
	RoleAdmin   RoleType = "admin"
)

// Rank возвращает старшинство роли: admin > curator > member.
func (t RoleType) Rank() int {
	switch t {
	case RoleAdmin:
		return 2
	case RoleCurator:
		return 1
	default:
		return 0
	}
}

// Role — роль внутри одной группы. На группу ровно одна роль member
// и одна роль admin, роли curator необязательны.
type Role struct {
	ID          int
	GroupID     int
	Type        RoleType
	Name        string
	Permissions []string
}

// IsHost сообщает, может ли обладатель роли управлять участниками.
func (r *Role) IsHost() bool {
	return r != nil && r.Type != RoleMember
}
