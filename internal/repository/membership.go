package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// MemberQuery — фильтр списка участников группы.
type MemberQuery struct {
	// Scope — уровень доверия смотрящего, выбирает представление профилей
	Scope model.TrustType
	// Prefix — префикс имени, username или email (без учёта регистра)
	Prefix string
	// Roles — фильтр по типам ролей (пусто — все)
	Roles  []model.RoleType
	Limit  int
	Offset int
}

// MembershipRepository — интерфейс для таблицы memberships.
type MembershipRepository interface {
	// Upsert создаёт или обновляет членство по ключу (group_id, user_uuid).
	// added_ts существующей записи сохраняется. Роль чужой группы — ErrRoleMismatch.
	Upsert(ctx context.Context, c model.MembershipChange) error
	// Get возвращает членство.
	Get(ctx context.Context, groupID int, user uuid.UUID) (*model.Membership, error)
	// Delete удаляет членство. Возвращает false, если строки не было.
	Delete(ctx context.Context, groupID int, user uuid.UUID) (bool, error)
	// UpdateExpiration меняет только срок членства.
	UpdateExpiration(ctx context.Context, groupID int, user uuid.UUID, expiration *time.Time) error
	// ExpiredBefore возвращает членства с expiration <= t.
	ExpiredBefore(ctx context.Context, t time.Time) ([]model.ExpiringMembership, error)
	// ExpiringBetween возвращает членства с from <= expiration <= to.
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]model.ExpiringMembership, error)
	// MembersNotCurrent возвращает остальных участников группы.
	MembersNotCurrent(ctx context.Context, groupID int, exclude uuid.UUID) ([]uuid.UUID, error)
	// ForUser возвращает все членства пользователя.
	ForUser(ctx context.Context, user uuid.UUID) ([]model.ExpiringMembership, error)
	// Users возвращает всех пользователей, у которых есть членства.
	Users(ctx context.Context) ([]uuid.UUID, error)
	// CountWithRole возвращает число участников группы с ролью типа typ.
	CountWithRole(ctx context.Context, groupID int, typ model.RoleType) (int, error)
	// HostEmails возвращает email всех обладателей ролей curator и admin.
	HostEmails(ctx context.Context, groupID int) ([]string, error)
	// ScopedMembers возвращает участников, видимых на уровне q.Scope.
	ScopedMembers(ctx context.Context, groupID int, q MemberQuery) ([]model.Member, error)
	// SetAddedTS переписывает время добавления (импорт).
	SetAddedTS(ctx context.Context, groupID int, user uuid.UUID, ts time.Time) error
	// BelowTrust — участники группы, чей уровень доверия ниже trust.
	BelowTrust(ctx context.Context, groupID int, trust model.TrustType) ([]uuid.UUID, error)
}

// membershipRepo — реализация MembershipRepository.
type membershipRepo struct {
	db DBTX
}

// NewMembershipRepository создаёт репозиторий членств.
func NewMembershipRepository(db DBTX) MembershipRepository {
	return &membershipRepo{db: db}
}

// scopeViews — представление профилей для каждого уровня доверия смотрящего.
var scopeViews = map[model.TrustType]string{
	model.TrustPublic:        "users_public",
	model.TrustAuthenticated: "users_authenticated",
	model.TrustVouched:       "users_vouched",
	model.TrustNdaed:         "users_ndaed",
	model.TrustStaff:         "users_staff",
}

// hostViews — представление профилей хостов для каждого уровня доверия.
var hostViews = map[model.TrustType]string{
	model.TrustPublic:        "hosts_public",
	model.TrustAuthenticated: "hosts_authenticated",
	model.TrustVouched:       "hosts_vouched",
	model.TrustNdaed:         "hosts_ndaed",
	model.TrustStaff:         "hosts_staff",
}

// ScopeView возвращает имя представления для уровня доверия.
func ScopeView(scope model.TrustType) (string, error) {
	view, ok := scopeViews[scope]
	if !ok {
		return "", fmt.Errorf("нет представления профилей для уровня %q", scope)
	}
	return view, nil
}

func (r *membershipRepo) Upsert(ctx context.Context, c model.MembershipChange) error {
	addedTS := time.Now().UTC()
	if c.AddedTS != nil {
		addedTS = *c.AddedTS
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO memberships (group_id, user_uuid, role_id, expiration, added_by, added_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id, user_uuid) DO UPDATE SET
			role_id = EXCLUDED.role_id,
			expiration = EXCLUDED.expiration,
			added_by = EXCLUDED.added_by`,
		c.GroupID, c.UserUUID, c.RoleID, c.Expiration, c.AddedBy, addedTS,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrRoleMismatch
		}
		return fmt.Errorf("ошибка upsert членства: %w", err)
	}
	return nil
}

func (r *membershipRepo) Get(ctx context.Context, groupID int, user uuid.UUID) (*model.Membership, error) {
	m := &model.Membership{}
	err := r.db.QueryRow(ctx, `
		SELECT group_id, user_uuid, role_id, expiration, added_by, added_ts
		FROM memberships
		WHERE group_id = $1 AND user_uuid = $2`, groupID, user,
	).Scan(&m.GroupID, &m.UserUUID, &m.RoleID, &m.Expiration, &m.AddedBy, &m.AddedTS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения членства: %w", err)
	}
	return m, nil
}

func (r *membershipRepo) Delete(ctx context.Context, groupID int, user uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM memberships WHERE group_id = $1 AND user_uuid = $2`, groupID, user)
	if err != nil {
		return false, fmt.Errorf("ошибка удаления членства: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *membershipRepo) UpdateExpiration(ctx context.Context, groupID int, user uuid.UUID, expiration *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE memberships SET expiration = $3 WHERE group_id = $1 AND user_uuid = $2`,
		groupID, user, expiration)
	if err != nil {
		return fmt.Errorf("ошибка обновления срока членства: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const expiringSelect = `
	SELECT m.group_id, m.user_uuid, m.role_id, m.expiration, m.added_by, m.added_ts, g.name
	FROM memberships m
	JOIN groups g ON g.id = m.group_id`

func (r *membershipRepo) queryExpiring(ctx context.Context, query string, args ...any) ([]model.ExpiringMembership, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки членств: %w", err)
	}
	defer rows.Close()

	var result []model.ExpiringMembership
	for rows.Next() {
		var e model.ExpiringMembership
		if err := rows.Scan(
			&e.GroupID, &e.UserUUID, &e.RoleID, &e.Expiration, &e.AddedBy, &e.AddedTS, &e.GroupName,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования членства: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *membershipRepo) ExpiredBefore(ctx context.Context, t time.Time) ([]model.ExpiringMembership, error) {
	return r.queryExpiring(ctx, expiringSelect+`
		WHERE m.expiration <= $1
		ORDER BY m.user_uuid, g.name`, t)
}

func (r *membershipRepo) ExpiringBetween(ctx context.Context, from, to time.Time) ([]model.ExpiringMembership, error) {
	return r.queryExpiring(ctx, expiringSelect+`
		WHERE m.expiration >= $1 AND m.expiration <= $2
		ORDER BY g.name, m.user_uuid`, from, to)
}

func (r *membershipRepo) ForUser(ctx context.Context, user uuid.UUID) ([]model.ExpiringMembership, error) {
	return r.queryExpiring(ctx, expiringSelect+`
		WHERE m.user_uuid = $1
		ORDER BY g.name`, user)
}

func (r *membershipRepo) queryUUIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки пользователей: %w", err)
	}
	defer rows.Close()

	var result []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования uuid: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (r *membershipRepo) MembersNotCurrent(ctx context.Context, groupID int, exclude uuid.UUID) ([]uuid.UUID, error) {
	return r.queryUUIDs(ctx, `
		SELECT user_uuid FROM memberships
		WHERE group_id = $1 AND user_uuid <> $2
		ORDER BY user_uuid`, groupID, exclude)
}

func (r *membershipRepo) Users(ctx context.Context) ([]uuid.UUID, error) {
	return r.queryUUIDs(ctx, `SELECT DISTINCT user_uuid FROM memberships ORDER BY user_uuid`)
}

func (r *membershipRepo) CountWithRole(ctx context.Context, groupID int, typ model.RoleType) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM memberships m
		JOIN roles r ON r.id = m.role_id
		WHERE m.group_id = $1 AND r.typ = $2`, groupID, typ,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта участников с ролью: %w", err)
	}
	return count, nil
}

func (r *membershipRepo) HostEmails(ctx context.Context, groupID int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.email
		FROM memberships m
		JOIN roles r ON r.id = m.role_id
		JOIN profiles p ON p.user_uuid = m.user_uuid
		WHERE m.group_id = $1 AND r.typ <> 'member' AND p.email <> ''
		ORDER BY p.email`, groupID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения email кураторов: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("ошибка сканирования email: %w", err)
		}
		result = append(result, email)
	}
	return result, rows.Err()
}

func (r *membershipRepo) ScopedMembers(ctx context.Context, groupID int, q MemberQuery) ([]model.Member, error) {
	view, err := ScopeView(q.Scope)
	if err != nil {
		return nil, err
	}
	hosts := hostViews[q.Scope]

	conditions := []string{"m.group_id = $1"}
	args := []any{groupID}
	argIdx := 2

	if q.Prefix != "" {
		conditions = append(conditions, fmt.Sprintf(
			"(u.first_name ILIKE $%[1]d OR u.last_name ILIKE $%[1]d OR (u.first_name || ' ' || u.last_name) ILIKE $%[1]d"+
				" OR u.username ILIKE $%[1]d OR u.email ILIKE $%[1]d)",
			argIdx))
		args = append(args, escapeLike(q.Prefix)+"%")
		argIdx++
	}
	if len(q.Roles) > 0 {
		roles := make([]string, len(q.Roles))
		for i, rt := range q.Roles {
			roles[i] = string(rt)
		}
		conditions = append(conditions, fmt.Sprintf("r.typ = ANY($%d)", argIdx))
		args = append(args, roles)
		argIdx++
	}

	// view и hosts берутся только из карт представлений, подстановка безопасна.
	query := fmt.Sprintf(`
		SELECT u.user_uuid, u.username, u.first_name, u.last_name, u.email, u.picture, u.trust,
		       r.typ, m.expiration, m.added_by, m.added_ts,
		       h.user_uuid, h.username, h.first_name, h.last_name, h.email
		FROM memberships m
		JOIN roles r ON r.id = m.role_id
		JOIN %s u ON u.user_uuid = m.user_uuid
		LEFT JOIN %s h ON h.user_uuid = m.added_by
		WHERE %s
		ORDER BY r.typ <> 'admin', r.typ <> 'curator', u.username
		LIMIT $%d OFFSET $%d`,
		view, hosts, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения участников группы: %w", err)
	}
	defer rows.Close()

	var result []model.Member
	for rows.Next() {
		var (
			m                                       model.Member
			hostUUID                                *uuid.UUID
			hostName, hostFirst, hostLast, hostMail *string
		)
		if err := rows.Scan(
			&m.UserUUID, &m.Username, &m.FirstName, &m.LastName, &m.Email, &m.Picture, &m.Trust,
			&m.Role, &m.Expiration, &m.AddedBy, &m.AddedTS,
			&hostUUID, &hostName, &hostFirst, &hostLast, &hostMail,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования участника: %w", err)
		}
		if hostUUID != nil {
			m.Host = &model.MemberHost{
				UUID:      *hostUUID,
				Username:  deref(hostName),
				FirstName: deref(hostFirst),
				LastName:  deref(hostLast),
				Email:     deref(hostMail),
			}
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *membershipRepo) SetAddedTS(ctx context.Context, groupID int, user uuid.UUID, ts time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE memberships SET added_ts = $3 WHERE group_id = $1 AND user_uuid = $2`,
		groupID, user, ts)
	if err != nil {
		return fmt.Errorf("ошибка обновления времени добавления: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BelowTrust: профиль без локальной копии считается authenticated.
func (r *membershipRepo) BelowTrust(ctx context.Context, groupID int, trust model.TrustType) ([]uuid.UUID, error) {
	return r.queryUUIDs(ctx, `
		SELECT m.user_uuid
		FROM memberships m
		LEFT JOIN profiles p ON p.user_uuid = m.user_uuid
		WHERE m.group_id = $1
		  AND trust_rank(COALESCE(p.trust, 'authenticated')) < trust_rank($2)
		ORDER BY m.user_uuid`, groupID, string(trust))
}

// escapeLike экранирует спецсимволы шаблона LIKE.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
