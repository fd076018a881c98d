// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrRoleMismatch — роль не принадлежит группе членства.
	ErrRoleMismatch = errors.New("роль не принадлежит группе")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repositories — набор репозиториев, привязанных к одному DBTX
// (пулу или транзакции).
type Repositories struct {
	Groups      GroupRepository
	Roles       RoleRepository
	Memberships MembershipRepository
	Logs        AuditLogRepository
	Invitations InvitationRepository
	Requests    RequestRepository
	Profiles    ProfileRepository
	Jobs        JobStateRepository
}

// NewRepositories создаёт набор репозиториев поверх db.
func NewRepositories(db DBTX) *Repositories {
	return &Repositories{
		Groups:      NewGroupRepository(db),
		Roles:       NewRoleRepository(db),
		Memberships: NewMembershipRepository(db),
		Logs:        NewAuditLogRepository(db),
		Invitations: NewInvitationRepository(db),
		Requests:    NewRequestRepository(db),
		Profiles:    NewProfileRepository(db),
		Jobs:        NewJobStateRepository(db),
	}
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool  *pgxpool.Pool
	repos *Repositories
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool, repos: NewRepositories(pool)}
}

// Repos возвращает репозитории вне транзакции (каждый запрос
// берёт соединение из пула и сразу возвращает его).
func (r *TxRunner) Repos() *Repositories {
	return r.repos
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// InTx выполняет fn с репозиториями, привязанными к одной транзакции.
func (r *TxRunner) InTx(ctx context.Context, fn func(repos *Repositories) error) error {
	return r.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepositories(tx))
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyViolation проверяет, является ли ошибка нарушением внешнего ключа.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
