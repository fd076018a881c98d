// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/keycloak"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
)

var (
	// ErrNotFound — группа, пользователь, роль или заявка не найдены.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — нарушение инварианта роли или повторное резервирование.
	ErrConflict = errors.New("конфликт")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrForbidden — недостаточно полномочий.
	ErrForbidden = errors.New("недостаточно полномочий")
	// ErrStorage — сбой транзакции хранилища.
	ErrStorage = errors.New("ошибка хранилища")
	// ErrSync — сбой синхронизации профиля после фиксации локального изменения.
	ErrSync = errors.New("ошибка синхронизации профиля")
	// ErrIDPUnavailable — сервис идентификации недоступен до локального изменения.
	ErrIDPUnavailable = errors.New("Identity Provider недоступен")
	// ErrTransferIncomplete — старое членство снято, новое не доведено до IdP.
	ErrTransferIncomplete = errors.New("передача членства не завершена")
	// ErrPartialFailure — часть элементов пакета завершилась ошибкой.
	ErrPartialFailure = errors.New("частичный сбой пакетной операции")
)

// SyncError — сбой вызова сервиса идентификации после коммита.
// Локальное изменение при этом уже зафиксировано и не откатывается.
type SyncError struct {
	UserUUID uuid.UUID
	Group    string
	// Op — add или remove
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("синхронизация профиля %s (%s %s): %v", e.UserUUID, e.Op, e.Group, e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{ErrSync, e.Err}
}

// PartialFailureError — агрегированный результат пакета с ошибками.
type PartialFailureError struct {
	Op     string
	Result model.BatchResult
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: успешно %d, ошибок %d", e.Op, e.Result.Succeeded, e.Result.Failed)
	for i, f := range e.Result.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; ещё %d", len(e.Result.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s/%s: %s", f.Group, f.UserUUID, f.Error)
	}
	return b.String()
}

func (e *PartialFailureError) Unwrap() error {
	return ErrPartialFailure
}

// storeErr переводит ошибку репозитория в ошибку сервисного слоя.
// Ошибки сервисного слоя возвращаются как есть.
func storeErr(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case isServiceErr(err):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	case errors.Is(err, repository.ErrRoleMismatch):
		return fmt.Errorf("%s: %w: %w", what, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w: %w", what, ErrStorage, err)
	}
}

// idpErr переводит ошибку чтения из IdP до локального изменения.
func idpErr(what string, err error) error {
	if errors.Is(err, keycloak.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", what, ErrIDPUnavailable, err)
}

func isServiceErr(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrConflict, ErrValidation, ErrForbidden, ErrStorage,
		ErrSync, ErrIDPUnavailable, ErrTransferIncomplete, ErrPartialFailure,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// partial возвращает PartialFailureError, если в пакете есть ошибки.
func partial(op string, result model.BatchResult) error {
	if result.Failed == 0 {
		return nil
	}
	return &PartialFailureError{Op: op, Result: result}
}
