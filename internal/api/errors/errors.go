// Пакет errors — конструкторы стандартных ошибок API.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
)

// Коды ошибок API.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflict           = "CONFLICT"
	CodeStorageError       = "STORAGE_ERROR"
	CodeSyncError          = "SYNC_ERROR"
	CodeIDPUnavailable     = "IDP_UNAVAILABLE"
	CodeTransferIncomplete = "TRANSFER_INCOMPLETE"
	CodePartialFailure     = "PARTIAL_FAILURE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Result — сводка пакетной операции при частичном сбое
	Result *batchSummary `json:"result,omitempty"`
}

// batchSummary — сводка пакета в теле ошибки PARTIAL_FAILURE.
type batchSummary struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []itemFailure `json:"failures"`
}

type itemFailure struct {
	UserUUID string `json:"user_uuid"`
	Group    string `json:"group,omitempty"`
	Error    string `json:"error"`
}

func summarize(r model.BatchResult) *batchSummary {
	s := &batchSummary{Succeeded: r.Succeeded, Failed: r.Failed, Failures: make([]itemFailure, len(r.Failures))}
	for i, f := range r.Failures {
		s.Failures[i] = itemFailure{UserUUID: f.UserUUID.String(), Group: f.Group, Error: f.Error}
	}
	return s
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	write(w, statusCode, errorDetail{Code: code, Message: message})
}

func write(w http.ResponseWriter, statusCode int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// Conflict — 409 конфликт (инвариант роли, повторное резервирование).
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// IDPUnavailable — 502 Identity Provider (Keycloak) недоступен.
func IDPUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeIDPUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}

// FromService записывает ответ по ошибке сервисного слоя.
// Возвращает true, если ошибка не распознана и ответ — 500
// (такие ошибки вызывающий должен залогировать).
func FromService(w http.ResponseWriter, err error) bool {
	var partial *service.PartialFailureError
	switch {
	case errors.As(err, &partial):
		write(w, http.StatusMultiStatus, errorDetail{
			Code:    CodePartialFailure,
			Message: err.Error(),
			Result:  summarize(partial.Result),
		})
	case errors.Is(err, service.ErrValidation):
		ValidationError(w, err.Error())
	case errors.Is(err, service.ErrForbidden):
		Forbidden(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		Conflict(w, err.Error())
	case errors.Is(err, service.ErrTransferIncomplete):
		WriteError(w, http.StatusBadGateway, CodeTransferIncomplete, err.Error())
	case errors.Is(err, service.ErrSync):
		WriteError(w, http.StatusBadGateway, CodeSyncError, err.Error())
	case errors.Is(err, service.ErrIDPUnavailable):
		IDPUnavailable(w, err.Error())
	case errors.Is(err, service.ErrStorage):
		WriteError(w, http.StatusInternalServerError, CodeStorageError, "Ошибка хранилища")
		return true
	default:
		InternalError(w, "Внутренняя ошибка")
		return true
	}
	return false
}
