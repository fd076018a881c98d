package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
)

func TestFromService(t *testing.T) {
	syncErr := &service.SyncError{UserUUID: uuid.New(), Group: "ships", Op: "add", Err: errors.New("503")}
	partial := &service.PartialFailureError{Op: "снятие членства", Result: model.BatchResult{
		Succeeded: 1,
		Failed:    1,
		Failures:  []model.ItemFailure{{UserUUID: uuid.New(), Group: "planes", Error: "нет группы"}},
	}}

	tests := []struct {
		name     string
		err      error
		status   int
		code     string
		unknown  bool
		hasBatch bool
	}{
		{"валидация", fmt.Errorf("срок: %w", service.ErrValidation), http.StatusBadRequest, CodeValidationError, false, false},
		{"нет прав", service.ErrForbidden, http.StatusForbidden, CodeForbidden, false, false},
		{"не найдено", fmt.Errorf("группа ships: %w", service.ErrNotFound), http.StatusNotFound, CodeNotFound, false, false},
		{"конфликт", service.ErrConflict, http.StatusConflict, CodeConflict, false, false},
		{"синхронизация", syncErr, http.StatusBadGateway, CodeSyncError, false, false},
		{"передача", errors.Join(service.ErrTransferIncomplete, syncErr), http.StatusBadGateway, CodeTransferIncomplete, false, false},
		{"IdP", fmt.Errorf("профиль: %w", service.ErrIDPUnavailable), http.StatusBadGateway, CodeIDPUnavailable, false, false},
		{"хранилище", fmt.Errorf("tx: %w", service.ErrStorage), http.StatusInternalServerError, CodeStorageError, true, false},
		{"частичный сбой", partial, http.StatusMultiStatus, CodePartialFailure, false, true},
		{"неизвестная", errors.New("boom"), http.StatusInternalServerError, CodeInternalError, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			unknown := FromService(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("статус = %d, ожидался %d", rec.Code, tt.status)
			}
			if unknown != tt.unknown {
				t.Errorf("FromService = %v, ожидалось %v", unknown, tt.unknown)
			}

			var body struct {
				Error struct {
					Code    string          `json:"code"`
					Message string          `json:"message"`
					Result  json.RawMessage `json:"result"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("невалидный JSON: %v", err)
			}
			if body.Error.Code != tt.code {
				t.Errorf("code = %s, ожидался %s", body.Error.Code, tt.code)
			}
			if (len(body.Error.Result) > 0) != tt.hasBatch {
				t.Errorf("result = %s", body.Error.Result)
			}
		})
	}
}

func TestFromService_StorageMessageHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	FromService(rec, fmt.Errorf("вставка: %w: %w", service.ErrStorage, errors.New("password authentication failed")))

	var body map[string]map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"]["message"] != "Ошибка хранилища" {
		t.Errorf("message = %q, детали хранилища не должны попадать в ответ", body["error"]["message"])
	}
}
