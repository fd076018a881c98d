// import.go — обработчики импорта групп и ручного запуска пакетных задач.
// Доступ: sudo (проверяется RequireSudo на уровне роутера).
package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/groups-module/internal/api/errors"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
)

// ImportGroup — POST /api/v1/import.
// Ошибки отдельных кураторов и участников попадают в сводку, ответ 200.
func (h *APIHandler) ImportGroup(w http.ResponseWriter, r *http.Request) {
	var req service.GroupImport
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Group.Name == "" {
		apierrors.ValidationError(w, "Не указано имя группы")
		return
	}

	result, err := h.groups.ImportGroup(r.Context(), req)
	if err != nil {
		h.serviceError(w, "import", err)
		return
	}
	writeJSON(w, http.StatusOK, mapImport(result))
}

// RunJob — POST /api/v1/jobs/{job}?dry_run=.
func (h *APIHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := queryBool(w, r, "dry_run")
	if !ok {
		return
	}
	name := chi.URLParam(r, "job")

	result, err := h.jobs.Run(r.Context(), name, dryRun)
	if err != nil {
		var partial *service.PartialFailureError
		if errors.As(err, &partial) {
			// Частичный сбой пакета — не ошибка запуска
			writeJSON(w, http.StatusOK, mapBatch(result))
			return
		}
		h.serviceError(w, "run_job", err)
		return
	}
	writeJSON(w, http.StatusOK, mapBatch(result))
}

// ListJobs — GET /api/v1/jobs.
func (h *APIHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	states, err := h.jobs.States(r.Context())
	if err != nil {
		h.serviceError(w, "job_states", err)
		return
	}
	items := make([]jobStateResponse, len(states))
	for i, s := range states {
		items[i] = mapJobState(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
