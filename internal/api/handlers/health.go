// health.go — обработчики health endpoints Groups Module.
// /health/live — liveness-проверка (процесс жив)
// /health/ready — readiness-проверка (PostgreSQL + Keycloak доступны,
// недоступность Keycloak Admin API, NATS или Redis — degraded)
// /metrics — Prometheus метрики
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/groups-module/internal/config"
)

// ReadinessChecker — интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	pgChecker    ReadinessChecker
	kcChecker    ReadinessChecker
	idpChecker   ReadinessChecker
	natsChecker  ReadinessChecker
	redisChecker ReadinessChecker
	promHandler  http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// pgChecker — проверка PostgreSQL, kcChecker — проверка JWKS Keycloak
// (readiness вернёт "fail" для nil). idpChecker — проверка Keycloak
// Admin API, необязательна.
func NewHealthHandler(pgChecker, kcChecker, idpChecker ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		pgChecker:   pgChecker,
		kcChecker:   kcChecker,
		idpChecker:  idpChecker,
		promHandler: promhttp.Handler(),
	}
}

// WithNATS добавляет проверку соединения с NATS.
func (h *HealthHandler) WithNATS(c ReadinessChecker) *HealthHandler {
	h.natsChecker = c
	return h
}

// WithRedis добавляет проверку Redis очереди досинхронизации.
func (h *HealthHandler) WithRedis(c ReadinessChecker) *HealthHandler {
	h.redisChecker = c
	return h
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthLiveResponse — ответ liveness-проверка.
type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

// healthReadyResponse — ответ readiness-проверка.
type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		PostgreSQL    healthCheckResult  `json:"postgresql"`
		Keycloak      healthCheckResult  `json:"keycloak"`
		KeycloakAdmin *healthCheckResult `json:"keycloak_admin,omitempty"`
		NATS          *healthCheckResult `json:"nats,omitempty"`
		Redis         *healthCheckResult `json:"redis,omitempty"`
	} `json:"checks"`
}

// HealthLive — liveness-проверка. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	resp := healthLiveResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "groups-module",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthReady — readiness-проверка. Проверяет PostgreSQL и Keycloak.
// Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "groups-module",
	}

	// Проверяем PostgreSQL
	if h.pgChecker != nil {
		pgStatus, pgMsg := h.pgChecker.CheckReady()
		resp.Checks.PostgreSQL = healthCheckResult{Status: pgStatus, Message: pgMsg}
	} else {
		resp.Checks.PostgreSQL = healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}

	// Проверяем Keycloak
	if h.kcChecker != nil {
		kcStatus, kcMsg := h.kcChecker.CheckReady()
		resp.Checks.Keycloak = healthCheckResult{Status: kcStatus, Message: kcMsg}
	} else {
		resp.Checks.Keycloak = healthCheckResult{Status: "fail", Message: "не инициализирован"}
	}

	statuses := []string{resp.Checks.PostgreSQL.Status, resp.Checks.Keycloak.Status}

	// Недоступные Admin API, NATS и Redis не блокируют чтение: итог degraded.
	var st string
	resp.Checks.KeycloakAdmin, st = softCheck(h.idpChecker)
	statuses = append(statuses, st)
	resp.Checks.NATS, st = softCheck(h.natsChecker)
	statuses = append(statuses, st)
	resp.Checks.Redis, st = softCheck(h.redisChecker)
	statuses = append(statuses, st)

	// Определяем итоговый статус
	resp.Status = overallStatus(statuses...)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "fail" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// softCheck выполняет необязательную проверку. "fail" понижается
// до "degraded"; без checker результата нет, статус "ok".
func softCheck(c ReadinessChecker) (*healthCheckResult, string) {
	if c == nil {
		return nil, "ok"
	}
	status, msg := c.CheckReady()
	res := &healthCheckResult{Status: status, Message: msg}
	if status == "fail" {
		status = "degraded"
	}
	return res, status
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail — итог fail.
// Если хотя бы одна degraded — итог degraded.
// Иначе — ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == "fail" {
			return "fail"
		}
		if s == "degraded" {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return "degraded"
	}
	return "ok"
}
