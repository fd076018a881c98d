// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Groups Module мониторит:
//   - PostgreSQL — реестр членств, проверка через pgxpool (critical)
//   - Keycloak — JWKS endpoint realm (critical)
//   - NATS — TCP-проверка сервера почтовых заданий (non-critical)
//   - Redis — PING через клиент очереди досинхронизации, если Redis включён (non-critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Keycloak
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/redischeck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/tcpcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// natsDefaultPort — порт NATS, если в URL он не указан.
const natsDefaultPort = "4222"

// DephealthTargets — зависимости Groups Module для topologymetrics.
type DephealthTargets struct {
	// DB — *sql.DB поверх pgxpool (stdlib.OpenDBFromPool).
	DB *sql.DB
	// PostgresURL — только для лейблов метрик.
	PostgresURL     string
	KeycloakJWKSURL string
	// NATSURL — GM_NATS_URL; при нескольких серверах проверяется первый.
	NATSURL string
	// Redis и RedisAddr задаются, только если очередь досинхронизации в Redis.
	Redis     redis.Cmdable
	RedisAddr string
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	deps   []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts, deps, err := dependencyOptions(targets, checkInterval)
	if err != nil {
		return nil, err
	}
	opts = append([]dephealth.Option{dephealth.WithLogger(logger)}, opts...)
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		deps:   deps,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// dependencyOptions собирает опции зависимостей и их имена.
// Redis добавляется, только если задан клиент очереди.
func dependencyOptions(t DephealthTargets, checkInterval time.Duration) ([]dephealth.Option, []string, error) {
	if t.DB == nil {
		return nil, nil, errors.New("не задан *sql.DB для проверки PostgreSQL")
	}

	opts := []dephealth.Option{
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(t.DB)),
			dephealth.FromURL(t.PostgresURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
		dephealth.HTTP("keycloak-jwks",
			dephealth.FromURL(t.KeycloakJWKSURL),
			dephealth.WithHTTPHealthPath(jwksHealthPath(t.KeycloakJWKSURL)),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(true), // Dev-среда: self-signed сертификаты
		),
	}
	deps := []string{"postgresql", "keycloak-jwks"}

	// Потеря NATS откладывает письма, но не членства.
	natsHost, natsPort, err := natsEndpoint(t.NATSURL)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, dephealth.AddDependency("nats", dephealth.TypeTCP,
		tcpcheck.New(),
		dephealth.FromParams(natsHost, natsPort),
		dephealth.CheckInterval(checkInterval),
		dephealth.Critical(false),
	))
	deps = append(deps, "nats")

	if t.Redis != nil {
		redisHost, redisPort, err := net.SplitHostPort(t.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("адрес Redis %q: %w", t.RedisAddr, err)
		}
		opts = append(opts, dephealth.AddDependency("redis", dephealth.TypeRedis,
			redischeck.New(redischeck.WithClient(t.Redis)),
			dephealth.FromParams(redisHost, redisPort),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
		))
		deps = append(deps, "redis")
	}

	return opts, deps, nil
}

// natsEndpoint извлекает host и port первого сервера из GM_NATS_URL
// ("nats://a:4222,nats://b:4222").
func natsEndpoint(natsURL string) (string, string, error) {
	first := strings.TrimSpace(strings.Split(natsURL, ",")[0])
	u, err := url.Parse(first)
	if err != nil || u.Hostname() == "" {
		return "", "", fmt.Errorf("некорректный URL NATS %q", natsURL)
	}
	port := u.Port()
	if port == "" {
		port = natsDefaultPort
	}
	return u.Hostname(), port, nil
}

// jwksHealthPath возвращает path JWKS URL для HTTP-проверки Keycloak.
// /health у Keycloak доступен только на management-порту (9000),
// поэтому проверяется сам JWKS endpoint realm.
func jwksHealthPath(jwksURL string) string {
	if parsed, err := url.Parse(jwksURL); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return "/health"
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен", slog.String("dependencies", strings.Join(ds.deps, ",")))
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
