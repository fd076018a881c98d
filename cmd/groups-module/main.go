// Точка входа Groups Module — реестр групп и жизненного цикла членства.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// Keycloak, NATS и (опционально) Redis, создаёт движок членства,
// запускает планировщик пакетных задач, topologymetrics и HTTP-сервер
// с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/groups-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/groups-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/groups-module/internal/config"
	"github.com/bigkaa/goartstore/groups-module/internal/database"
	"github.com/bigkaa/goartstore/groups-module/internal/keycloak"
	"github.com/bigkaa/goartstore/groups-module/internal/notify"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
	"github.com/bigkaa/goartstore/groups-module/internal/server"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
	"github.com/bigkaa/goartstore/groups-module/internal/syncqueue"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Groups Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("GM_DEPHEALTH_GROUP") == "" {
		logger.Warn("GM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics (проверка через пул)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Keycloak Admin API клиент
	httpClient, err := buildHTTPClient(cfg.CACertPath, cfg.KeycloakTimeout)
	if err != nil {
		logger.Error("Ошибка загрузки CA-сертификата", slog.String("path", cfg.CACertPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	kcClient := keycloak.New(
		cfg.KeycloakURL,
		cfg.KeycloakRealm,
		cfg.KeycloakClientID,
		cfg.KeycloakClientSecret,
		httpClient,
		cfg.KeycloakGroupCacheSize,
		cfg.KeycloakGroupCacheTTL,
		logger,
	)
	logger.Info("Keycloak клиент создан",
		slog.String("url", cfg.KeycloakURL),
		slog.String("realm", cfg.KeycloakRealm),
	)

	// 6. NATS — почтовые задания
	nc, err := notify.Connect(cfg.NATSURL, "groups-module", logger)
	if err != nil {
		logger.Error("Ошибка подключения к NATS", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer nc.Drain() //nolint:errcheck // завершение процесса
	mailer := notify.NewSender(nc, cfg.NATSMailSubject, logger)

	// 7. Очередь досинхронизации: Redis или память процесса
	var (
		heal syncqueue.Queue = syncqueue.NewMemoryQueue()
		rdb  *redis.Client
	)
	if cfg.RedisEnabled() {
		var redisErr error
		rdb, redisErr = syncqueue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if redisErr != nil {
			logger.Error("Ошибка подключения к Redis", slog.String("error", redisErr.Error()))
			os.Exit(1)
		}
		defer rdb.Close()
		heal = syncqueue.NewRedisQueue(rdb, syncqueue.DefaultKey, logger)
		logger.Info("Очередь досинхронизации в Redis", slog.String("addr", cfg.RedisAddr))
	} else {
		logger.Warn("GM_REDIS_ADDR не задан, очередь досинхронизации хранится в памяти процесса")
	}

	// 8. Движок членства и пакетные задачи
	engine := service.NewEngine(
		repository.NewTxRunner(pool),
		kcClient,
		mailer,
		heal,
		cfg.BatchConcurrency,
		logger,
	)
	jobRunner := service.NewJobRunner(engine, logger)

	var scheduler *service.Scheduler
	if cfg.JobsEnabled {
		scheduler = service.NewScheduler(jobRunner, schedules(cfg), logger)
		scheduler.Start(ctx)
	} else {
		logger.Info("Планировщик отключён (GM_JOBS_ENABLED=false)")
	}

	// 9. Readiness checkers (PostgreSQL + Keycloak JWKS + Keycloak Admin API + NATS + Redis)
	pgChecker := database.NewReadinessChecker(pool)
	kcChecker, err := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, cfg.CACertPath, cfg.KeycloakTimeout)
	if err != nil {
		logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, kcChecker, kcClient).
		WithNATS(notify.NewReadinessChecker(nc))
	if rdb != nil {
		healthHandler.WithRedis(syncqueue.NewReadinessChecker(rdb))
	}

	// 10. API handler
	apiHandler := handlers.NewAPIHandler(healthHandler, engine, jobRunner, logger)

	// 11. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.CACertPath,
		cfg.JWTIssuer,
		middleware.ClaimNames{Trust: cfg.JWTTrustClaim, Groups: cfg.JWTGroupsClaim},
		cfg.RoleAdminGroups,
		cfg.KeycloakTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
		slog.String("trust_claim", cfg.JWTTrustClaim),
	)

	// 12. topologymetrics — мониторинг зависимостей (PostgreSQL, Keycloak, NATS, Redis)
	targets := service.DephealthTargets{
		DB:              pgDB,
		PostgresURL:     cfg.DatabaseURL(),
		KeycloakJWKSURL: cfg.JWTJWKSURL,
		NATSURL:         cfg.NATSURL,
	}
	if rdb != nil {
		targets.Redis = rdb
		targets.RedisAddr = cfg.RedisAddr
	}
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"groups-module",
		cfg.DephealthGroup,
		targets,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if scheduler != nil {
		scheduler.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Groups Module остановлен")
}

// schedules раскладывает пакетные задачи по интервалам из конфигурации.
// Нулевой интервал отключает группу.
func schedules(cfg *config.Config) []service.Schedule {
	return []service.Schedule{
		{Interval: cfg.ExpireInterval, Jobs: []string{service.JobExpireMemberships}},
		{Interval: cfg.NotifyInterval, Jobs: []string{service.JobFirstWarning, service.JobSecondWarning}},
		{Interval: cfg.SweepInterval, Jobs: []string{
			service.JobExpireInvitations,
			service.JobExpireRequests,
			service.JobDeactivateGroups,
		}},
		{Interval: cfg.ConsolidateInterval, Jobs: []string{service.JobConsolidate}},
	}
}

// buildHTTPClient создаёт HTTP-клиент с таймаутом и, если задан,
// кастомным CA-сертификатом.
func buildHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	if caCertPath == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		},
	}, nil
}
