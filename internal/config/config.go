// Пакет config — загрузка и валидация конфигурации Groups Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Groups Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8020-8029)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Максимальный размер пула подключений
	DBMaxConns int
	// Минимум открытых соединений: пакетные задачи стартуют без прогрева пула
	DBMinConns int
	// Ограничение на один SQL-запрос (statement_timeout), 0 — без ограничения
	DBStatementTimeout time.Duration
	// Таблица версий golang-migrate (общая БД с другими модулями)
	DBMigrationsTable string

	// --- Keycloak (сервис профилей) ---

	// URL Keycloak (например, https://keycloak.kryukov.lan)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Client ID для доступа к Keycloak Admin API
	KeycloakClientID string
	// Client Secret для доступа к Keycloak Admin API
	KeycloakClientSecret string
	// Таймаут одного запроса к Keycloak
	KeycloakTimeout time.Duration
	// Размер LRU-кэша "имя группы → id группы в Keycloak"
	KeycloakGroupCacheSize int
	// Время жизни записи в кэше групп
	KeycloakGroupCacheTTL time.Duration

	// --- JWT ---

	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string
	// Claim с уровнем доверия актора (public..staff)
	JWTTrustClaim string
	// Claim для групп в JWT
	JWTGroupsClaim string
	// Допустимое расхождение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration

	// Группы Keycloak, дающие административную область (через запятую)
	RoleAdminGroups []string

	// --- Уведомления (NATS) ---

	// URL NATS-сервера
	NATSURL string
	// Subject, в который публикуются почтовые задания
	NATSMailSubject string

	// --- Очередь досинхронизации (Redis, опционально) ---

	// Адрес Redis; пустая строка отключает очередь
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// --- Пакетные задачи ---

	// Включён ли фоновый планировщик
	JobsEnabled bool
	// Интервал проверки истёкших членств
	ExpireInterval time.Duration
	// Интервал рассылки предупреждений об истечении
	NotifyInterval time.Duration
	// Интервал очистки приглашений, заявок и неактивных групп
	SweepInterval time.Duration
	// Интервал периодической консолидации (0 — отключено)
	ConsolidateInterval time.Duration
	// Число параллельных задач при обработке пакета
	BatchConcurrency int

	// --- Прочее ---

	// Путь к CA-сертификату для TLS-соединений с Keycloak (опционально)
	CACertPath string
	// Группа сервиса в topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// GM_PORT — порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("GM_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("GM_PORT: %w", err)
	}
	if cfg.Port < 8020 || cfg.Port > 8029 {
		return nil, fmt.Errorf("GM_PORT: значение %d вне допустимого диапазона 8020-8029", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("GM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("GM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("GM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("GM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("GM_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("GM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("GM_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("GM_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("GM_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("GM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("GM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("GM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// GM_DB_MAX_CONNS — размер пула (по умолчанию 10)
	cfg.DBMaxConns, err = getEnvInt("GM_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("GM_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 || cfg.DBMaxConns > 500 {
		return nil, fmt.Errorf("GM_DB_MAX_CONNS: значение %d вне допустимого диапазона 1-500", cfg.DBMaxConns)
	}

	// GM_DB_MIN_CONNS — по умолчанию 2, не больше GM_DB_MAX_CONNS
	cfg.DBMinConns, err = getEnvInt("GM_DB_MIN_CONNS", min(2, cfg.DBMaxConns))
	if err != nil {
		return nil, fmt.Errorf("GM_DB_MIN_CONNS: %w", err)
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		return nil, fmt.Errorf("GM_DB_MIN_CONNS: значение %d вне диапазона 0-%d", cfg.DBMinConns, cfg.DBMaxConns)
	}

	cfg.DBStatementTimeout, err = getEnvDuration("GM_DB_STATEMENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GM_DB_STATEMENT_TIMEOUT: %w", err)
	}
	if cfg.DBStatementTimeout < 0 {
		return nil, fmt.Errorf("GM_DB_STATEMENT_TIMEOUT: отрицательное значение %s", cfg.DBStatementTimeout)
	}

	cfg.DBMigrationsTable = getEnvDefault("GM_DB_MIGRATIONS_TABLE", "groups_schema_migrations")

	// --- Keycloak ---

	cfg.KeycloakURL, err = getEnvRequired("GM_KEYCLOAK_URL")
	if err != nil {
		return nil, err
	}
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	// GM_KEYCLOAK_REALM — realm (по умолчанию groups)
	cfg.KeycloakRealm = getEnvDefault("GM_KEYCLOAK_REALM", "groups")

	cfg.KeycloakClientID, err = getEnvRequired("GM_KEYCLOAK_CLIENT_ID")
	if err != nil {
		return nil, err
	}

	cfg.KeycloakClientSecret, err = getEnvRequired("GM_KEYCLOAK_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	cfg.KeycloakTimeout, err = getEnvDuration("GM_KEYCLOAK_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GM_KEYCLOAK_TIMEOUT: %w", err)
	}

	cfg.KeycloakGroupCacheSize, err = getEnvInt("GM_KEYCLOAK_GROUP_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("GM_KEYCLOAK_GROUP_CACHE_SIZE: %w", err)
	}
	if cfg.KeycloakGroupCacheSize < 1 {
		return nil, fmt.Errorf("GM_KEYCLOAK_GROUP_CACHE_SIZE: значение %d должно быть положительным", cfg.KeycloakGroupCacheSize)
	}

	cfg.KeycloakGroupCacheTTL, err = getEnvDuration("GM_KEYCLOAK_GROUP_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("GM_KEYCLOAK_GROUP_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWTIssuer = getEnvDefault("GM_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWTJWKSURL = getEnvDefault("GM_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWTTrustClaim = getEnvDefault("GM_JWT_TRUST_CLAIM", "trust")
	cfg.JWTGroupsClaim = getEnvDefault("GM_JWT_GROUPS_CLAIM", "groups")

	cfg.JWTLeeway, err = getEnvDuration("GM_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GM_JWT_LEEWAY: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("GM_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("GM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("GM_ROLE_ADMIN_GROUPS", "groups-admins"))

	// --- NATS ---

	cfg.NATSURL = getEnvDefault("GM_NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSMailSubject = getEnvDefault("GM_NATS_MAIL_SUBJECT", "groups.mail")

	// --- Redis ---

	cfg.RedisAddr = getEnvDefault("GM_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("GM_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("GM_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("GM_REDIS_DB: %w", err)
	}

	// --- Пакетные задачи ---

	cfg.JobsEnabled, err = getEnvBool("GM_JOBS_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("GM_JOBS_ENABLED: %w", err)
	}

	cfg.ExpireInterval, err = getEnvDuration("GM_EXPIRE_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("GM_EXPIRE_INTERVAL: %w", err)
	}

	cfg.NotifyInterval, err = getEnvDuration("GM_NOTIFY_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("GM_NOTIFY_INTERVAL: %w", err)
	}

	cfg.SweepInterval, err = getEnvDuration("GM_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("GM_SWEEP_INTERVAL: %w", err)
	}

	cfg.ConsolidateInterval, err = getEnvDuration("GM_CONSOLIDATE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("GM_CONSOLIDATE_INTERVAL: %w", err)
	}

	cfg.BatchConcurrency, err = getEnvInt("GM_BATCH_CONCURRENCY", 8)
	if err != nil {
		return nil, fmt.Errorf("GM_BATCH_CONCURRENCY: %w", err)
	}
	if cfg.BatchConcurrency < 1 || cfg.BatchConcurrency > 256 {
		return nil, fmt.Errorf("GM_BATCH_CONCURRENCY: значение %d вне допустимого диапазона 1-256", cfg.BatchConcurrency)
	}

	// --- Прочее ---

	cfg.CACertPath = getEnvDefault("GM_CA_CERT_PATH", "")
	cfg.DephealthGroup = getEnvDefault("GM_DEPHEALTH_GROUP", "groups")

	cfg.DephealthCheckInterval, err = getEnvDuration("GM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("GM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode, c.DBMaxConns,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// MigrateURL возвращает URL для golang-migrate (схема pgx5)
// с собственной таблицей версий модуля.
func (c *Config) MigrateURL() string {
	return fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s&x-migrations-table=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode, c.DBMigrationsTable,
	)
}

// RedisEnabled сообщает, настроена ли очередь досинхронизации.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
