// Пакет syncqueue — очередь пользователей, чей профиль в IdP
// разошёлся с реестром и требует повторной синхронизации.
// Очередь хранится в Redis-множестве: повторная постановка
// одного пользователя не создаёт дубликатов.
package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey — ключ множества в Redis.
const DefaultKey = "groups:heal"

// Queue — очередь на повторную синхронизацию.
type Queue interface {
	Enqueue(ctx context.Context, users ...uuid.UUID) error
	Members(ctx context.Context) ([]uuid.UUID, error)
	Remove(ctx context.Context, users ...uuid.UUID) error
}

// RedisQueue — очередь в Redis.
type RedisQueue struct {
	rdb    redis.UniversalClient
	key    string
	logger *slog.Logger
}

// NewRedisQueue создаёт очередь поверх клиента Redis.
func NewRedisQueue(rdb redis.UniversalClient, key string, logger *slog.Logger) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{
		rdb:    rdb,
		key:    key,
		logger: logger.With(slog.String("component", "syncqueue")),
	}
}

// Connect создаёт клиента Redis и проверяет соединение.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis %s: %w", addr, err)
	}
	return rdb, nil
}

// ReadinessChecker — проверка Redis для health endpoint.
type ReadinessChecker struct {
	rdb redis.Cmdable
}

// NewReadinessChecker создаёт проверку готовности Redis.
func NewReadinessChecker(rdb redis.Cmdable) *ReadinessChecker {
	return &ReadinessChecker{rdb: rdb}
}

// CheckReady выполняет PING.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}

// Enqueue добавляет пользователей в очередь.
func (q *RedisQueue) Enqueue(ctx context.Context, users ...uuid.UUID) error {
	if len(users) == 0 {
		return nil
	}
	members := make([]any, len(users))
	for i, u := range users {
		members[i] = u.String()
	}
	if err := q.rdb.SAdd(ctx, q.key, members...).Err(); err != nil {
		return fmt.Errorf("ошибка постановки в очередь синхронизации: %w", err)
	}
	q.logger.Debug("Пользователи поставлены в очередь синхронизации", slog.Int("count", len(users)))
	return nil
}

// Members возвращает содержимое очереди.
// Нераспознанные элементы пропускаются с предупреждением.
func (q *RedisQueue) Members(ctx context.Context) ([]uuid.UUID, error) {
	raw, err := q.rdb.SMembers(ctx, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди синхронизации: %w", err)
	}
	users := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			q.logger.Warn("Некорректный элемент очереди синхронизации", slog.String("value", s))
			continue
		}
		users = append(users, id)
	}
	return users, nil
}

// Remove удаляет пользователей из очереди.
func (q *RedisQueue) Remove(ctx context.Context, users ...uuid.UUID) error {
	if len(users) == 0 {
		return nil
	}
	members := make([]any, len(users))
	for i, u := range users {
		members[i] = u.String()
	}
	if err := q.rdb.SRem(ctx, q.key, members...).Err(); err != nil {
		return fmt.Errorf("ошибка удаления из очереди синхронизации: %w", err)
	}
	return nil
}

// MemoryQueue — очередь в памяти процесса. Используется,
// когда Redis не настроен: содержимое теряется при рестарте,
// полная консолидация всё равно находит расхождения.
type MemoryQueue struct {
	mu    sync.Mutex
	users map[uuid.UUID]struct{}
}

// NewMemoryQueue создаёт очередь в памяти.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{users: make(map[uuid.UUID]struct{})}
}

// Enqueue добавляет пользователей в очередь.
func (q *MemoryQueue) Enqueue(_ context.Context, users ...uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range users {
		q.users[u] = struct{}{}
	}
	return nil
}

// Members возвращает содержимое очереди.
func (q *MemoryQueue) Members(_ context.Context) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]uuid.UUID, 0, len(q.users))
	for u := range q.users {
		out = append(out, u)
	}
	return out, nil
}

// Remove удаляет пользователей из очереди.
func (q *MemoryQueue) Remove(_ context.Context, users ...uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range users {
		delete(q.users, u)
	}
	return nil
}
