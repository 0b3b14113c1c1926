// Package limiter реализует ограничение частоты попыток и блок-лист
// фрод-детекции поверх Redis. Счётчики инкрементируются атомарно,
// поэтому корректность сохраняется при нескольких экземплярах сервиса.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abtechsolutionagency/shellff-promo-system/internal/metrics"
)

// NewRedisClient создаёт клиент Redis и проверяет соединение.
func NewRedisClient(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// RedisLimiter хранит счётчики попыток и блок-лист в Redis.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter создаёт лимитер поверх готового клиента Redis.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Close закрывает соединение с Redis.
func (l *RedisLimiter) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

func attemptKey(scope, id string) string {
	return fmt.Sprintf("promo:attempts:%s:%s", scope, id)
}

func failureKey(id string) string {
	return fmt.Sprintf("promo:fraud:failures:%s", id)
}

func blockKey(id string) string {
	return fmt.Sprintf("promo:fraud:block:%s", id)
}

// Exceeded сообщает, исчерпал ли идентификатор бюджет попыток в текущем окне.
// Чтение не увеличивает счётчик: бюджет расходуют только неуспешные попытки.
func (l *RedisLimiter) Exceeded(ctx context.Context, scope, id string, max int) (bool, error) {
	count, err := l.client.Get(ctx, attemptKey(scope, id)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get attempt count: %w", err)
	}
	return count >= int64(max), nil
}

// RegisterAttempt атомарно увеличивает счётчик попыток идентификатора.
// TTL окна выставляется при первом инкременте.
func (l *RedisLimiter) RegisterAttempt(ctx context.Context, scope, id string, window time.Duration) error {
	key := attemptKey(scope, id)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("incr attempt count: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("set attempt window: %w", err)
		}
	}
	return nil
}

// IsBlocked сообщает, находится ли идентификатор в блок-листе.
func (l *RedisLimiter) IsBlocked(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, blockKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check block key: %w", err)
	}
	return n > 0, nil
}

// RegisterFailure учитывает неуспешную попытку идентификатора в счётчике
// фрод-детекции. При достижении порога и включённой блокировке идентификатор
// помещается в блок-лист на blockFor. Возвращает признак новой блокировки.
func (l *RedisLimiter) RegisterFailure(ctx context.Context, id string, threshold int, window, blockFor time.Duration, blockEnabled bool) (bool, error) {
	key := failureKey(id)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr failure count: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("set failure window: %w", err)
		}
	}

	if !blockEnabled || count < int64(threshold) {
		return false, nil
	}

	if err := l.client.Set(ctx, blockKey(id), 1, blockFor).Err(); err != nil {
		return false, fmt.Errorf("set block key: %w", err)
	}
	metrics.FraudBlocksTotal.Inc()

	return true, nil
}

// ClearFailures сбрасывает счётчик неуспешных попыток идентификатора.
// Вызывается после успешной активации как базовая линия легитимного использования.
func (l *RedisLimiter) ClearFailures(ctx context.Context, id string) error {
	if err := l.client.Del(ctx, failureKey(id)).Err(); err != nil {
		return fmt.Errorf("clear failure count: %w", err)
	}
	return nil
}
