package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entry - закешированный результат обработки чанка.
// Changes - счётчик модификаций чанка на момент вычисления,
// Payload - готовый к отправке буфер (batch-пакет).
type Entry struct {
	Changes int64
	Payload []byte
}

// ValidFor сообщает, годится ли запись для чанка с текущим счётчиком.
// Запись устаревает только когда чанк изменился после её вычисления.
func (e Entry) ValidFor(current int64) bool {
	return current <= e.Changes
}

// ChunkCache хранит обработанные чанки по хешу координат.
// Кеш не решает, свежа ли запись: это делает вызывающий через Entry.ValidFor.
//
// Использование:
//
//	entry, ok, err := c.Lookup(ctx, pos.Hash())
//	if ok && entry.ValidFor(changes) { ... }
//	err = c.Store(ctx, pos.Hash(), cache.Entry{Changes: changes, Payload: data})
type ChunkCache interface {
	// Lookup возвращает запись по ключу; ok=false при промахе.
	Lookup(ctx context.Context, key int64) (Entry, bool, error)

	// Store сохраняет запись, последняя запись побеждает.
	Store(ctx context.Context, key int64, entry Entry) error

	// Invalidate удаляет запись и уведомляет другие узлы, если это поддерживается.
	Invalidate(ctx context.Context, key int64) error

	// Close освобождает ресурсы кеша.
	Close() error
}

// CacheInvalidator управляет инвалидацией кеша через Pub/Sub.
type CacheInvalidator interface {
	// PublishInvalidation отправляет уведомление об инвалидации.
	PublishInvalidation(ctx context.Context, key string) error

	// SubscribeInvalidations подписывается на уведомления об инвалидации.
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error

	// Close закрывает соединение.
	Close() error
}

// InvalidationHandler обрабатывает уведомления об инвалидации кеша.
type InvalidationHandler func(key string) error

// CacheMetrics содержит метрики производительности кеша.
type CacheMetrics struct {
	TotalRequests int64   `json:"total_requests"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	HitRatio      float64 `json:"hit_ratio"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`

	TotalKeys int64 `json:"total_keys"`

	LastUpdate time.Time `json:"last_update"`
}

// CacheConfig содержит конфигурацию Redis-уровня кеша.
type CacheConfig struct {
	RedisURL      string `yaml:"redis_url" env:"CACHE_REDIS_URL"`
	RedisPassword string `yaml:"redis_password" env:"CACHE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"CACHE_REDIS_DB"`

	// TTL записи; 0 - DefaultTTL
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
	MaxTTL     time.Duration `yaml:"max_ttl" env:"CACHE_MAX_TTL"`

	MaxConnections int           `yaml:"max_connections" env:"CACHE_MAX_CONNECTIONS"`
	PoolTimeout    time.Duration `yaml:"pool_timeout" env:"CACHE_POOL_TIMEOUT"`
}

// Ошибки кеша
var (
	ErrCorruptEntry = errors.New("cache: corrupt entry")
	ErrInvalidKey   = errors.New("cache: invalid key")
)

const keyPrefix = "antixray"

// KeyFor формирует внешний ключ записи: antixray:<world>:<hash>
func KeyFor(world string, hash int64) string {
	return keyPrefix + ":" + world + ":" + strconv.FormatInt(hash, 10)
}

// ParseKey разбирает ключ, сформированный KeyFor
func ParseKey(key string) (world string, hash int64, err error) {
	rest, ok := strings.CutPrefix(key, keyPrefix+":")
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	hash, err = strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return rest[:i], hash, nil
}
