package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/antixray/internal/logging"
	"github.com/go-redis/redis/v8"
)

// entryHeaderSize - счётчик модификаций перед полезной нагрузкой
const entryHeaderSize = 8

// RedisCache реализует ChunkCache поверх Redis.
// Используется как общий второй уровень для нескольких узлов одного мира.
//
// Формат значения: 8 байт счётчика модификаций (LE) + batch-пакет.
// Ключ: antixray:<world>:<hash>.
type RedisCache struct {
	client      *redis.Client
	config      *CacheConfig
	world       string
	invalidator CacheInvalidator

	// Метрики
	metrics      *CacheMetrics
	metricsMutex sync.RWMutex

	latencySum   int64 // в наносекундах
	latencyCount int64
	maxLatency   int64
}

// NewRedisCache создаёт Redis-кеш для мира world.
//
// Параметры:
//
//	config - конфигурация подключения и TTL
//	world - имя мира, входит в ключ
//	invalidator - опциональный invalidator для Pub/Sub (может быть nil)
func NewRedisCache(config *CacheConfig, world string, invalidator CacheInvalidator) (*RedisCache, error) {
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 10 * time.Minute
	}
	if config.MaxTTL == 0 {
		config.MaxTTL = time.Hour
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.PoolTimeout == 0 {
		config.PoolTimeout = 30 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.RedisURL,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		PoolSize:     config.MaxConnections,
		PoolTimeout:  config.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := &RedisCache{
		client:      rdb,
		config:      config,
		world:       world,
		invalidator: invalidator,
		metrics:     &CacheMetrics{LastUpdate: time.Now()},
	}

	logging.Cache().Info("Redis cache initialized: %s (world: %s, ttl: %v)", config.RedisURL, world, config.DefaultTTL)
	return c, nil
}

// Lookup читает запись из Redis
func (r *RedisCache) Lookup(ctx context.Context, key int64) (Entry, bool, error) {
	start := time.Now()
	defer r.recordLatency(start)

	atomic.AddInt64(&r.metrics.TotalRequests, 1)

	val, err := r.client.Get(ctx, KeyFor(r.world, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&r.metrics.CacheMisses, 1)
		r.updateHitRatio()
		return Entry{}, false, nil
	}
	if err != nil {
		atomic.AddInt64(&r.metrics.CacheMisses, 1)
		r.updateHitRatio()
		return Entry{}, false, fmt.Errorf("redis get error: %w", err)
	}

	entry, err := decodeEntry(val)
	if err != nil {
		atomic.AddInt64(&r.metrics.CacheMisses, 1)
		r.updateHitRatio()
		return Entry{}, false, err
	}

	atomic.AddInt64(&r.metrics.CacheHits, 1)
	r.updateHitRatio()
	return entry, true, nil
}

// Store записывает запись с TTL по умолчанию
func (r *RedisCache) Store(ctx context.Context, key int64, entry Entry) error {
	start := time.Now()
	defer r.recordLatency(start)

	ttl := r.config.DefaultTTL
	if ttl > r.config.MaxTTL {
		ttl = r.config.MaxTTL
	}

	if err := r.client.Set(ctx, KeyFor(r.world, key), encodeEntry(entry), ttl).Err(); err != nil {
		logging.Cache().Error("Redis Set error for chunk %d: %v", key, err)
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Invalidate удаляет запись и рассылает уведомление другим узлам
func (r *RedisCache) Invalidate(ctx context.Context, key int64) error {
	start := time.Now()
	defer r.recordLatency(start)

	redisKey := KeyFor(r.world, key)
	if err := r.client.Del(ctx, redisKey).Err(); err != nil {
		logging.Cache().Error("Redis Delete error for key %s: %v", redisKey, err)
		return fmt.Errorf("redis delete error: %w", err)
	}

	if r.invalidator != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.invalidator.PublishInvalidation(ctx, redisKey); err != nil {
				logging.Cache().Error("Failed to publish invalidation for key %s: %v", redisKey, err)
			}
		}()
	}
	return nil
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	if err := r.client.Close(); err != nil {
		logging.Cache().Error("Error closing Redis connection: %v", err)
		return err
	}
	logging.Cache().Info("Redis cache closed (world: %s)", r.world)
	return nil
}

// GetMetrics возвращает текущие метрики кеша
func (r *RedisCache) GetMetrics() *CacheMetrics {
	r.updateLatencyMetrics()

	r.metricsMutex.RLock()
	defer r.metricsMutex.RUnlock()

	return &CacheMetrics{
		TotalRequests: atomic.LoadInt64(&r.metrics.TotalRequests),
		CacheHits:     atomic.LoadInt64(&r.metrics.CacheHits),
		CacheMisses:   atomic.LoadInt64(&r.metrics.CacheMisses),
		HitRatio:      r.metrics.HitRatio,
		AvgLatencyMs:  r.metrics.AvgLatencyMs,
		MaxLatencyMs:  r.metrics.MaxLatencyMs,
		LastUpdate:    time.Now(),
	}
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryHeaderSize+len(e.Payload))
	binary.LittleEndian.PutUint64(buf, uint64(e.Changes))
	copy(buf[entryHeaderSize:], e.Payload)
	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < entryHeaderSize {
		return Entry{}, fmt.Errorf("%w: %d bytes", ErrCorruptEntry, len(b))
	}
	return Entry{
		Changes: int64(binary.LittleEndian.Uint64(b)),
		Payload: b[entryHeaderSize:],
	}, nil
}

// recordLatency записывает latency метрику.
func (r *RedisCache) recordLatency(start time.Time) {
	latency := time.Since(start).Nanoseconds()

	atomic.AddInt64(&r.latencySum, latency)
	count := atomic.AddInt64(&r.latencyCount, 1)

	for {
		current := atomic.LoadInt64(&r.maxLatency)
		if latency <= current || atomic.CompareAndSwapInt64(&r.maxLatency, current, latency) {
			break
		}
	}

	if count%100 == 0 {
		r.updateLatencyMetrics()
	}
}

// updateLatencyMetrics обновляет метрики latency.
func (r *RedisCache) updateLatencyMetrics() {
	count := atomic.LoadInt64(&r.latencyCount)
	if count == 0 {
		return
	}

	sum := atomic.LoadInt64(&r.latencySum)
	max := atomic.LoadInt64(&r.maxLatency)

	r.metricsMutex.Lock()
	r.metrics.AvgLatencyMs = float64(sum) / float64(count) / 1e6
	r.metrics.MaxLatencyMs = float64(max) / 1e6
	r.metricsMutex.Unlock()
}

// updateHitRatio обновляет hit ratio в метриках.
func (r *RedisCache) updateHitRatio() {
	hits := atomic.LoadInt64(&r.metrics.CacheHits)
	misses := atomic.LoadInt64(&r.metrics.CacheMisses)

	if total := hits + misses; total > 0 {
		r.metricsMutex.Lock()
		r.metrics.HitRatio = float64(hits) / float64(total)
		r.metricsMutex.Unlock()
	}
}
