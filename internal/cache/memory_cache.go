package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache - локальный кеш процесса поверх sync.Map.
// Lookup не выполняет ввода-вывода и безопасен для вызова из цикла тиков.
type MemoryCache struct {
	entries sync.Map // int64 -> Entry
	size    int64

	requests int64
	hits     int64
	misses   int64
}

// NewMemoryCache создаёт пустой кеш
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Lookup возвращает запись по ключу
func (m *MemoryCache) Lookup(_ context.Context, key int64) (Entry, bool, error) {
	atomic.AddInt64(&m.requests, 1)
	v, ok := m.entries.Load(key)
	if !ok {
		atomic.AddInt64(&m.misses, 1)
		return Entry{}, false, nil
	}
	atomic.AddInt64(&m.hits, 1)
	return v.(Entry), true, nil
}

// Store сохраняет запись, заменяя предыдущую
func (m *MemoryCache) Store(_ context.Context, key int64, entry Entry) error {
	if _, loaded := m.entries.Swap(key, entry); !loaded {
		atomic.AddInt64(&m.size, 1)
	}
	return nil
}

// Invalidate удаляет запись
func (m *MemoryCache) Invalidate(_ context.Context, key int64) error {
	if _, loaded := m.entries.LoadAndDelete(key); loaded {
		atomic.AddInt64(&m.size, -1)
	}
	return nil
}

// Len возвращает число записей
func (m *MemoryCache) Len() int {
	return int(atomic.LoadInt64(&m.size))
}

// Close очищает кеш
func (m *MemoryCache) Close() error {
	m.entries.Range(func(k, _ any) bool {
		if _, loaded := m.entries.LoadAndDelete(k); loaded {
			atomic.AddInt64(&m.size, -1)
		}
		return true
	})
	return nil
}

// GetMetrics возвращает снимок метрик
func (m *MemoryCache) GetMetrics() *CacheMetrics {
	hits := atomic.LoadInt64(&m.hits)
	misses := atomic.LoadInt64(&m.misses)
	metrics := &CacheMetrics{
		TotalRequests: atomic.LoadInt64(&m.requests),
		CacheHits:     hits,
		CacheMisses:   misses,
		TotalKeys:     atomic.LoadInt64(&m.size),
		LastUpdate:    time.Now(),
	}
	if total := hits + misses; total > 0 {
		metrics.HitRatio = float64(hits) / float64(total)
	}
	return metrics
}
