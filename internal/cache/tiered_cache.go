package cache

import (
	"context"
	"errors"

	"github.com/annel0/antixray/internal/logging"
)

// TieredCache объединяет локальный L1 и опциональный общий L2.
//
// L1 опрашивается из цикла тиков (LookupLocal, без ввода-вывода),
// L2 - из рабочей горутины перед пересчётом (LookupRemote).
// Попадание в L2 поднимает в L1 вызывающий, проверив свежесть записи.
type TieredCache struct {
	world       string
	local       *MemoryCache
	remote      ChunkCache
	invalidator CacheInvalidator
}

// NewTieredCache создаёт кеш; remote может быть nil
func NewTieredCache(world string, remote ChunkCache) *TieredCache {
	return &TieredCache{world: world, local: NewMemoryCache(), remote: remote}
}

// WithInvalidator включает рассылку инвалидаций другим узлам
func (t *TieredCache) WithInvalidator(inv CacheInvalidator) *TieredCache {
	t.invalidator = inv
	return t
}

// Local возвращает L1
func (t *TieredCache) Local() *MemoryCache {
	return t.local
}

// HasRemote сообщает, подключён ли L2
func (t *TieredCache) HasRemote() bool {
	return t.remote != nil
}

// LookupLocal читает только L1
func (t *TieredCache) LookupLocal(key int64) (Entry, bool) {
	entry, ok, _ := t.local.Lookup(context.Background(), key)
	return entry, ok
}

// LookupRemote читает только L2; L1 не меняется
func (t *TieredCache) LookupRemote(ctx context.Context, key int64) (Entry, bool, error) {
	if t.remote == nil {
		return Entry{}, false, nil
	}
	entry, ok, err := t.remote.Lookup(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Lookup проверяет L1, затем L2
func (t *TieredCache) Lookup(ctx context.Context, key int64) (Entry, bool, error) {
	if entry, ok := t.LookupLocal(key); ok {
		return entry, true, nil
	}
	return t.LookupRemote(ctx, key)
}

// StoreLocal пишет только в L1
func (t *TieredCache) StoreLocal(key int64, entry Entry) {
	_ = t.local.Store(context.Background(), key, entry)
}

// StoreRemote пишет только в L2
func (t *TieredCache) StoreRemote(ctx context.Context, key int64, entry Entry) error {
	if t.remote == nil {
		return nil
	}
	return t.remote.Store(ctx, key, entry)
}

// Store пишет в оба уровня; ошибка L2 не отменяет запись в L1
func (t *TieredCache) Store(ctx context.Context, key int64, entry Entry) error {
	_ = t.local.Store(ctx, key, entry)
	if t.remote == nil {
		return nil
	}
	return t.remote.Store(ctx, key, entry)
}

// Invalidate удаляет запись с обоих уровней и уведомляет другие узлы,
// если задан invalidator. Уведомление уходит и без L2.
func (t *TieredCache) Invalidate(ctx context.Context, key int64) error {
	_ = t.local.Invalidate(ctx, key)

	var err error
	if t.remote != nil {
		err = t.remote.Invalidate(ctx, key)
	}
	if t.invalidator != nil {
		if perr := t.invalidator.PublishInvalidation(ctx, KeyFor(t.world, key)); perr != nil {
			logging.Cache().Warn("cache: уведомление об инвалидации чанка %d не отправлено: %v", key, perr)
			err = errors.Join(err, perr)
		}
	}
	return err
}

// HandleInvalidation - обработчик уведомлений с других узлов.
// Вычищает только L1: L2 уже очищен узлом-отправителем.
func (t *TieredCache) HandleInvalidation(key string) error {
	world, hash, err := ParseKey(key)
	if err != nil {
		return err
	}
	if world != t.world {
		return nil
	}
	logging.Cache().Debug("cache: удалённая инвалидация чанка %d мира %s", hash, world)
	return t.local.Invalidate(context.Background(), hash)
}

// Close закрывает оба уровня
func (t *TieredCache) Close() error {
	err := t.local.Close()
	if t.remote != nil {
		err = errors.Join(err, t.remote.Close())
	}
	return err
}
