// Package xray координирует выдачу обфусцированных чанков в пределах одного мира.
//
// Запросы наблюдателей копятся в очереди ожидания по координатам; периодический
// цикл тиков (драйвер) раздаёт попадания кеша и запускает вычисления на рабочих
// горутинах. Результаты возвращаются драйверу через канал и рассылаются всем,
// кто ждал эту координату к моменту завершения.
package xray

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/antixray/internal/cache"
	"github.com/annel0/antixray/internal/chunkbuf"
	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/logging"
	"github.com/annel0/antixray/internal/metrics"
	"github.com/annel0/antixray/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultTickInterval - один серверный тик
const DefaultTickInterval = 50 * time.Millisecond

// ErrMissingEncoder - кеширование включено без кодировщика пакетов
var ErrMissingEncoder = errors.New("xray: caching requires a packet encoder")

// Assembler строит буфер чанка из снапшота
type Assembler interface {
	Assemble(ctx context.Context, snap *level.Snapshot) (*chunkbuf.Output, error)
}

// Encoder упаковывает буфер в batch-пакет для хранения в кеше
type Encoder interface {
	Encode(pos level.ChunkPos, payload []byte) ([]byte, error)
}

// Cache - двухуровневый кеш обработанных чанков (см. cache.TieredCache)
type Cache interface {
	LookupLocal(key int64) (cache.Entry, bool)
	LookupRemote(ctx context.Context, key int64) (cache.Entry, bool, error)
	StoreLocal(key int64, entry cache.Entry)
	StoreRemote(ctx context.Context, key int64, entry cache.Entry) error
	Invalidate(ctx context.Context, key int64) error
}

// HandlerConfig - зависимости координатора мира
type HandlerConfig struct {
	World     string
	Provider  level.Provider
	Assembler Assembler
	// Cache == nil отключает кеширование: каждый запрос вычисляется заново
	Cache   Cache
	Encoder Encoder
	Metrics *metrics.Metrics

	// Workers - максимум одновременных вычислений; 0 - GOMAXPROCS
	Workers int
	// TickInterval - период драйвера в Run; 0 - DefaultTickInterval
	TickInterval time.Duration
	// ComputeTimeout ограничивает одно вычисление; 0 - без ограничения
	ComputeTimeout time.Duration
}

// Stats - состояние очереди мира
type Stats struct {
	World    string `json:"world"`
	Pending  int    `json:"pending"`
	InFlight int    `json:"in_flight"`
	Workers  int    `json:"workers"`
	Caching  bool   `json:"caching"`
}

// pendingSet - наблюдатели, ждущие одну координату.
// Закрытый набор уже забран драйвером; запрос, наткнувшийся на него, создаёт новый.
type pendingSet struct {
	mu      sync.Mutex
	members map[uint64]Observer
	closed  bool
}

// result - итог вычисления, возвращаемый драйверу
type result struct {
	pos       level.ChunkPos
	changes   int64
	payload   Payload
	fromCache bool
	err       error
}

// Handler - координатор очереди одного мира
type Handler struct {
	cfg    HandlerConfig
	world  string
	tracer trace.Tracer

	pending sync.Map // int64 -> *pendingSet

	// Принадлежит драйверу (под tickMu)
	tickMu   sync.Mutex
	inflight map[int64]struct{}

	inflightCount int64
	results       chan result
	slots         *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHandler создаёт координатор мира
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Provider == nil || cfg.Assembler == nil {
		return nil, fmt.Errorf("xray: world %q: provider and assembler are required", cfg.World)
	}
	if cfg.Cache != nil && cfg.Encoder == nil {
		return nil, ErrMissingEncoder
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:      cfg,
		world:    cfg.World,
		tracer:   observability.Tracer(),
		inflight: make(map[int64]struct{}),
		results:  make(chan result, 2*cfg.Workers),
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}

	logging.Queue().Info("xray: мир %s, воркеров %d, кеш %v", cfg.World, cfg.Workers, cfg.Cache != nil)
	return h, nil
}

// World возвращает имя мира
func (h *Handler) World() string {
	return h.world
}

// RequestChunk регистрирует интерес наблюдателя к чанку.
// Безопасен для вызова из любых горутин; повторный запрос того же наблюдателя
// до отправки ничего не меняет.
func (h *Handler) RequestChunk(x, z int32, obs Observer) {
	pos := level.ChunkPos{X: x, Z: z}
	key := pos.Hash()

	for {
		v, ok := h.pending.Load(key)
		if !ok {
			v, _ = h.pending.LoadOrStore(key, &pendingSet{members: make(map[uint64]Observer, 1)})
		}
		set := v.(*pendingSet)

		set.mu.Lock()
		if set.closed {
			set.mu.Unlock()
			continue
		}
		set.members[obs.ID()] = obs
		set.mu.Unlock()
		break
	}

	h.cfg.Metrics.ChunkRequested(h.world)
	logging.LogChunkRequest(h.world, obs.ID(), x, z)
}

// InvalidateCache удаляет закешированный чанк (локально, в L2 и на других узлах)
func (h *Handler) InvalidateCache(x, z int32) error {
	if h.cfg.Cache == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return h.cfg.Cache.Invalidate(ctx, level.ChunkPos{X: x, Z: z}.Hash())
}

// Tick - один цикл драйвера: применить завершённые вычисления, затем
// обойти ожидающие координаты. Не блокируется на вводе-выводе.
func (h *Handler) Tick() {
	h.tickMu.Lock()
	defer h.tickMu.Unlock()

	select {
	case <-h.closed:
		return
	default:
	}

	h.drainResults()

	pending := 0
	h.pending.Range(func(k, v any) bool {
		key := k.(int64)
		if h.prune(key, v.(*pendingSet)) {
			return true
		}
		pending++
		if _, busy := h.inflight[key]; busy {
			return true
		}

		pos := level.PosFromHash(key)
		if payload, ok := h.cachedPayload(pos); ok {
			h.dispatch(pos, payload)
			return true
		}

		// Нет свободного воркера - координата ждёт следующего тика
		if !h.slots.TryAcquire(1) {
			return true
		}
		h.inflight[key] = struct{}{}
		atomic.AddInt64(&h.inflightCount, 1)
		h.wg.Add(1)
		go h.compute(pos)
		return true
	})

	h.cfg.Metrics.QueueDepth(h.world, pending, len(h.inflight))
}

// prune убирает отключившихся наблюдателей. Опустевший набор закрывается и
// удаляется так же, как в dispatch; возвращает true, если координата снята.
func (h *Handler) prune(key int64, set *pendingSet) bool {
	set.mu.Lock()
	defer set.mu.Unlock()

	if set.closed {
		return true
	}
	for id, obs := range set.members {
		if !obs.Connected() {
			delete(set.members, id)
		}
	}
	if len(set.members) > 0 {
		return false
	}
	set.closed = true
	set.members = nil
	h.pending.CompareAndDelete(key, set)
	logging.Queue().Debug("xray: координата %s мира %s снята, ожидающих нет", level.PosFromHash(key), h.world)
	return true
}

// cachedPayload проверяет L1 на драйвере
func (h *Handler) cachedPayload(pos level.ChunkPos) (Payload, bool) {
	if h.cfg.Cache == nil {
		return Payload{}, false
	}
	entry, ok := h.cfg.Cache.LookupLocal(pos.Hash())
	if !ok {
		h.cfg.Metrics.CacheLookup(h.world, "l1", metrics.ResultMiss)
		return Payload{}, false
	}
	current, loaded := h.cfg.Provider.Changes(pos)
	if !loaded || !entry.ValidFor(current) {
		h.cfg.Metrics.CacheLookup(h.world, "l1", metrics.ResultStale)
		return Payload{}, false
	}
	h.cfg.Metrics.CacheLookup(h.world, "l1", metrics.ResultHit)
	return Payload{Data: entry.Payload, Batched: true}, true
}

func (h *Handler) drainResults() {
	for {
		select {
		case res := <-h.results:
			h.complete(res)
		default:
			return
		}
	}
}

// complete применяет результат вычисления на драйвере
func (h *Handler) complete(res result) {
	key := res.pos.Hash()
	delete(h.inflight, key)
	atomic.AddInt64(&h.inflightCount, -1)

	if res.err != nil {
		// Набор ожидания не трогаем: те же наблюдатели получат чанк на следующем тике
		if errors.Is(res.err, level.ErrChunkNotFound) {
			logging.Queue().Debug("xray: чанк %s мира %s отсутствует, повтор позже", res.pos, h.world)
		} else {
			logging.Queue().Warn("xray: чанк %s мира %s не вычислен: %v", res.pos, h.world, res.err)
		}
		return
	}

	// Попадание L2 уже проверено воркером, но до драйвера чанк мог измениться
	if h.cfg.Cache != nil && h.storable(res.pos, res.changes) {
		h.cfg.Cache.StoreLocal(key, cache.Entry{Changes: res.changes, Payload: res.payload.Data})
	}
	h.dispatch(res.pos, res.payload)
}

// storable - чанк не изменился после вычисления
func (h *Handler) storable(pos level.ChunkPos, computed int64) bool {
	current, loaded := h.cfg.Provider.Changes(pos)
	return !loaded || current <= computed
}

// dispatch забирает набор ожидания и рассылает чанк.
// Отключившиеся и ушедшие из зоны видимости наблюдатели пропускаются.
func (h *Handler) dispatch(pos level.ChunkPos, payload Payload) {
	key := pos.Hash()
	v, ok := h.pending.Load(key)
	if !ok {
		return
	}
	set := v.(*pendingSet)

	set.mu.Lock()
	set.closed = true
	members := set.members
	set.members = nil
	h.pending.CompareAndDelete(key, set)
	set.mu.Unlock()

	sent := 0
	for _, obs := range members {
		if !obs.Connected() || !obs.InView(pos) {
			continue
		}
		obs.SendChunk(pos, payload)
		sent++
	}

	h.cfg.Metrics.Delivered(h.world, sent)
	logging.LogChunkSent(h.world, pos.X, pos.Z, sent, len(payload.Data))
}

// compute выполняется на рабочей горутине и держит слот до передачи результата
func (h *Handler) compute(pos level.ChunkPos) {
	defer h.wg.Done()
	defer h.slots.Release(1)

	ctx := h.ctx
	if h.cfg.ComputeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.ComputeTimeout)
		defer cancel()
	}

	ctx, span := h.tracer.Start(ctx, "antixray.compute", trace.WithAttributes(
		attribute.String("world", h.world),
		attribute.Int("chunk.x", int(pos.X)),
		attribute.Int("chunk.z", int(pos.Z)),
	))
	defer span.End()

	start := time.Now()
	res := h.computeResult(ctx, pos)
	if !res.fromCache {
		h.cfg.Metrics.ComputationFinished(h.world, time.Since(start), res.err)
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	span.SetAttributes(attribute.Bool("cache.hit", res.fromCache))

	select {
	case h.results <- res:
	case <-h.closed:
	}
}

func (h *Handler) computeResult(ctx context.Context, pos level.ChunkPos) result {
	res := result{pos: pos}
	key := pos.Hash()

	if h.cfg.Cache != nil {
		entry, ok, err := h.cfg.Cache.LookupRemote(ctx, key)
		switch {
		case err != nil:
			h.cfg.Metrics.CacheLookup(h.world, "l2", metrics.ResultError)
			logging.Queue().Debug("xray: L2 недоступен для %s: %v", pos, err)
		case !ok:
			h.cfg.Metrics.CacheLookup(h.world, "l2", metrics.ResultMiss)
		case h.storable(pos, entry.Changes):
			h.cfg.Metrics.CacheLookup(h.world, "l2", metrics.ResultHit)
			res.changes = entry.Changes
			res.payload = Payload{Data: entry.Payload, Batched: true}
			res.fromCache = true
			return res
		default:
			h.cfg.Metrics.CacheLookup(h.world, "l2", metrics.ResultStale)
		}
	}

	snap, err := h.cfg.Provider.Chunk(ctx, pos)
	if err != nil {
		res.err = err
		return res
	}
	if snap == nil {
		res.err = level.ErrChunkNotFound
		return res
	}

	out, err := h.cfg.Assembler.Assemble(ctx, snap)
	if err != nil {
		res.err = err
		return res
	}
	h.cfg.Metrics.ChunkAssembled(h.world, len(out.Data), out.Replaced, out.Degraded)

	res.changes = snap.Changes
	if h.cfg.Cache == nil {
		res.payload = Payload{Data: out.Data}
		return res
	}

	batch, err := h.cfg.Encoder.Encode(pos, out.Data)
	if err != nil {
		res.err = fmt.Errorf("xray: encode %s: %w", pos, err)
		return res
	}
	res.payload = Payload{Data: batch, Batched: true}

	if h.storable(pos, res.changes) {
		if err := h.cfg.Cache.StoreRemote(ctx, key, cache.Entry{Changes: res.changes, Payload: batch}); err != nil {
			logging.Queue().Debug("xray: запись в L2 для %s не удалась: %v", pos, err)
		}
	}
	return res
}

// Run запускает драйвер с периодом TickInterval до отмены ctx или Close
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Tick()
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		}
	}
}

// Close останавливает драйвер и дожидается рабочих горутин.
// Незавершённые вычисления отменяются, их результаты отбрасываются.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.cancel()
		// Тик, начатый до закрытия, успеет запустить своих воркеров до Wait
		h.tickMu.Lock()
		h.tickMu.Unlock()
		h.wg.Wait()
		logging.Queue().Info("xray: мир %s остановлен", h.world)
	})
	return nil
}

// Stats возвращает размеры очереди
func (h *Handler) Stats() Stats {
	pending := 0
	h.pending.Range(func(_, _ any) bool {
		pending++
		return true
	})
	return Stats{
		World:    h.world,
		Pending:  pending,
		InFlight: int(atomic.LoadInt64(&h.inflightCount)),
		Workers:  h.cfg.Workers,
		Caching:  h.cfg.Cache != nil,
	}
}
