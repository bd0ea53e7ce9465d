package xray

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/antixray/internal/cache"
	"github.com/annel0/antixray/internal/chunkbuf"
	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/metrics"
	"github.com/annel0/antixray/internal/obfuscator"
	"github.com/annel0/antixray/internal/packet"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testObserver запоминает доставленные чанки
type testObserver struct {
	id        uint64
	connected atomic.Bool
	outOfView atomic.Bool

	mu       sync.Mutex
	received []Payload
}

func newObserver(id uint64) *testObserver {
	o := &testObserver{id: id}
	o.connected.Store(true)
	return o
}

func (o *testObserver) ID() uint64                 { return o.id }
func (o *testObserver) Connected() bool            { return o.connected.Load() }
func (o *testObserver) InView(level.ChunkPos) bool { return !o.outOfView.Load() }

func (o *testObserver) SendChunk(_ level.ChunkPos, p Payload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, p)
}

func (o *testObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.received)
}

func (o *testObserver) last() Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.received[len(o.received)-1]
}

// fakeProvider отдаёт пустые плоские снапшоты с настраиваемыми счётчиками
type fakeProvider struct {
	mu       sync.Mutex
	changes  map[int64]int64
	failures int
	failErr  error
	gate     chan struct{}
	calls    int32
}

func newProvider() *fakeProvider {
	return &fakeProvider{changes: make(map[int64]int64)}
}

func (p *fakeProvider) Chunk(ctx context.Context, pos level.ChunkPos) (*level.Snapshot, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return nil, p.failErr
	}
	return &level.Snapshot{Pos: pos, Layout: level.LayoutLevelDB, Changes: p.changes[pos.Hash()]}, nil
}

func (p *fakeProvider) Changes(pos level.ChunkPos) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changes[pos.Hash()], true
}

func (p *fakeProvider) bump(pos level.ChunkPos) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes[pos.Hash()]++
}

// fakeAssembler кодирует координаты и счётчик в буфер
type fakeAssembler struct {
	calls int32
	err   error
}

func (a *fakeAssembler) Assemble(_ context.Context, snap *level.Snapshot) (*chunkbuf.Output, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.err != nil {
		return nil, a.err
	}
	data := []byte(fmt.Sprintf("chunk %d,%d v%d", snap.Pos.X, snap.Pos.Z, snap.Changes))
	return &chunkbuf.Output{Data: data}, nil
}

func (a *fakeAssembler) count() int {
	return int(atomic.LoadInt32(&a.calls))
}

type fixture struct {
	handler   *Handler
	provider  *fakeProvider
	assembler *fakeAssembler
	cache     *cache.TieredCache
}

func newFixture(t *testing.T, caching bool, workers int) *fixture {
	t.Helper()
	f := &fixture{provider: newProvider(), assembler: &fakeAssembler{}}

	cfg := HandlerConfig{
		World:     "world",
		Provider:  f.provider,
		Assembler: f.assembler,
		Metrics:   metrics.New(),
		Workers:   workers,
	}
	if caching {
		enc, err := packet.NewEncoder(zlib.BestSpeed)
		require.NoError(t, err)
		f.cache = cache.NewTieredCache("world", nil)
		cfg.Cache = f.cache
		cfg.Encoder = enc
	}

	h, err := NewHandler(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	f.handler = h
	return f
}

// tickUntil крутит драйвер, пока условие не выполнится
func tickUntil(t *testing.T, h *Handler, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.Tick()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func decodePayload(t *testing.T, p Payload) string {
	t.Helper()
	require.True(t, p.Batched)
	_, data, err := packet.Decode(p.Data)
	require.NoError(t, err)
	return string(data)
}

func TestCoalescingSingleComputation(t *testing.T) {
	f := newFixture(t, true, 4)

	observers := make([]*testObserver, 5)
	for i := range observers {
		observers[i] = newObserver(uint64(i + 1))
		f.handler.RequestChunk(2, -3, observers[i])
		// Повторный запрос не дублирует доставку
		f.handler.RequestChunk(2, -3, observers[i])
	}

	tickUntil(t, f.handler, func() bool {
		for _, o := range observers {
			if o.count() == 0 {
				return false
			}
		}
		return true
	})

	assert.Equal(t, 1, f.assembler.count())
	for _, o := range observers {
		assert.Equal(t, 1, o.count())
		assert.Equal(t, "chunk 2,-3 v0", decodePayload(t, o.last()))
	}
	assert.Equal(t, 0, f.handler.Stats().Pending)
	assert.Equal(t, 0, f.handler.Stats().InFlight)
}

func TestCacheHitSkipsComputation(t *testing.T) {
	f := newFixture(t, true, 2)

	first := newObserver(1)
	f.handler.RequestChunk(0, 0, first)
	tickUntil(t, f.handler, func() bool { return first.count() == 1 })

	second := newObserver(2)
	f.handler.RequestChunk(0, 0, second)
	f.handler.Tick()

	// Попадание в L1 отдаётся синхронно в том же тике
	require.Equal(t, 1, second.count())
	assert.Equal(t, 1, f.assembler.count())
	assert.Equal(t, first.last(), second.last())
}

func TestStaleEntryRecomputed(t *testing.T) {
	f := newFixture(t, true, 2)
	pos := level.ChunkPos{X: 5, Z: 5}

	obs := newObserver(1)
	f.handler.RequestChunk(pos.X, pos.Z, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 1 })

	f.provider.bump(pos)
	f.handler.RequestChunk(pos.X, pos.Z, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 2 })

	assert.Equal(t, 2, f.assembler.count())
	assert.Equal(t, "chunk 5,5 v1", decodePayload(t, obs.last()))

	entry, ok := f.cache.LookupLocal(pos.Hash())
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.Changes)
}

func TestMissingChunkRetried(t *testing.T) {
	f := newFixture(t, true, 1)
	f.provider.failures = 3
	f.provider.failErr = level.ErrChunkNotFound

	obs := newObserver(1)
	f.handler.RequestChunk(1, 1, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 1 })

	assert.Equal(t, int32(4), atomic.LoadInt32(&f.provider.calls))
	assert.Equal(t, 1, f.assembler.count())
	assert.Equal(t, 1, obs.count())
}

func TestAbandonedMissingChunkDropped(t *testing.T) {
	f := newFixture(t, true, 1)
	f.provider.failures = 1 << 20
	f.provider.failErr = level.ErrChunkNotFound

	obs := newObserver(1)
	f.handler.RequestChunk(9, 9, obs)
	tickUntil(t, f.handler, func() bool { return atomic.LoadInt32(&f.provider.calls) >= 2 })

	obs.connected.Store(false)
	for i := 0; i < 200; i++ {
		f.handler.Tick()
	}
	calls := atomic.LoadInt32(&f.provider.calls)

	tickUntil(t, f.handler, func() bool { return f.handler.Stats().InFlight == 0 })
	for i := 0; i < 50; i++ {
		f.handler.Tick()
	}

	assert.Equal(t, 0, f.handler.Stats().Pending, "координата без наблюдателей снимается")
	assert.LessOrEqual(t, atomic.LoadInt32(&f.provider.calls), calls+1, "хранилище больше не опрашивается")
	assert.Zero(t, obs.count())

	// Новый запрос той же координаты снова ставит её в очередь
	again := newObserver(2)
	f.handler.RequestChunk(9, 9, again)
	assert.Equal(t, 1, f.handler.Stats().Pending)
}

func TestSerializationFailureNotCached(t *testing.T) {
	f := newFixture(t, true, 1)
	f.assembler.err = chunkbuf.ErrSerialization

	obs := newObserver(1)
	f.handler.RequestChunk(1, 2, obs)
	tickUntil(t, f.handler, func() bool { return f.assembler.count() >= 2 })

	assert.Zero(t, obs.count())
	_, ok := f.cache.LookupLocal(level.ChunkPos{X: 1, Z: 2}.Hash())
	assert.False(t, ok)
	assert.Equal(t, 1, f.handler.Stats().Pending, "набор ожидания сохраняется")
}

func TestSkipsDisconnectedAndOutOfView(t *testing.T) {
	f := newFixture(t, false, 1)

	gone := newObserver(1)
	away := newObserver(2)
	here := newObserver(3)
	for _, o := range []*testObserver{gone, away, here} {
		f.handler.RequestChunk(0, 1, o)
	}
	gone.connected.Store(false)
	away.outOfView.Store(true)

	tickUntil(t, f.handler, func() bool { return here.count() == 1 })
	assert.Zero(t, gone.count())
	assert.Zero(t, away.count())
	assert.Equal(t, 0, f.handler.Stats().Pending)
}

func TestCachingDisabled(t *testing.T) {
	f := newFixture(t, false, 1)
	obs := newObserver(1)

	f.handler.RequestChunk(3, 4, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 1 })
	f.handler.RequestChunk(3, 4, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 2 })

	assert.Equal(t, 2, f.assembler.count())
	p := obs.last()
	assert.False(t, p.Batched)
	assert.Equal(t, "chunk 3,4 v0", string(p.Data))
	assert.NoError(t, f.handler.InvalidateCache(3, 4))
	assert.False(t, f.handler.Stats().Caching)
}

func TestNoFreeWorkerStaysPending(t *testing.T) {
	f := newFixture(t, false, 1)
	f.provider.gate = make(chan struct{})

	a, b := newObserver(1), newObserver(2)
	f.handler.RequestChunk(0, 0, a)
	f.handler.Tick()
	f.handler.RequestChunk(9, 9, b)
	f.handler.Tick()

	stats := f.handler.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.InFlight)

	close(f.provider.gate)
	tickUntil(t, f.handler, func() bool { return a.count() == 1 && b.count() == 1 })
	assert.Equal(t, 2, f.assembler.count())
}

func TestLateObserverServedByRunningComputation(t *testing.T) {
	f := newFixture(t, true, 2)
	f.provider.gate = make(chan struct{})

	early := newObserver(1)
	f.handler.RequestChunk(7, 7, early)
	f.handler.Tick()
	require.Equal(t, 1, f.handler.Stats().InFlight)

	late := newObserver(2)
	f.handler.RequestChunk(7, 7, late)
	f.handler.Tick()

	close(f.provider.gate)
	tickUntil(t, f.handler, func() bool { return early.count() == 1 && late.count() == 1 })
	assert.Equal(t, 1, f.assembler.count())
}

func TestRemoteHitPromotedToLocal(t *testing.T) {
	provider := newProvider()
	assembler := &fakeAssembler{}
	enc, err := packet.NewEncoder(zlib.BestSpeed)
	require.NoError(t, err)

	pos := level.ChunkPos{X: -1, Z: 8}
	batch, err := enc.Encode(pos, []byte("from l2"))
	require.NoError(t, err)

	remote := cache.NewMemoryCache()
	require.NoError(t, remote.Store(context.Background(), pos.Hash(), cache.Entry{Changes: 0, Payload: batch}))
	tiered := cache.NewTieredCache("world", remote)

	h, err := NewHandler(HandlerConfig{
		World: "world", Provider: provider, Assembler: assembler,
		Cache: tiered, Encoder: enc, Workers: 1,
	})
	require.NoError(t, err)
	defer h.Close()

	obs := newObserver(1)
	h.RequestChunk(pos.X, pos.Z, obs)
	tickUntil(t, h, func() bool { return obs.count() == 1 })

	assert.Zero(t, assembler.count())
	assert.Equal(t, "from l2", decodePayload(t, obs.last()))
	_, ok := tiered.LookupLocal(pos.Hash())
	assert.True(t, ok)
}

func TestStaleRemoteEntryNotPromoted(t *testing.T) {
	provider := newProvider()
	assembler := &fakeAssembler{}
	enc, err := packet.NewEncoder(zlib.BestSpeed)
	require.NoError(t, err)

	pos := level.ChunkPos{X: 3, Z: 3}
	provider.bump(pos)
	batch, err := enc.Encode(pos, []byte("stale l2"))
	require.NoError(t, err)

	remote := cache.NewMemoryCache()
	require.NoError(t, remote.Store(context.Background(), pos.Hash(), cache.Entry{Changes: 0, Payload: batch}))
	tiered := cache.NewTieredCache("world", remote)

	// Воркер держит вычисление, пока проверяем L1
	provider.gate = make(chan struct{})
	h, err := NewHandler(HandlerConfig{
		World: "world", Provider: provider, Assembler: assembler,
		Cache: tiered, Encoder: enc, Workers: 1,
	})
	require.NoError(t, err)
	defer h.Close()

	obs := newObserver(1)
	h.RequestChunk(pos.X, pos.Z, obs)
	tickUntil(t, h, func() bool { return atomic.LoadInt32(&provider.calls) == 1 })

	_, ok := tiered.LookupLocal(pos.Hash())
	assert.False(t, ok, "устаревшая запись L2 не попадает в L1")

	close(provider.gate)
	tickUntil(t, h, func() bool { return obs.count() == 1 })
	assert.Equal(t, "chunk 3,3 v1", decodePayload(t, obs.last()))

	entry, ok := tiered.LookupLocal(pos.Hash())
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.Changes)
}

func TestInvalidateCacheForcesRecompute(t *testing.T) {
	f := newFixture(t, true, 1)
	obs := newObserver(1)

	f.handler.RequestChunk(0, 0, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 1 })

	require.NoError(t, f.handler.InvalidateCache(0, 0))
	f.handler.RequestChunk(0, 0, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 2 })
	assert.Equal(t, 2, f.assembler.count())
}

func TestConcurrentRequestsWithRun(t *testing.T) {
	f := newFixture(t, true, 4)
	f.handler.cfg.TickInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.handler.Run(ctx)

	const n = 32
	observers := make([]*testObserver, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		observers[i] = newObserver(uint64(i))
		wg.Add(1)
		go func(o *testObserver, i int) {
			defer wg.Done()
			f.handler.RequestChunk(int32(i%4), 0, o)
		}(observers[i], i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, o := range observers {
			if o.count() == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	for _, o := range observers {
		assert.Equal(t, 1, o.count())
	}
	assert.LessOrEqual(t, f.assembler.count(), n)
}

func TestCloseStopsHandler(t *testing.T) {
	f := newFixture(t, false, 1)
	f.provider.gate = make(chan struct{})

	obs := newObserver(1)
	f.handler.RequestChunk(0, 0, obs)
	f.handler.Tick()

	require.NoError(t, f.handler.Close())
	require.NoError(t, f.handler.Close())
	f.handler.Tick()
	assert.Zero(t, obs.count())
}

func TestNewHandlerValidation(t *testing.T) {
	_, err := NewHandler(HandlerConfig{World: "w"})
	assert.Error(t, err)

	_, err = NewHandler(HandlerConfig{
		World: "w", Provider: newProvider(), Assembler: &fakeAssembler{},
		Cache: cache.NewTieredCache("w", nil),
	})
	assert.ErrorIs(t, err, ErrMissingEncoder)
}

func TestEndToEndObfuscation(t *testing.T) {
	const stone, gold = 1, 14
	analyzer, err := obfuscator.New(obfuscator.Options{
		Filters:       []int{stone, gold},
		Ores:          []int{gold},
		Height:        64,
		Dimension:     level.Overworld,
		FakeOverworld: stone,
	})
	require.NoError(t, err)

	pos := level.ChunkPos{X: 4, Z: 4}
	index := level.FlatIndex(8, 10, 8)
	snap := &level.Snapshot{
		Pos:        pos,
		Layout:     level.LayoutLevelDB,
		Changes:    3,
		BlockIDs:   bytes.Repeat([]byte{stone}, level.FlatBlockCount),
		BlockData:  make([]byte, level.FlatNibbleSize),
		SkyLight:   make([]byte, level.FlatNibbleSize),
		BlockLight: make([]byte, level.FlatNibbleSize),
		HeightMap:  make([]byte, level.ColumnSize),
		Biomes:     make([]byte, level.ColumnSize),
	}
	snap.BlockIDs[index] = gold

	enc, err := packet.NewEncoder(zlib.DefaultCompression)
	require.NoError(t, err)
	h, err := NewHandler(HandlerConfig{
		World:     "world",
		Provider:  staticProvider{snap: snap},
		Assembler: chunkbuf.NewAssembler(analyzer, chunkbuf.Options{Workers: 2}),
		Cache:     cache.NewTieredCache("world", nil),
		Encoder:   enc,
		Workers:   1,
	})
	require.NoError(t, err)
	defer h.Close()

	obs := newObserver(1)
	h.RequestChunk(pos.X, pos.Z, obs)
	tickUntil(t, h, func() bool { return obs.count() == 1 })

	gotPos, data, err := packet.Decode(obs.last().Data)
	require.NoError(t, err)
	assert.Equal(t, pos, gotPos)
	require.Len(t, data, chunkbuf.FlatPrefixSize+4)
	assert.Equal(t, byte(stone), data[index])
	assert.Equal(t, byte(gold), snap.BlockIDs[index])
}

type staticProvider struct{ snap *level.Snapshot }

func (p staticProvider) Chunk(_ context.Context, pos level.ChunkPos) (*level.Snapshot, error) {
	if pos != p.snap.Pos {
		return nil, level.ErrChunkNotFound
	}
	return p.snap, nil
}

func (p staticProvider) Changes(pos level.ChunkPos) (int64, bool) {
	if pos != p.snap.Pos {
		return 0, false
	}
	return p.snap.Changes, true
}

func TestFailingProviderErrorLogged(t *testing.T) {
	f := newFixture(t, false, 1)
	f.provider.failures = 1
	f.provider.failErr = errors.New("disk on fire")

	obs := newObserver(1)
	f.handler.RequestChunk(0, 0, obs)
	tickUntil(t, f.handler, func() bool { return obs.count() == 1 })
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.provider.calls))
}
