package api

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/xray"
	"github.com/google/uuid"
)

// fetchObserver - одноразовый наблюдатель для отладочной выдачи.
// После отмены сообщает Connected()=false, и координатор его пропускает.
type fetchObserver struct {
	id   uint64
	pos  level.ChunkPos
	ch   chan xray.Payload
	gone atomic.Bool
}

func newFetchObserver(pos level.ChunkPos) *fetchObserver {
	id := uuid.New()
	return &fetchObserver{
		// старший бит отделяет отладочные ID от сессий игроков
		id:  binary.BigEndian.Uint64(id[:8]) | 1<<63,
		pos: pos,
		ch:  make(chan xray.Payload, 1),
	}
}

func (o *fetchObserver) ID() uint64 { return o.id }

func (o *fetchObserver) Connected() bool { return !o.gone.Load() }

func (o *fetchObserver) InView(pos level.ChunkPos) bool { return pos == o.pos }

func (o *fetchObserver) SendChunk(_ level.ChunkPos, payload xray.Payload) {
	select {
	case o.ch <- payload:
	default:
	}
}

// fetchChunk ставит чанк в очередь мира и ждёт первую доставку
func fetchChunk(ctx context.Context, h *xray.Handler, pos level.ChunkPos) (xray.Payload, error) {
	obs := newFetchObserver(pos)
	defer obs.gone.Store(true)

	h.RequestChunk(pos.X, pos.Z, obs)
	select {
	case p := <-obs.ch:
		return p, nil
	case <-ctx.Done():
		return xray.Payload{}, ctx.Err()
	}
}
