package chunkbuf

import (
	"context"
	"errors"
	"fmt"

	"github.com/annel0/antixray/internal/level"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
	"golang.org/x/sync/errgroup"
)

// ErrSerialization - не удалось получить или закодировать NBT блочной сущности.
// Вычисление чанка прерывается целиком, частичный буфер не выдаётся.
var ErrSerialization = errors.New("block entity serialization failed")

// encodeBlockEntities кодирует клиентские представления отправляемых сущностей.
// Конвертация каждой сущности независима и идёт параллельно (не более workers
// одновременно); результаты склеиваются в исходном порядке сущностей.
func encodeBlockEntities(ctx context.Context, entities []level.BlockEntity, encoding nbt.Encoding, workers int) ([]byte, error) {
	spawnable := make([]level.BlockEntity, 0, len(entities))
	for _, e := range entities {
		if e != nil && e.Spawnable() {
			spawnable = append(spawnable, e)
		}
	}
	if len(spawnable) == 0 {
		return nil, nil
	}

	parts := make([][]byte, len(spawnable))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	for i, e := range spawnable {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tag, err := e.SpawnCompound()
			if err != nil {
				return fmt.Errorf("%w: spawn compound #%d: %v", ErrSerialization, i, err)
			}
			data, err := nbt.MarshalEncoding(tag, encoding)
			if err != nil {
				return fmt.Errorf("%w: encode #%d: %v", ErrSerialization, i, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}
