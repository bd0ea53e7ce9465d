package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/logging"
	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// ErrNotReady - хранилище закрыто
var ErrNotReady = errors.New("хранилище не готово")

// BadgerProvider - хранилище чанков на BadgerDB, реализующее level.Provider.
//
// Ключи:
//
//	chunk:<x>:<z>    - JSON снапшота, сжатый zstd
//	changes:<x>:<z>  - счётчик модификаций (8 байт, LE)
type BadgerProvider struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// Счётчики загруженных и сохранённых чанков
	counters sync.Map // int64 -> int64
}

// chunkRecord - сериализуемое представление снапшота
type chunkRecord struct {
	X       int32  `json:"x"`
	Z       int32  `json:"z"`
	Layout  string `json:"layout"`
	Changes int64  `json:"changes"`

	BlockIDs   []byte `json:"block_ids,omitempty"`
	BlockData  []byte `json:"block_data,omitempty"`
	SkyLight   []byte `json:"sky_light,omitempty"`
	BlockLight []byte `json:"block_light,omitempty"`

	Sections []sectionRecord `json:"sections,omitempty"`

	HeightMap []byte `json:"height_map,omitempty"`
	Biomes    []byte `json:"biomes,omitempty"`

	Extra    map[int32]uint16    `json:"extra,omitempty"`
	Entities []StoredBlockEntity `json:"entities,omitempty"`
}

type sectionRecord struct {
	Y    int    `json:"y"`
	IDs  []byte `json:"ids"`
	Data []byte `json:"data"`
}

// StoredBlockEntity - блочная сущность, хранимая как little-endian NBT
type StoredBlockEntity struct {
	Spawn bool   `json:"spawn"`
	NBT   []byte `json:"nbt"`
}

// Spawnable сообщает, отправляется ли сущность клиенту
func (e *StoredBlockEntity) Spawnable() bool { return e.Spawn }

// SpawnCompound декодирует сохранённый NBT
func (e *StoredBlockEntity) SpawnCompound() (map[string]any, error) {
	var tag map[string]any
	if err := nbt.UnmarshalEncoding(e.NBT, &tag, nbt.LittleEndian); err != nil {
		return nil, fmt.Errorf("decode block entity: %w", err)
	}
	return tag, nil
}

// Open открывает (или создаёт) хранилище в каталоге dataPath
func Open(dataPath string) (*BadgerProvider, error) {
	dbPath := filepath.Join(dataPath, "chunks")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}

	logging.Info("storage: BadgerDB открыт: %s", dbPath)
	return &BadgerProvider{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close закрывает хранилище
func (p *BadgerProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isReady {
		return nil
	}
	p.isReady = false
	p.encoder.Close()
	p.decoder.Close()
	return p.db.Close()
}

func chunkKey(pos level.ChunkPos) []byte {
	return []byte(fmt.Sprintf("chunk:%d:%d", pos.X, pos.Z))
}

func changesKey(pos level.ChunkPos) []byte {
	return []byte(fmt.Sprintf("changes:%d:%d", pos.X, pos.Z))
}

// Save сохраняет снапшот и увеличивает счётчик модификаций чанка.
// Возвращает новое значение счётчика; snap.Changes игнорируется.
func (p *BadgerProvider) Save(ctx context.Context, snap *level.Snapshot) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if !p.isReady {
		return 0, ErrNotReady
	}

	rec, err := toRecord(snap)
	if err != nil {
		return 0, err
	}

	var changes int64
	err = p.db.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, snap.Pos)
		if err != nil {
			return err
		}
		changes = current + 1
		rec.Changes = changes

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("ошибка сериализации чанка: %w", err)
		}

		var counter [8]byte
		binary.LittleEndian.PutUint64(counter[:], uint64(changes))
		if err := txn.Set(changesKey(snap.Pos), counter[:]); err != nil {
			return err
		}
		return txn.Set(chunkKey(snap.Pos), p.encoder.EncodeAll(data, nil))
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}

	p.raiseCounter(snap.Pos.Hash(), changes)
	return changes, nil
}

// Touch увеличивает счётчик модификаций без перезаписи данных
func (p *BadgerProvider) Touch(pos level.ChunkPos) (int64, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if !p.isReady {
		return 0, ErrNotReady
	}

	var changes int64
	err := p.db.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, pos)
		if err != nil {
			return err
		}
		changes = current + 1
		var counter [8]byte
		binary.LittleEndian.PutUint64(counter[:], uint64(changes))
		return txn.Set(changesKey(pos), counter[:])
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка обновления счётчика: %w", err)
	}
	p.raiseCounter(pos.Hash(), changes)
	return changes, nil
}

func readCounter(txn *badger.Txn, pos level.ChunkPos) (int64, error) {
	item, err := txn.Get(changesKey(pos))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("повреждён счётчик чанка %s", pos)
		}
		v = int64(binary.LittleEndian.Uint64(val))
		return nil
	})
	return v, err
}

// Chunk читает снапшот; level.ErrChunkNotFound, если чанк не сохранён
func (p *BadgerProvider) Chunk(ctx context.Context, pos level.ChunkPos) (*level.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if !p.isReady {
		return nil, ErrNotReady
	}

	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(pos))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data, err = p.decoder.DecodeAll(val, nil)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, level.ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	var rec chunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации чанка %s: %w", pos, err)
	}

	snap, err := rec.snapshot()
	if err != nil {
		return nil, err
	}
	p.raiseCounter(pos.Hash(), snap.Changes)
	return snap, nil
}

// raiseCounter только увеличивает кешированный счётчик: читатель, открывший
// транзакцию до коммита Save, не должен откатить его назад.
func (p *BadgerProvider) raiseCounter(key, v int64) {
	current, loaded := p.counters.LoadOrStore(key, v)
	for loaded {
		old := current.(int64)
		if old >= v || p.counters.CompareAndSwap(key, old, v) {
			return
		}
		current, loaded = p.counters.LoadOrStore(key, v)
	}
}

// Changes возвращает счётчик чанка, если он уже загружался или сохранялся
func (p *BadgerProvider) Changes(pos level.ChunkPos) (int64, bool) {
	v, ok := p.counters.Load(pos.Hash())
	if !ok {
		return 0, false
	}
	return v.(int64), true
}

func toRecord(snap *level.Snapshot) (*chunkRecord, error) {
	if snap == nil {
		return nil, errors.New("пустой снапшот")
	}
	rec := &chunkRecord{
		X:          snap.Pos.X,
		Z:          snap.Pos.Z,
		Layout:     snap.Layout.String(),
		BlockIDs:   snap.BlockIDs,
		BlockData:  snap.BlockData,
		SkyLight:   snap.SkyLight,
		BlockLight: snap.BlockLight,
		HeightMap:  snap.HeightMap,
		Biomes:     snap.Biomes,
		Extra:      snap.Extra,
	}

	for _, s := range snap.Sections {
		if s == nil {
			continue
		}
		ids, data, err := s.Storage()
		if err != nil {
			raw := s.Bytes()
			ids, data = raw[:level.SectionBlockCount], raw[level.SectionBlockCount:]
		}
		rec.Sections = append(rec.Sections, sectionRecord{Y: s.Y(), IDs: ids, Data: data})
	}

	for i, e := range snap.BlockEntities {
		if e == nil {
			continue
		}
		tag, err := e.SpawnCompound()
		if err != nil {
			return nil, fmt.Errorf("сущность #%d: %w", i, err)
		}
		blob, err := nbt.MarshalEncoding(tag, nbt.LittleEndian)
		if err != nil {
			return nil, fmt.Errorf("сущность #%d: %w", i, err)
		}
		rec.Entities = append(rec.Entities, StoredBlockEntity{Spawn: e.Spawnable(), NBT: blob})
	}
	return rec, nil
}

func (rec *chunkRecord) snapshot() (*level.Snapshot, error) {
	layout, err := level.ParseLayout(rec.Layout)
	if err != nil {
		return nil, err
	}
	snap := &level.Snapshot{
		Pos:        level.ChunkPos{X: rec.X, Z: rec.Z},
		Layout:     layout,
		Changes:    rec.Changes,
		BlockIDs:   rec.BlockIDs,
		BlockData:  rec.BlockData,
		SkyLight:   rec.SkyLight,
		BlockLight: rec.BlockLight,
		HeightMap:  rec.HeightMap,
		Biomes:     rec.Biomes,
		Extra:      rec.Extra,
	}
	for _, s := range rec.Sections {
		snap.Sections = append(snap.Sections, &level.RawSection{SectionY: s.Y, IDs: s.IDs, Data: s.Data})
	}
	for i := range rec.Entities {
		snap.BlockEntities = append(snap.BlockEntities, &rec.Entities[i])
	}
	return snap, nil
}
