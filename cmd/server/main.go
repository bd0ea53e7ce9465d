package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/annel0/antixray/internal/api"
	"github.com/annel0/antixray/internal/auth"
	"github.com/annel0/antixray/internal/cache"
	"github.com/annel0/antixray/internal/chunkbuf"
	"github.com/annel0/antixray/internal/config"
	"github.com/annel0/antixray/internal/generator"
	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/logging"
	"github.com/annel0/antixray/internal/metrics"
	"github.com/annel0/antixray/internal/obfuscator"
	"github.com/annel0/antixray/internal/observability"
	"github.com/annel0/antixray/internal/packet"
	"github.com/annel0/antixray/internal/storage"
	"github.com/annel0/antixray/internal/xray"
)

// world - ресурсы одного мира, закрываемые при остановке
type world struct {
	store *storage.BadgerProvider
	cache *cache.TieredCache
}

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $ANTIXRAY_CONFIG)")
	flag.Parse()

	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	logging.Info("🛡️ Запуск antixray: миров %d, высота %d, режим подмены %v", len(cfg.Worlds), cfg.AntiXray.Height, cfg.AntiXray.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("❌ Ошибка инициализации трассировки: %v", err)
	}

	m := metrics.New()
	m.StartHTTP(fmt.Sprintf(":%d", cfg.Server.GetMetricsPort()))

	if cfg.Server.JWTSecret != "" {
		if err := auth.SetJWTSecret(cfg.Server.JWTSecret); err != nil {
			log.Fatalf("❌ Неверный server.jwt_secret: %v", err)
		}
	} else {
		logging.Warn("server.jwt_secret не задан: токены admin API не переживут рестарт")
	}
	operators := auth.NewOperators(auth.DefaultTTL)
	if cfg.Server.AdminUser != "" && cfg.Server.AdminPasswordHash != "" {
		operators.Add(cfg.Server.AdminUser, cfg.Server.AdminPasswordHash, true)
	} else {
		logging.Warn("admin API: оператор не настроен, вход невозможен")
	}

	var invalidator *cache.NATSInvalidator
	if cfg.Invalidator.Enabled {
		invalidator, err = cache.NewNATSInvalidator(&cfg.Invalidator.InvalidatorConfig, cfg.Invalidator.NodeID)
		if err != nil {
			log.Fatalf("❌ Ошибка подключения к NATS: %v", err)
		}
	}

	encoder, err := packet.NewEncoder(cfg.AntiXray.CompressionLevel)
	if err != nil {
		log.Fatalf("❌ Ошибка создания кодировщика: %v", err)
	}

	service := xray.NewService()
	worlds := make([]world, 0, len(cfg.Worlds))
	for _, wc := range cfg.Worlds {
		w, h, err := openWorld(ctx, cfg, wc, encoder, invalidator, m)
		if err != nil {
			log.Fatalf("❌ Мир %s: %v", wc.Name, err)
		}
		if err := service.Register(h); err != nil {
			log.Fatalf("❌ Мир %s: %v", wc.Name, err)
		}
		worlds = append(worlds, w)
	}

	// Одна подписка на процесс: каждый мир отбрасывает чужие ключи
	if invalidator != nil {
		err := invalidator.SubscribeInvalidations(ctx, func(key string) error {
			var errs []error
			for _, w := range worlds {
				if w.cache != nil {
					errs = append(errs, w.cache.HandleInvalidation(key))
				}
			}
			return errors.Join(errs...)
		})
		if err != nil {
			log.Fatalf("❌ Ошибка подписки на инвалидации: %v", err)
		}
	}

	service.Start(ctx)

	adminServer := api.NewServer(api.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Server.GetAdminPort()),
		Service:   service,
		Operators: operators,
		Registry:  m.Registry(),
	})
	go func() {
		if err := adminServer.Start(); err != nil {
			logging.Error("❌ Admin API остановлен: %v", err)
		}
	}()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🌐 Admin API: http://localhost:%d", cfg.Server.GetAdminPort())
	logging.Info("   📈 Метрики: http://localhost:%d/metrics", cfg.Server.GetMetricsPort())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("📡 Получен сигнал %v, завершение работы...", sig)

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки admin API: %v", err)
	}
	cancel()
	if err := service.Close(); err != nil {
		logging.Error("❌ Ошибка остановки координаторов: %v", err)
	}
	for _, w := range worlds {
		if w.cache != nil {
			if err := w.cache.Close(); err != nil {
				logging.Error("❌ Ошибка закрытия кеша: %v", err)
			}
		}
		if err := w.store.Close(); err != nil {
			logging.Error("❌ Ошибка закрытия хранилища: %v", err)
		}
	}
	if invalidator != nil {
		_ = invalidator.Close()
	}
	m.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки трассировки: %v", err)
	}

	logging.Info("👋 Сервер успешно остановлен")
	if err := logging.CloseComponents(); err != nil {
		logging.Error("❌ Ошибка закрытия логов компонентов: %v", err)
	}
}

// openWorld открывает хранилище мира, при необходимости генерирует стартовую
// область и собирает координатор.
func openWorld(ctx context.Context, cfg *config.Config, wc config.WorldConfig, encoder *packet.Encoder,
	invalidator *cache.NATSInvalidator, m *metrics.Metrics) (world, *xray.Handler, error) {
	layout, err := level.ParseLayout(wc.Layout)
	if err != nil {
		return world{}, nil, err
	}
	dim, err := level.ParseDimension(wc.Dimension)
	if err != nil {
		return world{}, nil, err
	}

	store, err := storage.Open(filepath.Join(cfg.Storage.Dir, wc.Name))
	if err != nil {
		return world{}, nil, err
	}
	w := world{store: store}

	if err := pregenerate(ctx, store, generator.New(wc.Seed, layout), wc.PregenRadius); err != nil {
		store.Close()
		return world{}, nil, err
	}

	analyzer, err := obfuscator.New(obfuscator.Options{
		Filters:       cfg.AntiXray.Filters,
		Ores:          cfg.AntiXray.Ores,
		Decoys:        cfg.AntiXray.Decoys,
		Replace:       cfg.AntiXray.Mode,
		Height:        cfg.AntiXray.Height,
		Dimension:     dim,
		FakeOverworld: cfg.AntiXray.FakeOverworld,
		FakeNether:    cfg.AntiXray.FakeNether,
	})
	if err != nil {
		store.Close()
		return world{}, nil, err
	}

	hcfg := xray.HandlerConfig{
		World:          wc.Name,
		Provider:       store,
		Assembler:      chunkbuf.NewAssembler(analyzer, chunkbuf.Options{Workers: cfg.AntiXray.Workers}),
		Metrics:        m,
		Workers:        cfg.AntiXray.Workers,
		TickInterval:   cfg.AntiXray.TickInterval,
		ComputeTimeout: cfg.AntiXray.ComputeTimeout,
	}

	if cfg.AntiXray.Cache {
		var remote cache.ChunkCache
		if cfg.Cache.Enabled {
			cacheCfg := cfg.Cache.CacheConfig
			// Инвалидации рассылает TieredCache, Redis только хранит записи
			rc, err := cache.NewRedisCache(&cacheCfg, wc.Name, nil)
			if err != nil {
				store.Close()
				return world{}, nil, err
			}
			remote = rc
		}
		w.cache = cache.NewTieredCache(wc.Name, remote)
		if invalidator != nil {
			w.cache.WithInvalidator(invalidator)
		}
		hcfg.Cache = w.cache
		hcfg.Encoder = encoder
	}

	h, err := xray.NewHandler(hcfg)
	if err != nil {
		if w.cache != nil {
			w.cache.Close()
		}
		store.Close()
		return world{}, nil, err
	}
	return w, h, nil
}

// pregenerate сохраняет в хранилище недостающие чанки квадрата радиуса r вокруг (0,0)
func pregenerate(ctx context.Context, store *storage.BadgerProvider, gen *generator.Generator, r int) error {
	generated := 0
	for x := -r; x <= r; x++ {
		for z := -r; z <= r; z++ {
			pos := level.ChunkPos{X: int32(x), Z: int32(z)}
			_, err := store.Chunk(ctx, pos)
			if err == nil {
				continue
			}
			if !errors.Is(err, level.ErrChunkNotFound) {
				return err
			}
			if _, err := store.Save(ctx, gen.Generate(pos)); err != nil {
				return err
			}
			generated++
		}
	}
	if generated > 0 {
		logging.Info("storage: сгенерировано %d чанков", generated)
	}
	return nil
}
