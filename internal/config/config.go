package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/annel0/antixray/internal/cache"
	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/observability"
	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервиса.
type Config struct {
	AntiXray    AntiXrayConfig       `yaml:"antixray"`
	Worlds      []WorldConfig        `yaml:"worlds"`
	Storage     StorageConfig        `yaml:"storage"`
	Cache       CacheConfig          `yaml:"cache"`
	Invalidator InvalidatorConfig    `yaml:"invalidator"`
	Server      ServerConfig         `yaml:"server"`
	Telemetry   observability.Config `yaml:"telemetry"`
	LogLevel    string               `yaml:"log_level"`
}

// AntiXrayConfig - параметры обфускации, общие для всех миров
type AntiXrayConfig struct {
	Height           int           `yaml:"height"`
	Mode             bool          `yaml:"mode"` // true - подменять все скрытые блоки
	Cache            bool          `yaml:"cache"`
	Ores             []int         `yaml:"ores"`
	Filters          []int         `yaml:"filters"`
	Decoys           []int         `yaml:"decoys"`
	FakeOverworld    int           `yaml:"fake_overworld"`
	FakeNether       int           `yaml:"fake_nether"`
	Workers          int           `yaml:"workers"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	ComputeTimeout   time.Duration `yaml:"compute_timeout"`
	CompressionLevel int           `yaml:"compression_level"`
}

// WorldConfig - мир, для которого запускается координатор
type WorldConfig struct {
	Name      string `yaml:"name"`
	Dimension string `yaml:"dimension"`
	Layout    string `yaml:"layout"`
	Seed      int64  `yaml:"seed"`
	// PregenRadius - радиус (в чанках) генерации вокруг (0,0) при пустом хранилище
	PregenRadius int `yaml:"pregen_radius"`
}

// StorageConfig - каталог BadgerDB
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// CacheConfig - общий Redis-уровень кеша
type CacheConfig struct {
	Enabled           bool `yaml:"enabled"`
	cache.CacheConfig `yaml:",inline"`
}

// InvalidatorConfig - рассылка инвалидаций через NATS
type InvalidatorConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	NodeID                  string `yaml:"node_id"`
	cache.InvalidatorConfig `yaml:",inline"`
}

type ServerConfig struct {
	AdminPort         int    `yaml:"admin_port"`
	MetricsPort       int    `yaml:"metrics_port"`
	JWTSecret         string `yaml:"jwt_secret"` // base64, не короче 32 байт
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"` // bcrypt
}

// GetAdminPort возвращает порт admin API с поддержкой fallback значений
func (s *ServerConfig) GetAdminPort() int {
	return getPortWithEnvFallback(s.AdminPort, "ANTIXRAY_ADMIN_PORT", 8088)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "ANTIXRAY_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		AntiXray: AntiXrayConfig{
			Height: 64,
			Mode:   false,
			Cache:  true,
			Ores:   []int{14, 15, 16, 21, 56, 73, 74, 129},
			// Непрозрачные блоки, за которыми ничего не видно
			Filters:          []int{1, 2, 3, 4, 7, 12, 13, 14, 15, 16, 21, 24, 48, 56, 73, 74, 87, 88, 112, 121, 129, 153},
			FakeOverworld:    1,
			FakeNether:       87,
			TickInterval:     50 * time.Millisecond,
			CompressionLevel: 7,
		},
		Worlds: []WorldConfig{
			{Name: "world", Dimension: "overworld", Layout: "anvil", Seed: 1, PregenRadius: 2},
		},
		Storage:  StorageConfig{Dir: "data"},
		LogLevel: "INFO",
	}
}

// Load читает YAML файл поверх Default.
// Если path == "", пытается прочитать из ENV ANTIXRAY_CONFIG; без файла возвращает Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("ANTIXRAY_CONFIG")
		if path == "" {
			return cfg, nil // конфиг не задан - использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(data); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	var errs []error
	ax := c.AntiXray

	if ax.Height < 0 || ax.Height > 255 {
		errs = append(errs, fmt.Errorf("antixray.height %d вне диапазона 0..255", ax.Height))
	}
	if ax.Workers < 0 {
		errs = append(errs, fmt.Errorf("antixray.workers не может быть отрицательным"))
	}
	if ax.CompressionLevel < -1 || ax.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf("antixray.compression_level %d вне диапазона -1..9", ax.CompressionLevel))
	}
	if ax.Mode && len(ax.Decoys) == 0 && len(ax.Ores) == 0 {
		errs = append(errs, errors.New("antixray.mode требует непустой список decoys или ores"))
	}
	for name, ids := range map[string][]int{"ores": ax.Ores, "filters": ax.Filters, "decoys": ax.Decoys} {
		for _, id := range ids {
			if id < 0 || id > 255 {
				errs = append(errs, fmt.Errorf("antixray.%s: id %d вне диапазона 0..255", name, id))
			}
		}
	}

	if len(c.Worlds) == 0 {
		errs = append(errs, errors.New("не задано ни одного мира"))
	}
	seen := make(map[string]bool, len(c.Worlds))
	for i, w := range c.Worlds {
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("worlds[%d]: пустое имя", i))
		}
		if seen[w.Name] {
			errs = append(errs, fmt.Errorf("worlds[%d]: мир %q повторяется", i, w.Name))
		}
		seen[w.Name] = true
		if _, err := level.ParseLayout(w.Layout); err != nil {
			errs = append(errs, fmt.Errorf("worlds[%d]: %w", i, err))
		}
		if _, err := level.ParseDimension(w.Dimension); err != nil {
			errs = append(errs, fmt.Errorf("worlds[%d]: %w", i, err))
		}
	}

	if c.Cache.Enabled && c.Cache.RedisURL == "" {
		errs = append(errs, errors.New("cache.redis_url обязателен при cache.enabled"))
	}
	if c.Invalidator.Enabled && c.Invalidator.NATSURL == "" {
		errs = append(errs, errors.New("invalidator.nats_url обязателен при invalidator.enabled"))
	}
	return errors.Join(errs...)
}
