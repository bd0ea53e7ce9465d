// Package metrics содержит Prometheus-метрики анти-xray сервиса.
//
// Каждый экземпляр Metrics владеет собственным регистром, поэтому
// тесты и несколько миров в одном процессе не конфликтуют при регистрации.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/annel0/antixray/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

const namespace = "antixray"

// Результаты поиска в кеше
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
	ResultError = "error"
)

// Metrics - набор счётчиков очереди, кеша и процесса
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	computations *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	computeTime  *prometheus.HistogramVec
	payloadSize  *prometheus.HistogramVec
	replaced     *prometheus.CounterVec
	degraded     *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	pending      *prometheus.GaugeVec
	inflight     *prometheus.GaugeVec

	processCPU        prometheus.Gauge
	processRSS        prometheus.Gauge
	processGoroutines prometheus.Gauge

	proc *process.Process

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	server   *http.Server
}

// New создаёт метрики и регистрирует их в собственном регистре
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_requests_total",
			Help:      "Запросы чанков от наблюдателей.",
		}, []string{"world"}),
		computations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "computations_total",
			Help:      "Завершённые вычисления чанков по результату.",
		}, []string{"world", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Обращения к кешу по уровню и результату.",
		}, []string{"world", "tier", "result"}),
		computeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Длительность обработки одного чанка.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"world"}),
		payloadSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Размер отправляемого буфера чанка.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 10),
		}, []string{"world"}),
		replaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_replaced_total",
			Help:      "Скрытых блоков, подменённых приманкой.",
		}, []string{"world"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sections_degraded_total",
			Help:      "Секций, отправленных без обработки из-за ошибки извлечения.",
		}, []string{"world"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Доставки чанков наблюдателям.",
		}, []string{"world"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_chunks",
			Help:      "Координаты, ожидающие обработки.",
		}, []string{"world"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_chunks",
			Help:      "Чанки, вычисляемые в данный момент.",
		}, []string{"world"}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "Загрузка CPU процессом.",
		}),
		processRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Резидентная память процесса.",
		}),
		processGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_goroutines",
			Help:      "Число горутин.",
		}),
	}

	m.registry.MustRegister(
		m.requests, m.computations, m.cacheLookups, m.computeTime, m.payloadSize,
		m.replaced, m.degraded, m.delivered, m.pending, m.inflight,
		m.processCPU, m.processRSS, m.processGoroutines,
	)

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	} else {
		logging.Warn("metrics: gopsutil недоступен, метрики процесса отключены: %v", err)
	}
	return m
}

// Registry возвращает регистр (для дополнительных коллекторов и тестов)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler возвращает HTTP-обработчик /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ChunkRequested учитывает запрос наблюдателя
func (m *Metrics) ChunkRequested(world string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(world).Inc()
}

// CacheLookup учитывает обращение к уровню кеша ("l1"/"l2")
func (m *Metrics) CacheLookup(world, tier, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(world, tier, result).Inc()
}

// ComputationFinished учитывает завершённое вычисление
func (m *Metrics) ComputationFinished(world string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.computations.WithLabelValues(world, result).Inc()
	m.computeTime.WithLabelValues(world).Observe(d.Seconds())
}

// ChunkAssembled учитывает статистику сборки буфера
func (m *Metrics) ChunkAssembled(world string, size, replaced, degraded int) {
	if m == nil {
		return
	}
	m.payloadSize.WithLabelValues(world).Observe(float64(size))
	m.replaced.WithLabelValues(world).Add(float64(replaced))
	if degraded > 0 {
		m.degraded.WithLabelValues(world).Add(float64(degraded))
	}
}

// Delivered учитывает отправку чанка n наблюдателям
func (m *Metrics) Delivered(world string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.WithLabelValues(world).Add(float64(n))
}

// QueueDepth обновляет размеры очереди мира
func (m *Metrics) QueueDepth(world string, pending, inflight int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(world).Set(float64(pending))
	m.inflight.WithLabelValues(world).Set(float64(inflight))
}

// StartHTTP запускает HTTP-эндпоинт /metrics на addr (например, ":2112")
// и периодическое обновление метрик процесса. Метод неблокирующий.
func (m *Metrics) StartHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logging.Info("📈 Prometheus /metrics доступен по адресу %s", addr)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Ошибка Prometheus HTTP сервера: %v", err)
		}
	}()
	m.StartCollector(time.Second)
}

// StartCollector периодически обновляет метрики процесса
func (m *Metrics) StartCollector(interval time.Duration) {
	go m.loop(interval)
}

// Stop останавливает обновление метрик и HTTP-сервер
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		if m.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.server.Shutdown(ctx)
		}
	})
}

func (m *Metrics) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(m.done)

	for {
		select {
		case <-ticker.C:
			m.CollectProcess()
		case <-m.quit:
			return
		}
	}
}

// CollectProcess снимает метрики процесса через gopsutil
func (m *Metrics) CollectProcess() {
	m.processGoroutines.Set(float64(runtime.NumGoroutine()))
	if m.proc == nil {
		return
	}
	if cpu, err := m.proc.CPUPercent(); err == nil {
		m.processCPU.Set(cpu)
	}
	if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
		m.processRSS.Set(float64(mem.RSS))
	}
}
