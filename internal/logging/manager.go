package logging

import (
	"errors"
	"fmt"
	"sync"
)

// Компоненты с собственным логгером
const (
	ComponentHTTP  = "http"
	ComponentCache = "cache"
	ComponentQueue = "queue"
)

// Registry хранит логгеры компонентов.
// Пока файлы не включены (EnableFiles), компоненты пишут только в консоль:
// тесты и утилиты не оставляют за собой каталог logs.
type Registry struct {
	mu       sync.RWMutex
	loggers  map[string]*Logger
	files    bool
	level    LogLevel
	levelSet bool
}

// NewRegistry создаёт пустой реестр
func NewRegistry() *Registry {
	return &Registry{loggers: make(map[string]*Logger)}
}

var components = NewRegistry()

// EnableFiles переключает новые логгеры компонентов на запись в файл
func (r *Registry) EnableFiles() {
	r.mu.Lock()
	r.files = true
	r.mu.Unlock()
}

// Component возвращает логгер компонента, создавая его при первом обращении.
// Если файл открыть не удалось, компонент остаётся консольным.
func (r *Registry) Component(name string) *Logger {
	r.mu.RLock()
	l, ok := r.loggers[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loggers[name]; ok {
		return l
	}

	l = NewConsoleLogger(name, INFO)
	if r.files {
		fl, err := NewLogger(name)
		if err != nil {
			l.Warn("файл логов недоступен, только консоль: %v", err)
		} else {
			l = fl
		}
	}
	if r.levelSet {
		l.SetLevels(r.level, r.level)
	}
	r.loggers[name] = l
	return l
}

// SetLevel применяет уровень ко всем компонентам, в том числе будущим
func (r *Registry) SetLevel(level LogLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
	r.levelSet = true
	for _, l := range r.loggers {
		l.SetLevels(level, level)
	}
}

// Close закрывает файлы всех компонентов и очищает реестр
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, l := range r.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger %s: %w", name, err))
		}
	}
	r.loggers = make(map[string]*Logger)
	return errors.Join(errs...)
}

// Component - логгер компонента из глобального реестра
func Component(name string) *Logger {
	return components.Component(name)
}

func HTTP() *Logger  { return Component(ComponentHTTP) }
func Cache() *Logger { return Component(ComponentCache) }
func Queue() *Logger { return Component(ComponentQueue) }

// CloseComponents закрывает логгеры компонентов при остановке сервера
func CloseComponents() error {
	return components.Close()
}
