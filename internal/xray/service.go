package xray

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Service держит координаторы всех миров процесса
type Service struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
	wg       sync.WaitGroup
}

// NewService создаёт пустой реестр
func NewService() *Service {
	return &Service{handlers: make(map[string]*Handler)}
}

// Register добавляет координатор мира
func (s *Service) Register(h *Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[h.World()]; exists {
		return fmt.Errorf("xray: world %q already registered", h.World())
	}
	s.handlers[h.World()] = h
	return nil
}

// Handler возвращает координатор мира
func (s *Service) Handler(world string) (*Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[world]
	return h, ok
}

// Worlds возвращает имена миров по алфавиту
func (s *Service) Worlds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats собирает состояние очередей всех миров
func (s *Service) Stats() []Stats {
	worlds := s.Worlds()
	stats := make([]Stats, 0, len(worlds))
	for _, w := range worlds {
		if h, ok := s.Handler(w); ok {
			stats = append(stats, h.Stats())
		}
	}
	return stats
}

// Start запускает драйверы всех миров
func (s *Service) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.handlers {
		s.wg.Add(1)
		go func(h *Handler) {
			defer s.wg.Done()
			h.Run(ctx)
		}(h)
	}
}

// Close останавливает все миры
func (s *Service) Close() error {
	s.mu.RLock()
	var errs []error
	for _, h := range s.handlers {
		errs = append(errs, h.Close())
	}
	s.mu.RUnlock()
	s.wg.Wait()
	return errors.Join(errs...)
}
