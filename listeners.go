package oort

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type registration[L any] struct {
	id       uint64
	listener L
}

// listenerSet is a copy-on-write list of listeners. Notifications iterate a
// stable copy, so listeners may unsubscribe while being notified.
type listenerSet[L any] struct {
	mu    sync.RWMutex
	seq   uint64
	items []registration[L]
}

func (s *listenerSet[L]) add(listener L) func() {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.items = append(slices.Clone(s.items), registration[L]{id: id, listener: listener})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.items = slices.DeleteFunc(slices.Clone(s.items), func(r registration[L]) bool {
				return r.id == id
			})
			s.mu.Unlock()
		})
	}
}

func (s *listenerSet[L]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// each invokes fn for every listener. A panicking listener is logged and
// counted; the remaining listeners still run and the panic does not reach
// the caller.
func (s *listenerSet[L]) each(logger *slog.Logger, object string, fn func(L)) {
	s.mu.RLock()
	items := s.items
	s.mu.RUnlock()
	for _, item := range items {
		invokeListener(logger, object, item.listener, fn)
	}
}

func invokeListener[L any](logger *slog.Logger, object string, listener L, fn func(L)) {
	defer func() {
		if r := recover(); r != nil {
			listenerPanics.WithLabelValues(object).Inc()
			logger.Error("listener panicked",
				"listener", fmt.Sprintf("%T", listener),
				"panic", r,
			)
		}
	}()
	fn(listener)
}
