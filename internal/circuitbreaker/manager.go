package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager hands out one breaker per name, all sharing a template config.
// Sessions use the actor id as the name so one actor's failing source does
// not trip another's.
type Manager struct {
	template Config
	logger   *logrus.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewManager(template Config, logger *logrus.Logger) *Manager {
	return &Manager{
		template: template,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (m *Manager) GetOrCreate(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cfg := m.template
	cfg.Name = name
	cb = New(cfg, m.logger)
	m.breakers[name] = cb

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    cb.cfg.MaxFailures,
		"cooldown":        cb.cfg.Cooldown.String(),
	}).Debug("Circuit breaker created")
	return cb
}

func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// Remove forgets the named breaker. It reports whether one existed.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.breakers[name]
	delete(m.breakers, name)
	return ok
}

// Release forgets the named breaker only while cb is still the one
// registered under name.
func (m *Manager) Release(name string, cb *CircuitBreaker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.breakers[name]; !ok || cur != cb {
		return false
	}
	delete(m.breakers, name)
	return true
}

// Snapshots returns every breaker's counters sorted by name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
	m.logger.Info("All circuit breakers reset")
}
