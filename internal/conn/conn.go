// Package conn holds the engine's connectivity signal.
package conn

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Monitor tracks whether the remote is reachable and announces transitions
// on the bus and to registered callbacks.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	bus      *bus.Bus
	logger   *zap.Logger
	watchers []func(online bool)
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{online: online, bus: b, logger: logger}
}

// Source is anything that reports connectivity transitions.
type Source interface {
	Online() bool
	OnConnectivity(fn func(online bool))
}

// Follow mirrors src into m.
func (m *Monitor) Follow(src Source) {
	src.OnConnectivity(m.Set)
	m.Set(src.Online())
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn to run after every transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Set records the current state. Repeated values are ignored.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := append([]func(bool){}, m.watchers...)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	if m.bus != nil {
		kind := bus.ConnOffline
		if online {
			kind = bus.ConnOnline
		}
		m.bus.Emit(kind, online)
	}
	for _, fn := range fns {
		fn(online)
	}
}
