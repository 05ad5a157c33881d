package guard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor polls a Network and notifies subscribers on connectivity changes.
// The sync service subscribes to trigger a sweep when the network comes back.
type Monitor struct {
	network  Network
	interval time.Duration

	mu          sync.Mutex
	subscribers map[int]func(NetworkStatus)
	nextId      int
	last        *NetworkStatus
}

func NewMonitor(network Network, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		network:     network,
		interval:    interval,
		subscribers: make(map[int]func(NetworkStatus)),
	}
}

// Subscribe registers a change callback and returns an unsubscribe func.
func (m *Monitor) Subscribe(fn func(NetworkStatus)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextId
	m.nextId++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	status := m.network.Status(ctx)

	m.mu.Lock()
	// The first poll only seeds the baseline; subscribers hear transitions.
	changed := m.last != nil && m.last.Connected != status.Connected
	m.last = &status
	var callbacks []func(NetworkStatus)
	if changed {
		for _, fn := range m.subscribers {
			callbacks = append(callbacks, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	zerolog.Ctx(ctx).Info().Bool("connected", status.Connected).Str("type", status.Type).Msg("network status changed")
	for _, fn := range callbacks {
		fn(status)
	}
}
