package mqtt

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

const defaultHeartbeat = time.Second

// ServerState tracks a registered server's health.
type ServerState struct {
	ServerID     string
	LastSeen     time.Time
	HeartbeatSec int
	Connected    bool
}

// Monitor tracks server registration and heartbeats.
type Monitor struct {
	mu        sync.RWMutex
	servers   map[string]*ServerState
	specs     map[string]ServerSpec
	registry  *ServerRegistry
	bus       *events.Bus
	tolerance time.Duration
	now       func() time.Time
	onChange  []func(connected int)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a server monitor. A server is disconnected once no
// heartbeat arrives within its heartbeat interval plus tolerance.
func NewMonitor(specs map[string]ServerSpec, registry *ServerRegistry, bus *events.Bus, tolerance time.Duration) *Monitor {
	if tolerance <= 0 {
		tolerance = 3 * time.Second
	}
	return &Monitor{
		servers:   make(map[string]*ServerState),
		specs:     specs,
		registry:  registry,
		bus:       bus,
		tolerance: tolerance,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// OnChange registers fn to receive the connected server count after every
// connect or disconnect.
func (m *Monitor) OnChange(fn func(connected int)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// HandleRegistration validates and records a registration.
func (m *Monitor) HandleRegistration(payload *RegistrationPayload) *ValidationResult {
	result := ValidateRegistration(payload, m.specs)
	id := payload.Server.ID

	if !result.Valid {
		m.emit("error", "server.error", "registration validation failed", map[string]interface{}{
			"server_id": id,
			"errors":    result.Errors,
		})
		return result
	}
	for _, w := range result.Warnings {
		logging.Warn("server registration", zap.String("server_id", id), zap.String("warning", w))
	}

	m.registry.RegisterFromPayload(payload)

	m.mu.Lock()
	existing, known := m.servers[id]
	reconnect := known && !existing.Connected
	m.servers[id] = &ServerState{
		ServerID:     id,
		LastSeen:     m.now(),
		HeartbeatSec: payload.Server.HeartbeatSec,
		Connected:    true,
	}
	n, hooks := m.connectedLocked(), m.onChange
	m.mu.Unlock()

	m.emit("info", "server.connected", "", map[string]interface{}{
		"server_id": id,
		"name":      payload.Server.Name,
		"firmware":  payload.Server.Firmware,
		"reconnect": reconnect,
	})
	notify(hooks, n)
	return result
}

// HandleHeartbeat refreshes a registered server. Heartbeats from servers that
// never registered are ignored.
func (m *Monitor) HandleHeartbeat(serverID string) bool {
	m.mu.Lock()
	state, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	state.LastSeen = m.now()
	reconnected := !state.Connected
	state.Connected = true
	n, hooks := m.connectedLocked(), m.onChange
	m.mu.Unlock()

	if reconnected {
		m.emit("info", "server.connected", "heartbeat resumed", map[string]interface{}{
			"server_id": serverID,
			"reconnect": true,
		})
		notify(hooks, n)
	}
	return true
}

// Start begins the background health check loop.
func (m *Monitor) Start(checkInterval time.Duration) {
	m.wg.Add(1)
	go m.healthCheckLoop(checkInterval)
}

// Stop stops the background health check loop. It is safe to call twice.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) healthCheckLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Monitor) checkHealth() {
	type lost struct {
		id       string
		lastSeen time.Time
		timeout  time.Duration
	}

	m.mu.Lock()
	now := m.now()
	var dropped []lost
	for id, state := range m.servers {
		if !state.Connected {
			continue
		}
		timeout := m.timeout(state)
		if now.Sub(state.LastSeen) > timeout {
			state.Connected = false
			dropped = append(dropped, lost{id: id, lastSeen: state.LastSeen, timeout: timeout})
		}
	}
	n, hooks := m.connectedLocked(), m.onChange
	m.mu.Unlock()

	for _, d := range dropped {
		m.emit("warning", "server.disconnected", "heartbeat timeout", map[string]interface{}{
			"server_id":   d.id,
			"last_seen":   d.lastSeen.Format(time.RFC3339),
			"timeout_sec": d.timeout.Seconds(),
		})
	}
	if len(dropped) > 0 {
		notify(hooks, n)
	}
}

func (m *Monitor) timeout(state *ServerState) time.Duration {
	hb := time.Duration(state.HeartbeatSec) * time.Second
	if hb <= 0 {
		hb = defaultHeartbeat
	}
	return hb + m.tolerance
}

// State returns a copy of a server's state, or nil.
func (m *Monitor) State(serverID string) *ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, ok := m.servers[serverID]; ok {
		cpy := *state
		return &cpy
	}
	return nil
}

// ConnectedServers returns the connected server IDs in order.
func (m *Monitor) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, state := range m.servers {
		if state.Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// UnconnectedRequired returns the required servers that are not connected,
// in order.
func (m *Monitor) UnconnectedRequired() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, spec := range m.specs {
		if !spec.Required {
			continue
		}
		if state, ok := m.servers[id]; !ok || !state.Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Monitor) connectedLocked() int {
	n := 0
	for _, state := range m.servers {
		if state.Connected {
			n++
		}
	}
	return n
}

func (m *Monitor) emit(level, name, msg string, fields map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Emit(level, name, msg, fields); err != nil {
		logging.Warn("event rejected", zap.String("event", name), zap.Error(err))
	}
}

func notify(hooks []func(int), n int) {
	for _, fn := range hooks {
		fn(n)
	}
}
