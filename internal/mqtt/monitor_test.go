package mqtt

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/events"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(specs map[string]ServerSpec) (*Monitor, *manualClock, *events.Bus) {
	bus := events.NewBus()
	clk := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(specs, NewServerRegistry(Topics{Prefix: "lab"}), bus, 500*time.Millisecond)
	m.now = clk.Now
	return m, clk, bus
}

func mustParse(t *testing.T, b []byte) *RegistrationPayload {
	t.Helper()
	p, err := ParseRegistration(b)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMonitorRegistrationConnects(t *testing.T) {
	m, _, bus := newTestMonitor(map[string]ServerSpec{"rack-a": {Required: true}})

	res := m.HandleRegistration(mustParse(t, registrationJSON("rack-a", 2)))
	if !res.Valid {
		t.Fatalf("registration invalid: %v", res.Errors)
	}
	if got := m.ConnectedServers(); !reflect.DeepEqual(got, []string{"rack-a"}) {
		t.Errorf("ConnectedServers = %v", got)
	}
	if got := m.UnconnectedRequired(); len(got) != 0 {
		t.Errorf("UnconnectedRequired = %v", got)
	}
	if !m.registry.Exists("rack-a") {
		t.Error("registration should populate the registry")
	}
	if countEvents(bus, "server.connected") != 1 {
		t.Errorf("events = %v", eventNames(bus))
	}
}

func TestMonitorInvalidRegistration(t *testing.T) {
	m, _, bus := newTestMonitor(map[string]ServerSpec{"rack-a": {Capabilities: []string{"gpib"}}})

	res := m.HandleRegistration(mustParse(t, registrationJSON("rack-a", 2)))
	if res.Valid {
		t.Fatal("expected invalid registration")
	}
	if len(m.ConnectedServers()) != 0 {
		t.Error("invalid registration must not connect")
	}
	if countEvents(bus, "server.error") != 1 {
		t.Errorf("events = %v", eventNames(bus))
	}
}

func TestMonitorHeartbeatTimeout(t *testing.T) {
	m, clk, bus := newTestMonitor(map[string]ServerSpec{"rack-a": {Required: true}})
	var counts []int
	m.OnChange(func(n int) { counts = append(counts, n) })

	m.HandleRegistration(mustParse(t, registrationJSON("rack-a", 2)))

	clk.Advance(2 * time.Second)
	m.checkHealth()
	if len(m.ConnectedServers()) != 1 {
		t.Fatal("server dropped inside its heartbeat window")
	}

	clk.Advance(time.Second)
	m.checkHealth()
	if len(m.ConnectedServers()) != 0 {
		t.Fatal("server should be disconnected after heartbeat + tolerance")
	}
	if got := m.UnconnectedRequired(); !reflect.DeepEqual(got, []string{"rack-a"}) {
		t.Errorf("UnconnectedRequired = %v", got)
	}
	if countEvents(bus, "server.disconnected") != 1 {
		t.Errorf("events = %v", eventNames(bus))
	}

	// A second check must not report the same server twice.
	m.checkHealth()
	if countEvents(bus, "server.disconnected") != 1 {
		t.Error("disconnect reported twice")
	}

	if !m.HandleHeartbeat("rack-a") {
		t.Fatal("heartbeat from registered server rejected")
	}
	if len(m.ConnectedServers()) != 1 {
		t.Error("heartbeat should reconnect")
	}
	if want := []int{1, 0, 1}; !reflect.DeepEqual(counts, want) {
		t.Errorf("OnChange counts = %v, want %v", counts, want)
	}
}

func TestMonitorHeartbeatRefreshes(t *testing.T) {
	m, clk, _ := newTestMonitor(nil)
	m.HandleRegistration(mustParse(t, registrationJSON("rack-a", 1)))

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		m.HandleHeartbeat("rack-a")
		m.checkHealth()
	}
	if len(m.ConnectedServers()) != 1 {
		t.Error("regular heartbeats should keep the server connected")
	}
	if state := m.State("rack-a"); state == nil || !state.Connected {
		t.Errorf("State = %+v", state)
	}
}

func TestMonitorIgnoresUnregisteredHeartbeat(t *testing.T) {
	m, _, _ := newTestMonitor(nil)
	if m.HandleHeartbeat("ghost") {
		t.Error("heartbeat from unknown server accepted")
	}
	if m.State("ghost") != nil {
		t.Error("unknown server gained state")
	}
}

func TestMonitorUnconnectedRequiredSorted(t *testing.T) {
	m, _, _ := newTestMonitor(map[string]ServerSpec{
		"rack-c": {Required: true},
		"rack-a": {Required: true},
		"rack-b": {Required: false},
	})
	if got := m.UnconnectedRequired(); !reflect.DeepEqual(got, []string{"rack-a", "rack-c"}) {
		t.Errorf("UnconnectedRequired = %v", got)
	}
}

func TestMonitorStartStop(t *testing.T) {
	m, _, _ := newTestMonitor(nil)
	m.Start(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	m.Stop()
}
