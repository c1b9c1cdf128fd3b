package mqtt

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/AaronLay10/SentientSequencer/internal/events"
)

// memBroker is an in-memory Transport with MQTT wildcard matching. Messages
// are delivered synchronously on the publishing goroutine.
type memBroker struct {
	mu        sync.Mutex
	subs      []memSub
	published []memMessage
	failPub   error
}

type memSub struct {
	filter  string
	handler Handler
}

type memMessage struct {
	topic   string
	payload []byte
}

func newMemBroker() *memBroker {
	return &memBroker{}
}

func (b *memBroker) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.failPub != nil {
		err := b.failPub
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, memMessage{topic: topic, payload: append([]byte(nil), payload...)})
	var handlers []Handler
	for _, s := range b.subs {
		if topicMatches(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

func (b *memBroker) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memSub{filter: topic, handler: handler})
	return nil
}

func (b *memBroker) IsConnected() bool { return true }

func (b *memBroker) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *memBroker) messages(topic string) []memMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []memMessage
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// fakeServer answers commands on its command topic. Actions missing from
// statuses reply Success; actions in silent get no reply.
type fakeServer struct {
	id     string
	broker *memBroker
	topics Topics

	mu       sync.Mutex
	statuses map[string]string
	errors   map[string]string
	silent   map[string]bool
	received []Command
}

func newFakeServer(b *memBroker, t Topics, id string) *fakeServer {
	s := &fakeServer{
		id:       id,
		broker:   b,
		topics:   t,
		statuses: make(map[string]string),
		errors:   make(map[string]string),
		silent:   make(map[string]bool),
	}
	_ = b.Subscribe(t.Command(id), s.handle)
	return s
}

func (s *fakeServer) handle(_ string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return
	}
	s.mu.Lock()
	s.received = append(s.received, cmd)
	silent := s.silent[cmd.Action]
	status, ok := s.statuses[cmd.Action]
	if !ok {
		status = "Success"
	}
	errMsg := s.errors[cmd.Action]
	s.mu.Unlock()

	if silent {
		return
	}
	b, _ := json.Marshal(Reply{ID: cmd.ID, Status: status, Error: errMsg})
	_ = s.broker.Publish(s.topics.Reply(s.id), b)
}

func (s *fakeServer) commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.received...)
}

// registrationJSON builds a v1 registration payload.
func registrationJSON(id string, heartbeatSec int, caps ...string) []byte {
	b, _ := json.Marshal(RegistrationPayload{
		Version: 1,
		Server: ServerInfo{
			ID:           id,
			Name:         id + " server",
			Firmware:     "2.1.0",
			HeartbeatSec: heartbeatSec,
			Capabilities: caps,
		},
	})
	return b
}

// station wires a broker, registry, monitor, requester, feed and subscriber
// the way the sequencer does.
type station struct {
	broker     *memBroker
	topics     Topics
	registry   *ServerRegistry
	monitor    *Monitor
	requester  *Requester
	feed       *ClockFeed
	subscriber *Subscriber
	gateway    *Gateway
	bus        *events.Bus
}

func newStation(specs map[string]ServerSpec, timeout time.Duration) *station {
	s := &station{
		broker: newMemBroker(),
		topics: Topics{Prefix: "lab"},
		bus:    events.NewBus(),
	}
	s.registry = NewServerRegistry(s.topics)
	s.monitor = NewMonitor(specs, s.registry, s.bus, time.Second)
	s.requester = NewRequester(s.broker, s.registry, timeout)
	s.feed = NewClockFeed()
	s.subscriber = NewSubscriber(s.broker, s.topics, s.monitor, s.requester, s.feed)
	s.gateway = NewGateway(s.requester, s.monitor, s.bus)
	_ = s.subscriber.SubscribeAll()
	return s
}

// connect registers a fake server through the broker.
func (s *station) connect(id string) *fakeServer {
	srv := newFakeServer(s.broker, s.topics, id)
	_ = s.broker.Publish(s.topics.Register(), registrationJSON(id, 1))
	return srv
}

func eventNames(bus *events.Bus) []string {
	var out []string
	for _, e := range bus.Snapshot() {
		out = append(out, e.Name)
	}
	return out
}

func countEvents(bus *events.Bus, name string) int {
	n := 0
	for _, e := range bus.Snapshot() {
		if e.Name == name {
			n++
		}
	}
	return n
}
