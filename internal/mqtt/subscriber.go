package mqtt

import (
	"sync"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

// Subscriber routes the station topics to the monitor, requester and clock
// feed. Subscriptions are idempotent across reconnects.
type Subscriber struct {
	mu         sync.RWMutex
	transport  Transport
	topics     Topics
	monitor    *Monitor
	requester  *Requester
	feed       *ClockFeed
	subscribed map[string]bool
}

func NewSubscriber(t Transport, topics Topics, monitor *Monitor, requester *Requester, feed *ClockFeed) *Subscriber {
	return &Subscriber{
		transport:  t,
		topics:     topics,
		monitor:    monitor,
		requester:  requester,
		feed:       feed,
		subscribed: make(map[string]bool),
	}
}

// SubscribeAll subscribes to registration, heartbeat, reply and clock topics.
// It returns the first error but attempts every topic.
func (s *Subscriber) SubscribeAll() error {
	routes := []struct {
		topic   string
		handler Handler
	}{
		{s.topics.Register(), s.handleRegister},
		{s.topics.HeartbeatFilter(), s.handleHeartbeat},
		{s.topics.ReplyFilter(), s.requester.HandleReply},
		{s.topics.Clock(), s.feed.HandleClock},
	}

	var first error
	for _, r := range routes {
		if err := s.subscribe(r.topic, r.handler); err != nil {
			logging.Error("mqtt subscribe failed", zap.String("topic", r.topic), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Subscriber) subscribe(topic string, handler Handler) error {
	s.mu.RLock()
	done := s.subscribed[topic]
	s.mu.RUnlock()
	if done {
		return nil
	}

	if err := s.transport.Subscribe(topic, handler); err != nil {
		return err
	}

	s.mu.Lock()
	s.subscribed[topic] = true
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) handleRegister(topic string, payload []byte) {
	reg, err := ParseRegistration(payload)
	if err != nil {
		logging.Warn("mqtt: rejected registration", zap.String("topic", topic), zap.Error(err))
		return
	}
	res := s.monitor.HandleRegistration(reg)
	if !res.Valid {
		logging.Warn("mqtt: invalid registration",
			zap.String("server_id", reg.Server.ID),
			zap.Strings("errors", res.Errors))
	}
}

func (s *Subscriber) handleHeartbeat(topic string, _ []byte) {
	id, ok := s.topics.ServerID(topic)
	if !ok {
		return
	}
	if !s.monitor.HandleHeartbeat(id) {
		logging.Debug("mqtt: heartbeat from unregistered server", zap.String("server_id", id))
	}
}

func (s *Subscriber) IsSubscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed[topic]
}

// SubscribedTopics returns all subscribed topics.
func (s *Subscriber) SubscribedTopics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.subscribed))
	for topic := range s.subscribed {
		topics = append(topics, topic)
	}
	return topics
}

// ClearSubscriptions forgets subscriptions so they are renewed on reconnect.
func (s *Subscriber) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = make(map[string]bool)
}
