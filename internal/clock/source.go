// Package clock provides run timing sources and the coordinator that decides
// which source governs progress and completion.
package clock

import (
	"errors"
	"sync"
	"time"
)

// Priorities of the two sources. A higher priority supersedes a lower one.
const (
	PriorityLocal   = 0
	PriorityNetwork = 1
)

var (
	ErrNotArmed     = errors.New("clock source not armed")
	ErrSourceArmed  = errors.New("clock source already armed")
	ErrSourceClosed = errors.New("clock source aborted")
)

// Subscriber receives elapsed-time notifications from a source. It returns
// whether the notification was accepted.
type Subscriber interface {
	ReachedTime(elapsed time.Duration, priority int) bool
}

// Source is a single timing source.
type Source interface {
	AddSubscriber(sub Subscriber, priority int)
	Arm() error
	Start() error
	Elapsed() time.Duration
	Abort()
}

type subscription struct {
	sub      Subscriber
	priority int
}

// subscribers is the subscriber list shared by both source kinds.
type subscribers struct {
	mu   sync.Mutex
	list []subscription
}

func (s *subscribers) add(sub Subscriber, priority int) {
	s.mu.Lock()
	s.list = append(s.list, subscription{sub: sub, priority: priority})
	s.mu.Unlock()
}

func (s *subscribers) notify(elapsed time.Duration) {
	s.mu.Lock()
	list := append([]subscription(nil), s.list...)
	s.mu.Unlock()
	for _, sub := range list {
		sub.sub.ReachedTime(elapsed, sub.priority)
	}
}

// LocalSource ticks from the host clock at a fixed resolution.
type LocalSource struct {
	subscribers
	resolution time.Duration
	now        func() time.Time

	mu       sync.Mutex
	armed    bool
	started  bool
	aborted  bool
	start    time.Time
	stopped  time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLocalSource creates a local source. A non-positive resolution means 10ms.
func NewLocalSource(resolution time.Duration) *LocalSource {
	if resolution <= 0 {
		resolution = 10 * time.Millisecond
	}
	return &LocalSource{resolution: resolution, now: time.Now}
}

func (l *LocalSource) AddSubscriber(sub Subscriber, priority int) {
	l.add(sub, priority)
}

func (l *LocalSource) Arm() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return ErrSourceClosed
	}
	if l.armed {
		return ErrSourceArmed
	}
	l.armed = true
	l.stopCh = make(chan struct{})
	return nil
}

func (l *LocalSource) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.armed || l.aborted {
		return ErrNotArmed
	}
	if l.started {
		return nil
	}
	l.started = true
	l.start = l.now()

	l.wg.Add(1)
	go l.run(l.stopCh)
	return nil
}

func (l *LocalSource) run(stopCh chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			l.notify(l.Elapsed())
		}
	}
}

// Elapsed returns the time since Start, frozen once aborted.
func (l *LocalSource) Elapsed() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return 0
	}
	if l.aborted {
		return l.stopped.Sub(l.start)
	}
	return l.now().Sub(l.start)
}

// Abort stops ticking. It is safe to call more than once and before Start.
func (l *LocalSource) Abort() {
	l.mu.Lock()
	if !l.aborted {
		l.aborted = true
		l.stopped = l.now()
	}
	stopCh := l.stopCh
	l.mu.Unlock()

	if stopCh != nil {
		l.stopOnce.Do(func() { close(stopCh) })
	}
	l.wg.Wait()
}

// Feed delivers elapsed-time reports published by remote servers for a clock ID.
type Feed interface {
	Register(clockID uint32, fn func(elapsed time.Duration)) (unregister func())
}

// NetworkSource reports the elapsed time servers publish for one clock ID.
type NetworkSource struct {
	subscribers
	clockID uint32
	feed    Feed

	mu         sync.Mutex
	armed      bool
	started    bool
	aborted    bool
	elapsed    time.Duration
	unregister func()
}

func NewNetworkSource(clockID uint32, feed Feed) *NetworkSource {
	return &NetworkSource{clockID: clockID, feed: feed}
}

// ClockID returns the correlation ID this source listens for.
func (n *NetworkSource) ClockID() uint32 {
	return n.clockID
}

func (n *NetworkSource) AddSubscriber(sub Subscriber, priority int) {
	n.add(sub, priority)
}

// Arm registers with the feed. Reports that arrive before Start update
// Elapsed but are not forwarded to subscribers.
func (n *NetworkSource) Arm() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.aborted {
		return ErrSourceClosed
	}
	if n.armed {
		return ErrSourceArmed
	}
	n.armed = true
	if n.feed != nil {
		n.unregister = n.feed.Register(n.clockID, n.report)
	}
	return nil
}

func (n *NetworkSource) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.armed || n.aborted {
		return ErrNotArmed
	}
	n.started = true
	return nil
}

func (n *NetworkSource) report(elapsed time.Duration) {
	n.mu.Lock()
	if n.aborted {
		n.mu.Unlock()
		return
	}
	if elapsed > n.elapsed {
		n.elapsed = elapsed
	}
	forward := n.started
	n.mu.Unlock()

	if forward {
		n.notify(elapsed)
	}
}

func (n *NetworkSource) Elapsed() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.elapsed
}

// Abort unregisters from the feed. It is safe to call more than once.
func (n *NetworkSource) Abort() {
	n.mu.Lock()
	n.aborted = true
	unregister := n.unregister
	n.unregister = nil
	n.mu.Unlock()

	if unregister != nil {
		unregister()
	}
}
