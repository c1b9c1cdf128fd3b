package mqtt

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

// ClockReport is one elapsed-time report a server publishes on the clock topic.
type ClockReport struct {
	ClockID   uint32  `json:"clock_id"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

// ClockFeed dispatches clock reports to the sources registered for their
// clock ID.
type ClockFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[uint32]map[int]func(time.Duration)
}

func NewClockFeed() *ClockFeed {
	return &ClockFeed{subs: make(map[uint32]map[int]func(time.Duration))}
}

// Register adds fn for clockID. The returned func removes it and may be
// called more than once.
func (f *ClockFeed) Register(clockID uint32, fn func(elapsed time.Duration)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	if f.subs[clockID] == nil {
		f.subs[clockID] = make(map[int]func(time.Duration))
	}
	f.subs[clockID][id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[clockID], id)
		if len(f.subs[clockID]) == 0 {
			delete(f.subs, clockID)
		}
	}
}

// HandleClock decodes a report and delivers it. Reports for clock IDs nobody
// listens to are dropped.
func (f *ClockFeed) HandleClock(topic string, payload []byte) {
	var r ClockReport
	if err := json.Unmarshal(payload, &r); err != nil {
		logging.Warn("mqtt: invalid clock report", zap.String("topic", topic), zap.Error(err))
		return
	}
	if r.ElapsedMS < 0 {
		return
	}
	f.Deliver(r.ClockID, time.Duration(r.ElapsedMS*float64(time.Millisecond)))
}

// Deliver calls every fn registered for clockID outside the lock.
func (f *ClockFeed) Deliver(clockID uint32, elapsed time.Duration) {
	f.mu.Lock()
	fns := make([]func(time.Duration), 0, len(f.subs[clockID]))
	for _, fn := range f.subs[clockID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(elapsed)
	}
}
