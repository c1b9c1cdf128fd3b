package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

var (
	// ErrAlreadyArmed means sources from a previous Arm are still held.
	ErrAlreadyArmed = errors.New("a clock source is already armed")
	// ErrAborted is returned by WaitForCompletion when the coordinator is aborted.
	ErrAborted = errors.New("clock coordinator aborted")
)

// Config tunes the coordinator.
type Config struct {
	// AlwaysUseNetworkClock skips the local source entirely.
	AlwaysUseNetworkClock bool
	LocalResolution       time.Duration
	// Grace is added to the duration when the local source governs completion,
	// allowing for skew before the network clock engages.
	Grace        time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LocalResolution <= 0 {
		c.LocalResolution = 10 * time.Millisecond
	}
	if c.Grace <= 0 {
		c.Grace = 200 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Coordinator arms a local and a network source for one iteration and
// arbitrates between their notifications. Once a priority is accepted, lower
// priorities are ignored until the next Arm.
type Coordinator struct {
	cfg        Config
	newLocal   func() Source
	newNetwork func(clockID uint32) Source

	mu         sync.Mutex
	local      Source
	network    Source
	armed      bool
	priority   int
	onProgress func(elapsed time.Duration, priority int)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSources overrides how sources are constructed.
func WithSources(local func() Source, network func(clockID uint32) Source) Option {
	return func(c *Coordinator) {
		if local != nil {
			c.newLocal = local
		}
		if network != nil {
			c.newNetwork = network
		}
	}
}

// NewCoordinator creates a coordinator whose network sources listen on feed.
func NewCoordinator(cfg Config, feed Feed, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{cfg: cfg}
	c.newLocal = func() Source { return NewLocalSource(cfg.LocalResolution) }
	c.newNetwork = func(id uint32) Source { return NewNetworkSource(id, feed) }
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnProgress sets the callback invoked for every accepted notification.
func (c *Coordinator) OnProgress(fn func(elapsed time.Duration, priority int)) {
	c.mu.Lock()
	c.onProgress = fn
	c.mu.Unlock()
}

// Arm creates and arms the sources for clockID and resets priority to 0.
func (c *Coordinator) Arm(clockID uint32) error {
	c.mu.Lock()
	if c.local != nil || c.network != nil {
		c.mu.Unlock()
		return ErrAlreadyArmed
	}

	var local Source
	if !c.cfg.AlwaysUseNetworkClock {
		local = c.newLocal()
		local.AddSubscriber(c, PriorityLocal)
	}
	network := c.newNetwork(clockID)
	network.AddSubscriber(c, PriorityNetwork)

	c.local = local
	c.network = network
	c.priority = PriorityLocal
	c.armed = true
	c.mu.Unlock()

	if local != nil {
		if err := local.Arm(); err != nil {
			c.Abort()
			return err
		}
	}
	if err := network.Arm(); err != nil {
		c.Abort()
		return err
	}

	logging.Debug("clock armed",
		zap.Uint32("clock_id", clockID),
		zap.Bool("local", local != nil))
	return nil
}

// Start starts the armed sources.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	local, network := c.local, c.network
	c.mu.Unlock()

	if network == nil {
		return ErrNotArmed
	}
	if local != nil {
		if err := local.Start(); err != nil {
			return err
		}
	}
	return network.Start()
}

// ReachedTime implements Subscriber. A notification is accepted only if its
// priority is at least the current one.
func (c *Coordinator) ReachedTime(elapsed time.Duration, priority int) bool {
	c.mu.Lock()
	if priority < c.priority {
		c.mu.Unlock()
		return false
	}
	if priority > c.priority {
		logging.Debug("clock priority escalated",
			zap.Int("from", c.priority),
			zap.Int("to", priority))
	}
	c.priority = priority
	fn := c.onProgress
	c.mu.Unlock()

	if fn != nil {
		fn(elapsed, priority)
	}
	return true
}

// Priority returns the currently governing priority.
func (c *Coordinator) Priority() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

// Elapsed returns the elapsed time of the governing source.
func (c *Coordinator) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.priority == PriorityLocal && c.local != nil {
		return c.local.Elapsed()
	}
	if c.network != nil {
		return c.network.Elapsed()
	}
	return 0
}

// IsComplete reports whether a run of the given duration has finished. The
// local source must reach Grace+duration; the network source only duration.
func (c *Coordinator) IsComplete(duration time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.priority == PriorityLocal {
		return c.local != nil && c.local.Elapsed() >= c.cfg.Grace+duration
	}
	return c.network != nil && c.network.Elapsed() >= duration
}

// WaitForCompletion polls IsComplete until it holds, ctx ends or the
// coordinator is aborted.
func (c *Coordinator) WaitForCompletion(ctx context.Context, duration time.Duration) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if c.IsComplete(duration) {
			return nil
		}
		if !c.Armed() {
			return ErrAborted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Armed reports whether sources are held.
func (c *Coordinator) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Abort stops and releases both sources so a later Arm can succeed. It is safe
// to call more than once and after completion.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	local, network := c.local, c.network
	c.local, c.network = nil, nil
	c.armed = false
	c.mu.Unlock()

	if local != nil {
		local.Abort()
	}
	if network != nil {
		network.Abort()
	}
}
