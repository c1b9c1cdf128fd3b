// Package arbiter enforces that at most one background looping run exists,
// that foreground runs wait for it to vacate, and that no background run
// starts while a foreground run holds the servers.
package arbiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

var (
	// ErrBackgroundActive is returned when registering while a background run exists.
	ErrBackgroundActive = errors.New("a background run is already active")
	// ErrForegroundActive is returned when a background run tries to register
	// while a foreground run holds the servers, or when a second foreground
	// run tries to acquire them.
	ErrForegroundActive = errors.New("a foreground run is active")
	// ErrForegroundCancelled is returned when the foreground caller gives up
	// before the background run vacates.
	ErrForegroundCancelled = errors.New("foreground run cancelled while waiting for background run")
)

// DefaultPollInterval is how often a waiting foreground run checks the slot.
const DefaultPollInterval = 50 * time.Millisecond

// Background is a looping run that can be asked to stop after its current iteration.
type Background interface {
	AbortAfterCurrent()
	ID() string
}

// Arbiter holds the single background run slot.
type Arbiter struct {
	pollInterval time.Duration

	mu         sync.Mutex
	current    Background
	foreground string
	onChange   []func(active Background)
}

// New creates an arbiter. A non-positive poll interval means DefaultPollInterval.
func New(pollInterval time.Duration) *Arbiter {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Arbiter{pollInterval: pollInterval}
}

// OnChange registers fn to be called whenever the slot is filled or cleared.
// fn receives the new occupant, or nil.
func (a *Arbiter) OnChange(fn func(active Background)) {
	a.mu.Lock()
	a.onChange = append(a.onChange, fn)
	a.mu.Unlock()
}

func (a *Arbiter) notify(b Background) {
	a.mu.Lock()
	fns := append([]func(Background){}, a.onChange...)
	a.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

// RegisterBackground claims the slot for b. It fails while a foreground run
// holds the servers.
func (a *Arbiter) RegisterBackground(b Background) error {
	a.mu.Lock()
	if a.foreground != "" {
		a.mu.Unlock()
		return ErrForegroundActive
	}
	if a.current != nil {
		a.mu.Unlock()
		return ErrBackgroundActive
	}
	a.current = b
	a.mu.Unlock()

	logging.Info("background run registered", zap.String("run_id", b.ID()))
	a.notify(b)
	return nil
}

// ReleaseBackground clears the slot if b holds it.
func (a *Arbiter) ReleaseBackground(b Background) {
	a.mu.Lock()
	if a.current == nil || a.current != b {
		a.mu.Unlock()
		return
	}
	a.current = nil
	a.mu.Unlock()

	logging.Info("background run released", zap.String("run_id", b.ID()))
	a.notify(nil)
}

// Active reports whether a background run holds the slot.
func (a *Arbiter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// Current returns the background run holding the slot, or nil.
func (a *Arbiter) Current() Background {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// ForegroundActive reports whether a foreground run holds the servers.
func (a *Arbiter) ForegroundActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.foreground != ""
}

// AcquireForeground claims the servers for the foreground run id. If a
// background run holds the slot, it is asked to stop after its current
// iteration, onWait is called once, and the call waits until the slot clears
// or ctx ends. The slot check and the claim happen under one lock, so a
// background run cannot register in between. Cancellation leaves the
// background run untouched apart from the stop request.
func (a *Arbiter) AcquireForeground(ctx context.Context, id string, onWait func()) error {
	var ticker *time.Ticker
	asked := false
	for {
		a.mu.Lock()
		if a.foreground != "" && a.foreground != id {
			a.mu.Unlock()
			return ErrForegroundActive
		}
		bg := a.current
		if bg == nil {
			a.foreground = id
			a.mu.Unlock()
			if ticker != nil {
				ticker.Stop()
			}
			return nil
		}
		a.mu.Unlock()

		if !asked {
			asked = true
			bg.AbortAfterCurrent()
			if onWait != nil {
				onWait()
			}
			ticker = time.NewTicker(a.pollInterval)
		}
		select {
		case <-ctx.Done():
			ticker.Stop()
			return ErrForegroundCancelled
		case <-ticker.C:
		}
	}
}

// ReleaseForeground gives up the servers if id holds them.
func (a *Arbiter) ReleaseForeground(id string) {
	a.mu.Lock()
	if a.foreground == id {
		a.foreground = ""
	}
	a.mu.Unlock()
}
