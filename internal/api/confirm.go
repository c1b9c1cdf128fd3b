package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
)

var (
	ErrNoQuestion    = errors.New("no question pending")
	ErrWrongQuestion = errors.New("question id does not match the pending question")
)

// Question is a yes/no prompt waiting for the operator.
type Question struct {
	ID      string    `json:"id"`
	Text    string    `json:"question"`
	AskedAt time.Time `json:"asked_at"`
}

// PromptConfirmer asks questions through the API. Only one question is
// pending at a time; unanswered questions are declined after the timeout.
type PromptConfirmer struct {
	timeout time.Duration
	bus     *events.Bus

	ask     sync.Mutex
	mu      sync.Mutex
	pending *Question
	answer  chan bool
}

func NewPromptConfirmer(timeout time.Duration, bus *events.Bus) *PromptConfirmer {
	return &PromptConfirmer{timeout: timeout, bus: bus}
}

// Confirm blocks until the operator answers, ctx ends or the timeout passes.
func (p *PromptConfirmer) Confirm(ctx context.Context, question string) bool {
	p.ask.Lock()
	defer p.ask.Unlock()

	q := &Question{ID: uuid.NewString(), Text: question, AskedAt: time.Now().UTC()}
	ch := make(chan bool, 1)

	p.mu.Lock()
	p.pending = q
	p.answer = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pending = nil
		p.answer = nil
		p.mu.Unlock()
	}()

	if p.bus != nil {
		if err := p.bus.Emit("warning", "run.confirm", question, map[string]interface{}{"question_id": q.ID}); err != nil {
			logging.Warn("event rejected", zap.Error(err))
		}
	}

	var timeout <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case yes := <-ch:
		return yes
	case <-ctx.Done():
		return false
	case <-timeout:
		logging.Warn("confirmation timed out", zap.String("question", question))
		return false
	}
}

// Pending returns the open question, or nil.
func (p *PromptConfirmer) Pending() *Question {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	q := *p.pending
	return &q
}

// Answer replies to the pending question. An empty id answers whatever is
// pending.
func (p *PromptConfirmer) Answer(id string, yes bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return ErrNoQuestion
	}
	if id != "" && id != p.pending.ID {
		return ErrWrongQuestion
	}
	select {
	case p.answer <- yes:
	default:
	}
	return nil
}

var _ servers.Confirmer = (*PromptConfirmer)(nil)
