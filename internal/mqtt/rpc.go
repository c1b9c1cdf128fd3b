package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

// ErrNotRegistered is returned for requests to a server with no known topics.
var ErrNotRegistered = errors.New("server not registered")

// Command is the request published on a server's command topic.
type Command struct {
	ID     string      `json:"id"`
	Action string      `json:"action"`
	Params interface{} `json:"params,omitempty"`
}

// Reply is a server's answer to one Command.
type Reply struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Requester correlates commands with replies by ID.
type Requester struct {
	transport Transport
	registry  *ServerRegistry
	timeout   time.Duration
	newID     func() string

	mu      sync.Mutex
	pending map[string]chan Reply
}

// NewRequester creates a Requester. timeout bounds every request in addition
// to the caller's deadline; zero leaves only the caller's.
func NewRequester(t Transport, registry *ServerRegistry, timeout time.Duration) *Requester {
	return &Requester{
		transport: t,
		registry:  registry,
		timeout:   timeout,
		newID:     uuid.NewString,
		pending:   make(map[string]chan Reply),
	}
}

// Request publishes action to serverID and waits for its reply.
func (r *Requester) Request(ctx context.Context, serverID, action string, params interface{}) (Reply, error) {
	topic := r.registry.CommandTopic(serverID)
	if topic == "" {
		return Reply{}, fmt.Errorf("%s: %w", serverID, ErrNotRegistered)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := Command{ID: r.newID(), Action: action, Params: params}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Reply{}, fmt.Errorf("encode %s: %w", action, err)
	}

	ch := make(chan Reply, 1)
	r.mu.Lock()
	r.pending[cmd.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, cmd.ID)
		r.mu.Unlock()
	}()

	if err := r.transport.Publish(topic, payload); err != nil {
		return Reply{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, &RequestTimeoutError{Server: serverID, Action: action}
		}
		return Reply{}, ctx.Err()
	}
}

// HandleReply delivers a reply to its waiting request. Late and unknown
// replies are dropped.
func (r *Requester) HandleReply(topic string, payload []byte) {
	var reply Reply
	if err := json.Unmarshal(payload, &reply); err != nil || reply.ID == "" {
		logging.Warn("mqtt: invalid reply", zap.String("topic", topic), zap.ByteString("payload", payload))
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[reply.ID]
	r.mu.Unlock()
	if !ok {
		logging.Debug("mqtt: reply without request", zap.String("topic", topic), zap.String("id", reply.ID))
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// Pending returns the number of requests awaiting a reply.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
