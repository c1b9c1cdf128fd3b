package mqtt

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AaronLay10/SentientSequencer/internal/events"
	"github.com/AaronLay10/SentientSequencer/internal/logging"
	"github.com/AaronLay10/SentientSequencer/internal/sequence"
	"github.com/AaronLay10/SentientSequencer/internal/servers"
)

// Gateway issues protocol actions to every connected server over MQTT.
type Gateway struct {
	requester *Requester
	monitor   *Monitor
	bus       *events.Bus

	// AllowEmpty makes actions succeed when no server is connected, for
	// stations that run on the local clock alone.
	AllowEmpty bool
}

func NewGateway(requester *Requester, monitor *Monitor, bus *events.Bus) *Gateway {
	return &Gateway{requester: requester, monitor: monitor, bus: bus}
}

// ServerError reports one server's failed action.
type ServerError struct {
	ServerID string
	Action   servers.Step
	Status   servers.ActionStatus
	Msg      string
}

func (e *ServerError) Error() string {
	if e.Msg == "" {
		return e.ServerID + ": " + string(e.Action) + ": " + e.Status.String()
	}
	return e.ServerID + ": " + string(e.Action) + ": " + e.Status.String() + ": " + e.Msg
}

// broadcast sends one action to all connected servers concurrently and
// combines the statuses in server order.
func (g *Gateway) broadcast(ctx context.Context, action servers.Step, params interface{}) servers.ActionStatus {
	ids := g.monitor.ConnectedServers()
	if len(ids) == 0 {
		if g.AllowEmpty {
			return servers.Success
		}
		return servers.FailedNoServers
	}

	statuses, err := g.fanOut(ctx, ids, action, params)
	if err != nil {
		logging.Warn("server action failed", zap.String("action", string(action)), zap.Error(err))
	}
	return servers.Worst(statuses...)
}

// fanOut sends action to every id and waits for all replies. The returned
// error is the first *ServerError reported; other servers are not cancelled.
func (g *Gateway) fanOut(ctx context.Context, ids []string, action servers.Step, params interface{}) ([]servers.ActionStatus, error) {
	statuses := make([]servers.ActionStatus, len(ids))
	var eg errgroup.Group
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			st, err := g.request(ctx, id, action, params)
			statuses[i] = st
			return err
		})
	}
	return statuses, eg.Wait()
}

func (g *Gateway) request(ctx context.Context, serverID string, action servers.Step, params interface{}) (servers.ActionStatus, error) {
	reply, err := g.requester.Request(ctx, serverID, string(action), params)
	st := replyStatus(reply, err)
	if st.OK() {
		return st, nil
	}
	msg := reply.Error
	if err != nil {
		msg = err.Error()
	}
	if g.bus != nil {
		fields := map[string]interface{}{
			"server_id": serverID,
			"action":    string(action),
			"status":    st.String(),
		}
		if eerr := g.bus.Emit("warning", "server.error", msg, fields); eerr != nil {
			logging.Warn("event rejected", zap.Error(eerr))
		}
	}
	return st, &ServerError{ServerID: serverID, Action: action, Status: st, Msg: msg}
}

func replyStatus(reply Reply, err error) servers.ActionStatus {
	var timeout *RequestTimeoutError
	switch {
	case err == nil:
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return servers.FailedTimeout
	default:
		return servers.FailedNotConnected
	}
	st := servers.ParseActionStatus(reply.Status)
	if st.OK() && reply.Error != "" {
		return servers.FailedRemoteError
	}
	return st
}

func (g *Gateway) SaveSettings(ctx context.Context, path string) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepSaveSettings, map[string]string{"path": path})
}

func (g *Gateway) SetNextRunTimestamp(ctx context.Context, t time.Time) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepTimestamp, map[string]string{"timestamp": t.UTC().Format(time.RFC3339Nano)})
}

func (g *Gateway) SetSettings(ctx context.Context, settings *servers.Settings) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepSettings, settings)
}

func (g *Gateway) CheckAnalogInput(ctx context.Context, seq *sequence.Sequence) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepAnalogCheck, seq)
}

func (g *Gateway) SetSequence(ctx context.Context, seq *sequence.Sequence) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepSequence, seq)
}

func (g *Gateway) GenerateBuffers(ctx context.Context, iteration int) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepBuffers, map[string]int{"iteration": iteration})
}

func (g *Gateway) ArmTasks(ctx context.Context, clockID uint32) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepArmTasks, map[string]uint32{"clock_id": clockID})
}

func (g *Gateway) GenerateTriggers(ctx context.Context) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepTriggers, nil)
}

func (g *Gateway) GetRunSuccess(ctx context.Context) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepRunSuccess, nil)
}

func (g *Gateway) StopAll(ctx context.Context) servers.ActionStatus {
	return g.broadcast(ctx, servers.StepStopAll, nil)
}

func (g *Gateway) UnconnectedRequired() []string {
	return g.monitor.UnconnectedRequired()
}

// OutputNow drives every server's outputs to step immediately.
func (g *Gateway) OutputNow(ctx context.Context, step *sequence.Timestep) bool {
	if step == nil {
		return false
	}
	return g.broadcast(ctx, servers.StepOutputNow, step).OK()
}

var _ servers.Gateway = (*Gateway)(nil)
