// Package servers sequences the remote protocol a run issues against every
// connected control server.
package servers

import "strings"

// ActionStatus is the overall outcome of one remote action across all
// connected servers.
type ActionStatus int

const (
	Success ActionStatus = iota
	FailedNotConnected
	FailedTimeout
	FailedRemoteError
	FailedAnalogInCheck
	FailedBufferUnderrun
	FailedInvalidReply
	FailedNoServers
)

var statusNames = map[ActionStatus]string{
	Success:              "Success",
	FailedNotConnected:   "Failed_NotConnected",
	FailedTimeout:        "Failed_Timeout",
	FailedRemoteError:    "Failed_RemoteError",
	FailedAnalogInCheck:  "Failed_AnalogInCheck",
	FailedBufferUnderrun: "Failed_BufferUnderrun",
	FailedInvalidReply:   "Failed_InvalidReply",
	FailedNoServers:      "Failed_NoServers",
}

func (s ActionStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Failed_Unknown"
}

// OK reports whether s is Success.
func (s ActionStatus) OK() bool {
	return s == Success
}

// ParseActionStatus maps a wire name to a status. Names are matched without
// regard to case, and the "Failed_" prefix is optional. Unknown names yield
// FailedInvalidReply.
func ParseActionStatus(name string) ActionStatus {
	n := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "failed_")
	for s, full := range statusNames {
		if strings.TrimPrefix(strings.ToLower(full), "failed_") == n {
			return s
		}
	}
	return FailedInvalidReply
}

// Worst combines per-server statuses: Success only if every status is
// Success, otherwise the first failure in servers order.
func Worst(statuses ...ActionStatus) ActionStatus {
	for _, s := range statuses {
		if s != Success {
			return s
		}
	}
	return Success
}

// Step names one action of the remote protocol.
type Step string

const (
	StepSaveSettings Step = "save_server_settings"
	StepTimestamp    Step = "set_next_run_timestamp"
	StepSettings     Step = "set_settings"
	StepAnalogCheck  Step = "check_analog_input"
	StepSequence     Step = "set_sequence"
	StepBuffers      Step = "generate_buffers"
	StepClockArm     Step = "arm_clock"
	StepArmTasks     Step = "arm_tasks"
	StepTriggers     Step = "generate_triggers"
	StepRunSuccess   Step = "get_run_success"
	StepStopAll      Step = "stop_all"
	StepOutputNow    Step = "output_now"
)
