package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// run
	"run.status":   {},
	"run.log":      {},
	"run.started":  {},
	"run.finished": {},
	"run.aborted":  {},
	"run.progress": {},
	"run.error":    {},
	"run.confirm":  {},

	// iteration
	"iteration.started":   {},
	"iteration.completed": {},
	"iteration.failed":    {},

	// calibration
	"calibration.started":   {},
	"calibration.completed": {},
	"calibration.failed":    {},

	// clock
	"clock.armed":     {},
	"clock.escalated": {},
	"clock.aborted":   {},

	// server
	"server.connected":    {},
	"server.disconnected": {},
	"server.step":         {},
	"server.error":        {},

	// background
	"background.registered": {},
	"background.released":   {},
	"background.yield":      {},

	// camera
	"camera.message": {},

	// system
	"system.startup":         {},
	"system.shutdown":        {},
	"system.error":           {},
	"system.startup_restore": {},
}

// Validate returns an error if event is not a known event name.
func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
