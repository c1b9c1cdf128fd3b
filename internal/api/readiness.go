package api

import (
	"sync"
)

// Readiness tracks the dependencies /ready reports on. A dependency marked
// optional never makes the station unready.
type Readiness struct {
	mu                sync.RWMutex
	mqttConnected     bool
	mqttOptional      bool
	postgresConnected bool
	postgresOptional  bool
	sequenceLoaded    bool
	missingServers    []string
}

func NewReadiness(mqttOptional, postgresOptional bool) *Readiness {
	return &Readiness{mqttOptional: mqttOptional, postgresOptional: postgresOptional}
}

func (r *Readiness) SetMQTTConnected(ok bool) {
	r.mu.Lock()
	r.mqttConnected = ok
	r.mu.Unlock()
}

func (r *Readiness) SetPostgresConnected(ok bool) {
	r.mu.Lock()
	r.postgresConnected = ok
	r.mu.Unlock()
}

func (r *Readiness) SetSequenceLoaded(ok bool) {
	r.mu.Lock()
	r.sequenceLoaded = ok
	r.mu.Unlock()
}

// SetMissingServers records required servers that have not registered.
func (r *Readiness) SetMissingServers(ids []string) {
	r.mu.Lock()
	r.missingServers = append([]string(nil), ids...)
	r.mu.Unlock()
}

func (r *Readiness) MQTTConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mqttConnected
}

func (r *Readiness) PostgresConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.postgresConnected
}

// ReadyResponse is the /ready body.
type ReadyResponse struct {
	Ready          bool     `json:"ready"`
	MQTT           string   `json:"mqtt"`
	Postgres       string   `json:"postgres"`
	Sequence       bool     `json:"sequence_loaded"`
	MissingServers []string `json:"missing_servers,omitempty"`
}

// Check returns the current readiness.
func (r *Readiness) Check() ReadyResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := ReadyResponse{
		MQTT:           depState(r.mqttConnected, r.mqttOptional),
		Postgres:       depState(r.postgresConnected, r.postgresOptional),
		Sequence:       r.sequenceLoaded,
		MissingServers: r.missingServers,
	}
	resp.Ready = r.sequenceLoaded &&
		(r.mqttConnected || r.mqttOptional) &&
		(r.postgresConnected || r.postgresOptional) &&
		len(r.missingServers) == 0
	return resp
}

func depState(connected, optional bool) string {
	switch {
	case connected:
		return "connected"
	case optional:
		return "optional"
	default:
		return "disconnected"
	}
}
