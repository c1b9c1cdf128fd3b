package mqtt

import (
	"encoding/json"
	"fmt"
)

// RegistrationPayload represents a v1 server registration message.
type RegistrationPayload struct {
	Version int        `json:"version"`
	Server  ServerInfo `json:"server"`
}

// ServerInfo contains server metadata.
type ServerInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Firmware     string   `json:"firmware"`
	UptimeMS     int64    `json:"uptime_ms"`
	HeartbeatSec int      `json:"heartbeat_sec"`
	Capabilities []string `json:"capabilities"`
}

// ParseRegistration parses a registration payload from JSON bytes.
func ParseRegistration(data []byte) (*RegistrationPayload, error) {
	var payload RegistrationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid registration JSON: %w", err)
	}

	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported registration version: %d", payload.Version)
	}

	if payload.Server.ID == "" {
		return nil, fmt.Errorf("server.id is required")
	}

	return &payload, nil
}

// ServerSpec is a server the station configuration expects.
type ServerSpec struct {
	Name         string
	Required     bool
	Capabilities []string
}

// ValidationResult contains validation outcome.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// ValidateRegistration checks a registration against the configured servers.
// Unknown servers are accepted with a warning.
func ValidateRegistration(payload *RegistrationPayload, specs map[string]ServerSpec) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if payload.Server.HeartbeatSec < 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("server %s: negative heartbeat_sec", payload.Server.ID))
		result.Valid = false
	}

	spec, ok := specs[payload.Server.ID]
	if !ok {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unrecognized server: %s", payload.Server.ID))
		return result
	}

	for _, reqCap := range spec.Capabilities {
		if !containsString(payload.Server.Capabilities, reqCap) {
			result.Errors = append(result.Errors, fmt.Sprintf("server %s: missing capability %s", payload.Server.ID, reqCap))
			result.Valid = false
		}
	}

	return result
}

func containsString(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}
