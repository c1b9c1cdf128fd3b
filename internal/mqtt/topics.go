package mqtt

import "strings"

// Topics builds the topic names under one prefix.
type Topics struct {
	Prefix string
}

func (t Topics) Register() string { return t.Prefix + "/register" }

func (t Topics) Heartbeat(serverID string) string { return t.Prefix + "/heartbeat/" + serverID }

func (t Topics) Command(serverID string) string { return t.Prefix + "/servers/" + serverID + "/cmd" }

func (t Topics) Reply(serverID string) string { return t.Prefix + "/servers/" + serverID + "/reply" }

func (t Topics) Clock() string { return t.Prefix + "/clock" }

// HeartbeatFilter matches every server's heartbeat topic.
func (t Topics) HeartbeatFilter() string { return t.Heartbeat("+") }

// ReplyFilter matches every server's reply topic.
func (t Topics) ReplyFilter() string { return t.Reply("+") }

// ServerID extracts the server ID from a heartbeat or reply topic.
func (t Topics) ServerID(topic string) (string, bool) {
	rest := strings.TrimPrefix(topic, t.Prefix+"/")
	if rest == topic {
		return "", false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[0] == "heartbeat":
		return parts[1], parts[1] != ""
	case len(parts) == 3 && parts[0] == "servers":
		return parts[1], parts[1] != ""
	}
	return "", false
}
