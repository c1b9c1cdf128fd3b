package mqtt

import (
	"sort"
	"sync"
)

// RegisteredServer holds the topics and metadata of a registered server.
type RegisteredServer struct {
	ID           string
	Name         string
	Firmware     string
	CommandTopic string
	ReplyTopic   string
	HeartbeatSec int
	Capabilities []string
}

func (s *RegisteredServer) clone() *RegisteredServer {
	cpy := *s
	cpy.Capabilities = append([]string{}, s.Capabilities...)
	return &cpy
}

// ServerRegistry maps server IDs to their topics.
type ServerRegistry struct {
	mu      sync.RWMutex
	topics  Topics
	servers map[string]*RegisteredServer
}

// NewServerRegistry creates an empty registry for topics under t.
func NewServerRegistry(t Topics) *ServerRegistry {
	return &ServerRegistry{
		topics:  t,
		servers: make(map[string]*RegisteredServer),
	}
}

// Register adds or updates a server.
func (r *ServerRegistry) Register(srv *RegisteredServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[srv.ID] = srv.clone()
}

// RegisterFromPayload registers the server described by a registration.
func (r *ServerRegistry) RegisterFromPayload(payload *RegistrationPayload) *RegisteredServer {
	srv := &RegisteredServer{
		ID:           payload.Server.ID,
		Name:         payload.Server.Name,
		Firmware:     payload.Server.Firmware,
		CommandTopic: r.topics.Command(payload.Server.ID),
		ReplyTopic:   r.topics.Reply(payload.Server.ID),
		HeartbeatSec: payload.Server.HeartbeatSec,
		Capabilities: payload.Server.Capabilities,
	}
	r.Register(srv)
	return srv.clone()
}

func (r *ServerRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
}

// Get returns a copy of a server, or nil if it is not registered.
func (r *ServerRegistry) Get(id string) *RegisteredServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if srv, ok := r.servers[id]; ok {
		return srv.clone()
	}
	return nil
}

func (r *ServerRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[id]
	return ok
}

// CommandTopic returns the command topic for a server, or "" if unknown.
func (r *ServerRegistry) CommandTopic(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if srv, ok := r.servers[id]; ok {
		return srv.CommandTopic
	}
	return ""
}

// All returns copies of every registered server ordered by ID.
func (r *ServerRegistry) All() []*RegisteredServer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*RegisteredServer, 0, len(r.servers))
	for _, srv := range r.servers {
		result = append(result, srv.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Clear removes all servers.
func (r *ServerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[string]*RegisteredServer)
}
