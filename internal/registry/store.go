// Package registry tracks the fleet of device endpoints (sensors and
// actuators) that expose tools to the agents. The store is the single
// source of truth for discovery: who exists, where, what they can do, and
// whether they are still heartbeating.
package registry

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var regLog = log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags)

// Server lifecycle states.
const (
	StatusActive = "active"
	StatusStale  = "stale"
)

// Sweep cadence and the heartbeat age after which a server goes stale.
const (
	SweepInterval = 30 * time.Second
	StaleAfter    = 60 * time.Second
)

// Tool describes one callable tool exposed by a server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Server is one registered device endpoint.
type Server struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DeviceType    string    `json:"device_type"` // sensor | actuator | coordinator
	Tier          string    `json:"tier"`
	Zone          string    `json:"zone"`
	Domain        string    `json:"domain,omitempty"`
	Transport     string    `json:"transport,omitempty"`
	Address       string    `json:"address,omitempty"`
	Tools         []Tool    `json:"tools"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Zone       string
	DeviceType string
	Tier       string
	Domain     string
	Status     string
}

// FlatTool is a catalog row pairing a tool with its owning server.
type FlatTool struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	Tool       Tool   `json:"tool"`
}

// Store is the in-memory registry with a JSON snapshot on disk. Every
// mutation rewrites the snapshot atomically so a restart recovers the
// fleet without waiting for re-registration.
type Store struct {
	mu       sync.RWMutex
	servers  map[string]*Server
	filePath string
}

// NewStore loads the snapshot at filePath if present. Empty filePath
// disables persistence.
func NewStore(filePath string) *Store {
	s := &Store{servers: make(map[string]*Server), filePath: filePath}
	s.load()
	return s
}

func (s *Store) load() {
	if s.filePath == "" {
		return
	}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return
	}
	var servers []*Server
	if err := json.Unmarshal(data, &servers); err != nil {
		regLog.Printf("snapshot unreadable, starting empty: %v", err)
		return
	}
	for _, sv := range servers {
		s.servers[sv.ID] = sv
	}
	regLog.Printf("recovered %d servers from snapshot", len(servers))
}

// persist writes the snapshot; caller holds the lock.
func (s *Store) persist() {
	if s.filePath == "" {
		return
	}
	servers := make([]*Server, 0, len(s.servers))
	for _, sv := range s.servers {
		servers = append(servers, sv)
	}
	data, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		regLog.Printf("snapshot marshal failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		regLog.Printf("snapshot dir: %v", err)
		return
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		regLog.Printf("snapshot write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		regLog.Printf("snapshot rename failed: %v", err)
	}
}

// Register adds or replaces a server. A missing ID is assigned. The server
// comes back active with a fresh heartbeat.
func (s *Store) Register(sv Server) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sv.ID == "" {
		sv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sv.RegisteredAt.IsZero() {
		sv.RegisteredAt = now
	}
	sv.LastHeartbeat = now
	sv.Status = StatusActive

	s.servers[sv.ID] = &sv
	s.persist()
	regLog.Printf("registered %s (%s, zone=%s, %d tools)", sv.Name, sv.DeviceType, sv.Zone, len(sv.Tools))
	return &sv
}

// Heartbeat refreshes a server's liveness. Returns false for unknown ids.
func (s *Store) Heartbeat(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.servers[id]
	if !ok {
		return false
	}
	sv.LastHeartbeat = time.Now().UTC()
	if sv.Status != StatusActive {
		regLog.Printf("%s recovered from %s", sv.Name, sv.Status)
		sv.Status = StatusActive
	}
	s.persist()
	return true
}

// Deregister removes a server. Returns false for unknown ids.
func (s *Store) Deregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.servers[id]
	if !ok {
		return false
	}
	delete(s.servers, id)
	s.persist()
	regLog.Printf("deregistered %s", sv.Name)
	return true
}

// Get returns a copy of one server.
func (s *Store) Get(id string) (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sv, ok := s.servers[id]
	if !ok {
		return Server{}, false
	}
	return *sv, true
}

// List returns copies of all servers matching the filter.
func (s *Store) List(f Filter) []Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Server, 0, len(s.servers))
	for _, sv := range s.servers {
		if f.Zone != "" && sv.Zone != f.Zone {
			continue
		}
		if f.DeviceType != "" && sv.DeviceType != f.DeviceType {
			continue
		}
		if f.Tier != "" && sv.Tier != f.Tier {
			continue
		}
		if f.Domain != "" && sv.Domain != f.Domain {
			continue
		}
		if f.Status != "" && sv.Status != f.Status {
			continue
		}
		out = append(out, *sv)
	}
	return out
}

// Tools returns the flattened tool catalog across servers matching the
// filter.
func (s *Store) Tools(f Filter) []FlatTool {
	var out []FlatTool
	for _, sv := range s.List(f) {
		for _, t := range sv.Tools {
			out = append(out, FlatTool{ServerID: sv.ID, ServerName: sv.Name, Tool: t})
		}
	}
	return out
}

// Count returns the number of registered servers.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.servers)
}

// MarkStale forces a server into the stale state, as if its heartbeats had
// lapsed. Returns false for unknown ids.
func (s *Store) MarkStale(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.servers[id]
	if !ok {
		return false
	}
	sv.Status = StatusStale
	s.persist()
	return true
}

// Sweep marks servers stale when their heartbeat is older than StaleAfter.
// Returns how many transitions happened.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-StaleAfter)
	n := 0
	for _, sv := range s.servers {
		if sv.Status == StatusActive && sv.LastHeartbeat.Before(cutoff) {
			sv.Status = StatusStale
			regLog.Printf("%s went stale (last heartbeat %s)", sv.Name, sv.LastHeartbeat.Format(time.RFC3339))
			n++
		}
	}
	if n > 0 {
		s.persist()
	}
	return n
}

// StartSweeper runs Sweep every SweepInterval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
