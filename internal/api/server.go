// Package api is the external surface of the control plane: the registry
// and grid REST endpoints, the WebSocket streams, and the Prometheus
// scrape target.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridmind/backend/internal/agent"
	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/dispatch"
	"github.com/gridmind/backend/internal/guardian"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/scenario"
	"github.com/gridmind/backend/internal/sim"
)

var apiLog = log.New(log.Writer(), "[API] ", log.LstdFlags)

// Server wires the HTTP and WebSocket surface over the control plane.
// Optional fields (Guardian, Agent, Audit) may be nil; their endpoints then
// answer 503.
type Server struct {
	Store      *registry.Store
	Dispatcher *dispatch.Dispatcher
	Grid       *sim.Simulation
	Engines    []*coordinator.ZoneEngine
	Guardian   *guardian.Guardian
	Agent      *agent.Agent
	Audit      *audit.Log
	Scenarios  *scenario.Runner
	Events     *bus.Bus
	Metrics    *prometheus.Registry
	CORSOrigin string

	hubs     map[string]*StreamHub
	commands *Commands
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{})).Methods("GET")
	}

	apiR := r.PathPrefix("/api").Subrouter()

	apiR.HandleFunc("/servers", s.handleRegister).Methods("POST")
	apiR.HandleFunc("/servers", s.handleListServers).Methods("GET")
	apiR.HandleFunc("/servers/{id}", s.handleGetServer).Methods("GET")
	apiR.HandleFunc("/servers/{id}", s.handleDeregister).Methods("DELETE")
	apiR.HandleFunc("/servers/{id}/heartbeat", s.handleHeartbeat).Methods("POST")

	apiR.HandleFunc("/tools", s.handleTools).Methods("GET")
	apiR.HandleFunc("/tools/{name}", s.handleTool).Methods("GET")
	apiR.HandleFunc("/tools/{name}/invoke", s.handleInvoke).Methods("POST")

	apiR.HandleFunc("/grid/state", s.handleGridState).Methods("GET")
	apiR.HandleFunc("/zones", s.handleZones).Methods("GET")
	apiR.HandleFunc("/zones/{zone}", s.handleZone).Methods("GET")

	apiR.HandleFunc("/audit", s.handleAudit).Methods("GET")
	apiR.HandleFunc("/guardian/log", s.handleGuardianLog).Methods("GET")
	apiR.HandleFunc("/decisions", s.handleDecisions).Methods("GET")

	apiR.HandleFunc("/scenarios", s.handleScenarioList).Methods("GET")
	apiR.HandleFunc("/scenarios/reset", s.handleScenarioReset).Methods("POST")
	apiR.HandleFunc("/scenarios/{name}", s.handleScenarioTrigger).Methods("POST")

	if s.Events != nil {
		s.hubs = map[string]*StreamHub{
			bus.ChannelGridState:     NewStreamHub(s.Events, bus.ChannelGridState, s.CORSOrigin),
			bus.ChannelAgentLog:      NewStreamHub(s.Events, bus.ChannelAgentLog, s.CORSOrigin),
			bus.ChannelGuardianEvent: NewStreamHub(s.Events, bus.ChannelGuardianEvent, s.CORSOrigin),
		}
		for channel, hub := range s.hubs {
			r.HandleFunc("/ws/"+channel, hub.Handle)
		}
	}
	if s.Scenarios != nil {
		s.commands = NewCommands(s.Agent, s.Scenarios, s.CORSOrigin)
		r.HandleFunc("/ws/commands", s.commands.Handle)
	}

	// Preflights match no method-restricted route, so without this
	// catch-all mux 404s before the CORS middleware can answer.
	r.PathPrefix("/").Methods(http.MethodOptions).
		HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return r
}

// RunHubs starts broadcast delivery for every stream hub.
func (s *Server) RunHubs(ctx context.Context) {
	for _, hub := range s.hubs {
		go hub.Run(ctx)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		apiLog.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		apiLog.Printf("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "grid-control-plane",
		"total_servers":  s.Store.Count(),
		"active_servers": len(s.Store.List(registry.Filter{Status: registry.StatusActive})),
	})
}

func filterFromQuery(r *http.Request) registry.Filter {
	q := r.URL.Query()
	return registry.Filter{
		Zone:       q.Get("zone"),
		DeviceType: q.Get("device_type"),
		Status:     q.Get("status"),
		Tier:       q.Get("layer"),
		Domain:     q.Get("domain"),
	}
}

func limitFromQuery(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var sv registry.Server
	if err := json.NewDecoder(r.Body).Decode(&sv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid server payload")
		return
	}
	if sv.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	reg := s.Store.Register(sv)
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": s.Store.List(filterFromQuery(r)),
	})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	sv, ok := s.Store.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, sv)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.Store.Get(id); !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Detach(id)
	} else {
		s.Store.Deregister(id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "server_id": id})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.Store.Heartbeat(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": s.Dispatcher.Catalog(filterFromQuery(r)),
	})
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not available")
		return
	}
	spec, ok := s.Dispatcher.Lookup(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tool")
		return
	}
	out := map[string]any{"tool": spec}
	if sv, ok := s.Store.Get(spec.ServerID); ok {
		out["server"] = sv
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not available")
		return
	}
	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid arguments payload")
		return
	}
	res := s.Dispatcher.Invoke(mux.Vars(r)["name"], args)
	code := http.StatusOK
	if res["error"] == "unknown_tool" {
		code = http.StatusNotFound
	}
	writeJSON(w, code, res)
}

func (s *Server) handleGridState(w http.ResponseWriter, r *http.Request) {
	if s.Grid == nil {
		writeError(w, http.StatusServiceUnavailable, "grid not available")
		return
	}
	writeJSON(w, http.StatusOK, s.Grid.Message())
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	var out []map[string]any
	for _, eng := range s.Engines {
		out = append(out, eng.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{"zones": out})
}

func (s *Server) handleZone(w http.ResponseWriter, r *http.Request) {
	zone := mux.Vars(r)["zone"]
	for _, eng := range s.Engines {
		if eng.Zone() == zone {
			writeJSON(w, http.StatusOK, eng.Status())
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown zone "+zone)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not available")
		return
	}
	limit := limitFromQuery(r, 50)
	var (
		entries []audit.Entry
		err     error
	)
	if zone := r.URL.Query().Get("zone"); zone != "" {
		entries, err = s.Audit.RecentForZone(r.Context(), zone, limit)
	} else {
		entries, err = s.Audit.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGuardianLog(w http.ResponseWriter, r *http.Request) {
	if s.Guardian == nil {
		writeError(w, http.StatusServiceUnavailable, "guardian not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verdicts": s.Guardian.Recent(limitFromQuery(r, 20)),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "strategic agent not available")
		return
	}
	decisions, err := s.Agent.RecentDecisions(r.Context(), limitFromQuery(r, 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleScenarioList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": scenario.Names()})
}

func (s *Server) handleScenarioTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Scenarios == nil {
		writeError(w, http.StatusServiceUnavailable, "scenario runner not available")
		return
	}
	name := mux.Vars(r)["name"]
	if err := s.Scenarios.Trigger(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered", "scenario": name})
}

func (s *Server) handleScenarioReset(w http.ResponseWriter, r *http.Request) {
	if s.Scenarios == nil {
		writeError(w, http.StatusServiceUnavailable, "scenario runner not available")
		return
	}
	if err := s.Scenarios.Reset(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
