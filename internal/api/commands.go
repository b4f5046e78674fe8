package api

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gridmind/backend/internal/agent"
	"github.com/gridmind/backend/internal/scenario"
)

// commandRequest is one message on the commands socket.
type commandRequest struct {
	Action   string `json:"action"`
	Query    string `json:"query,omitempty"`
	Scenario string `json:"scenario,omitempty"`
}

// Commands serves the interactive command socket: natural-language queries
// to the strategic agent and scenario control.
type Commands struct {
	agent     *agent.Agent // nil when no model is configured
	scenarios *scenario.Runner
	upgrader  websocket.Upgrader
}

func NewCommands(strategic *agent.Agent, scenarios *scenario.Runner, allowedOrigin string) *Commands {
	return &Commands{
		agent:     strategic,
		scenarios: scenarios,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigin),
		},
	}
}

func (c *Commands) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] commands: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Replies may come from query goroutines; serialize the writes.
	var writeMu sync.Mutex
	reply := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			log.Printf("[WS] commands: write failed: %v", err)
		}
	}

	for {
		var req commandRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Action {
		case "nl_query":
			if c.agent == nil {
				reply(map[string]any{"type": "error", "error": "no strategic agent configured"})
				continue
			}
			go func(query string) {
				out, err := c.agent.Process(context.Background(), query)
				if err != nil {
					reply(map[string]any{"type": "error", "error": err.Error()})
					return
				}
				reply(map[string]any{
					"type":    "nl_answer",
					"id":      out.ID,
					"answer":  out.Answer,
					"actions": out.Actions,
				})
			}(req.Query)

		case "trigger_scenario":
			if err := c.scenarios.Trigger(req.Scenario); err != nil {
				reply(map[string]any{"type": "error", "error": err.Error()})
				continue
			}
			reply(map[string]any{"type": "scenario_triggered", "scenario": req.Scenario})

		case "reset_scenario":
			if err := c.scenarios.Reset(); err != nil {
				reply(map[string]any{"type": "error", "error": err.Error()})
				continue
			}
			reply(map[string]any{"type": "scenario_reset"})

		case "list_scenarios":
			reply(map[string]any{"type": "scenarios", "scenarios": scenario.Names()})

		default:
			reply(map[string]any{"type": "error", "error": "unknown action " + req.Action})
		}
	}
}
