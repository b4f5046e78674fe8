// Package agent hosts the strategic tier: an LLM-driven operator that
// answers natural-language queries and takes over when zone engines
// escalate. Every actuator command it proposes passes through the guardian
// before execution.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/dispatch"
	"github.com/gridmind/backend/internal/endpoint"
	"github.com/gridmind/backend/internal/guardian"
	"github.com/gridmind/backend/internal/llm"
	"github.com/gridmind/backend/internal/memory"
	"github.com/gridmind/backend/internal/registry"
)

var agentLog = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)

// MaxToolRounds bounds the tool-use loop per query.
const MaxToolRounds = 10

const systemPrompt = `You are the strategic operator of a supervisory control system for an electrical transmission grid (IEEE 30-bus, three protection zones). You investigate conditions with sensor tools, and you act through actuator tools only when necessary and minimal. Prefer the least disruptive remedy: redispatch before shedding, shedding before tripping. Explain your reasoning in the final answer.`

// Agent is the strategic decision maker.
type Agent struct {
	client llm.Client
	disp   *dispatch.Dispatcher
	store  *registry.Store
	guard  *guardian.Guardian
	mem    *memory.Store
	events *bus.Bus
	audit  *audit.Log
}

// New wires the strategic agent. guard, mem, events and auditLog may be
// nil; missing pieces degrade to pass-through behavior (except the
// guardian, whose absence means actuator calls are refused).
func New(client llm.Client, disp *dispatch.Dispatcher, store *registry.Store,
	guard *guardian.Guardian, mem *memory.Store, events *bus.Bus, auditLog *audit.Log) *Agent {
	return &Agent{
		client: client, disp: disp, store: store,
		guard: guard, mem: mem, events: events, audit: auditLog,
	}
}

// Outcome is the result of one strategic deliberation.
type Outcome struct {
	ID      string   `json:"id"`
	Answer  string   `json:"answer"`
	Actions []string `json:"actions"`
	Rounds  int      `json:"rounds"`
}

// Process answers a natural-language query with a bounded tool-use loop.
// Free-form queries see the whole live catalog; escalations go through
// HandleEscalation, which narrows the view to actuators.
func (a *Agent) Process(ctx context.Context, query string) (*Outcome, error) {
	return a.process(ctx, query, false)
}

func (a *Agent) process(ctx context.Context, query string, escalation bool) (*Outcome, error) {
	var tools []dispatch.ToolSpec
	if escalation {
		tools = a.disp.AgentTools(registry.Filter{})
	} else {
		tools = a.disp.Catalog(registry.Filter{Status: registry.StatusActive})
	}
	defs := make([]llm.ToolDef, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDef{
			Name: t.Name, Description: t.Description, InputSchema: t.InputSchema,
		})
	}

	userText := query
	if a.mem != nil {
		if block, err := a.mem.ContextBlock(ctx, 5); err == nil && block != "" {
			userText = block + "\n" + query
		}
	}

	msgs := []llm.Message{{Role: llm.RoleUser, Text: userText}}
	out := &Outcome{ID: uuid.New().String()}
	a.publish("query", query)

	for round := 0; round < MaxToolRounds; round++ {
		out.Rounds = round + 1
		resp, err := a.client.Chat(ctx, llm.Request{
			System: systemPrompt, Messages: msgs, Tools: defs,
		})
		if err != nil {
			return nil, fmt.Errorf("strategic model: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			out.Answer = resp.Text
			a.conclude(ctx, query, out)
			return out, nil
		}

		msgs = append(msgs, llm.Message{
			Role: llm.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls,
		})
		var results []llm.ToolResult
		for _, call := range resp.ToolCalls {
			results = append(results, a.runTool(ctx, call, out))
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}

	out.Answer = "tool budget exhausted before a conclusion was reached"
	a.conclude(ctx, query, out)
	return out, nil
}

// runTool executes one tool call, routing actuator commands through the
// guardian first.
func (a *Agent) runTool(ctx context.Context, call llm.ToolCall, out *Outcome) llm.ToolResult {
	a.publish("tool_call", fmt.Sprintf("%s(%s)", call.Name, compactArgs(call.Args)))

	if a.isActuatorTool(call.Name) {
		verdict := a.approve(ctx, call)
		if !verdict.Safe {
			agentLog.Printf("guardian denied %s: %s", call.Name, verdict.Reasoning)
			return llm.ToolResult{
				ToolUseID: call.ID,
				Content: fmt.Sprintf(`{"error": "denied_by_guardian", "risk_level": %q, "reasoning": %q}`,
					verdict.RiskLevel, verdict.Reasoning),
				IsError: true,
			}
		}
	}

	res := a.disp.Invoke(call.Name, call.Args)
	if a.isActuatorTool(call.Name) && res["error"] == nil && res["status"] == "ok" {
		out.Actions = append(out.Actions, call.Name)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return llm.ToolResult{ToolUseID: call.ID, Content: `{"error": "unserializable result"}`, IsError: true}
	}
	_, isErr := res["error"]
	return llm.ToolResult{ToolUseID: call.ID, Content: string(data), IsError: isErr}
}

// approve asks the guardian for a verdict on an actuator call. Without a
// guardian wired, actuator commands are refused outright.
func (a *Agent) approve(ctx context.Context, call llm.ToolCall) guardian.Verdict {
	if a.guard == nil {
		return guardian.Verdict{Safe: false, RiskLevel: guardian.RiskHigh,
			Reasoning: "no guardian configured"}
	}
	cmd := map[string]any{"action": a.originalTool(call.Name)}
	for k, v := range call.Args {
		cmd[k] = v
	}
	return a.guard.ValidateCommand(ctx, cmd, "")
}

func (a *Agent) isActuatorTool(normalized string) bool {
	spec, ok := a.disp.Lookup(normalized)
	if !ok {
		return false
	}
	srv, ok := a.store.Get(spec.ServerID)
	return ok && srv.DeviceType == endpoint.TypeActuator
}

func (a *Agent) originalTool(normalized string) string {
	if spec, ok := a.disp.Lookup(normalized); ok {
		return spec.OriginalName
	}
	return normalized
}

// conclude persists and broadcasts the outcome.
func (a *Agent) conclude(ctx context.Context, query string, out *Outcome) {
	a.publish("answer", out.Answer)
	if a.mem != nil {
		if _, err := a.mem.StoreDecision(ctx, memory.Decision{
			ID: out.ID, Agent: "strategic", Query: query,
			Decision: out.Answer, Actions: out.Actions,
		}); err != nil {
			agentLog.Printf("decision not persisted: %v", err)
		}
	}
	if a.audit != nil {
		a.audit.Record(audit.Entry{
			Zone: "system", Event: audit.EventAgentDecision, Component: "strategic_agent",
			Details: map[string]any{
				"query": query, "answer": out.Answer, "actions": out.Actions,
			},
		})
	}
}

func (a *Agent) publish(event, message string) {
	if a.events == nil {
		return
	}
	a.events.Publish(bus.ChannelAgentLog, map[string]any{
		"source":  "strategic_agent",
		"event":   event,
		"message": message,
	})
}

// HandleEscalation synthesizes a directive for escalated zones and runs it
// through the normal deliberation loop.
func (a *Agent) HandleEscalation(ctx context.Context, escalations []coordinator.Result) (*Outcome, error) {
	if len(escalations) == 0 {
		return nil, fmt.Errorf("no escalations to handle")
	}
	return a.process(ctx, a.SynthesizeDirective(escalations), true)
}

// SynthesizeDirective renders escalated zone states into an actionable
// instruction naming the concrete devices the agent can use.
func (a *Agent) SynthesizeDirective(escalations []coordinator.Result) string {
	var b strings.Builder
	b.WriteString("Zone protection has escalated unresolved violations to you.\n")
	for _, esc := range escalations {
		fmt.Fprintf(&b, "\n%s (state %s):\n", esc.Zone, esc.State)
		for _, v := range esc.Violations {
			fmt.Fprintf(&b, "- %s on %s: %.3f (limit %.3f, %s)\n",
				v.Kind, v.Component, v.Value, v.Limit, v.Severity)
		}
		for _, spec := range a.disp.Catalog(registry.Filter{Zone: esc.Zone, DeviceType: endpoint.TypeActuator}) {
			if spec.OriginalName == "list_devices" {
				if res := a.disp.Invoke(spec.Name, nil); res["devices"] != nil {
					fmt.Fprintf(&b, "  available via %s: devices %v\n", spec.ServerName, res["devices"])
				}
			}
		}
	}
	b.WriteString("\nInvestigate with sensor tools if needed, then take the minimal corrective action and report what you did. Use only device ids listed above.")
	return b.String()
}

// RecentDecisions exposes the decision history for the API layer.
func (a *Agent) RecentDecisions(ctx context.Context, n int) ([]memory.Decision, error) {
	if a.mem == nil {
		return nil, nil
	}
	return a.mem.RecentDecisions(ctx, n)
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}
