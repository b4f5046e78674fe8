// Package guardian is the policy gate in front of every actuator command
// an agent proposes. A small model renders an approve/deny verdict; any
// failure along the way fails closed: the command is denied at HIGH risk.
package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/llm"
)

var guardLog = log.New(log.Writer(), "[GUARDIAN] ", log.LstdFlags)

// Risk levels.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// RingSize bounds the retained validation history.
const RingSize = 50

// allowedVerbs is the whitelist of control verbs the guardian will even
// consider. Anything else is denied before the model sees it.
var allowedVerbs = map[string]bool{
	"open_breaker": true, "close_breaker": true, "trip": true, "close": true, "reclose": true,
	"set_power": true, "set_status": true, "adjust_output": true, "set_setpoint": true, "dispatch": true,
	"shed_load": true, "restore_load": true, "shed": true, "curtail": true, "restore": true,
	"enable_bank": true, "disable_bank": true, "switch_in": true, "switch_out": true,
	"charge": true, "discharge": true, "halt": true,
}

// Verdict is the outcome of one validation. Conditions carry any caveats
// the approval depends on ("only below 10 MW", "restore within an hour").
type Verdict struct {
	Command    string    `json:"command"`
	Safe       bool      `json:"safe"`
	RiskLevel  string    `json:"risk_level"`
	Reasoning  string    `json:"reasoning"`
	Conditions []string  `json:"conditions"`
	Timestamp  time.Time `json:"timestamp"`
}

// Guardian validates commands against grid safety policy.
type Guardian struct {
	client llm.Client
	events *bus.Bus
	audit  *audit.Log

	mu       sync.Mutex
	ring     []Verdict
	approved int64
	denied   int64
}

// New builds a guardian. events and auditLog may be nil in tests.
func New(client llm.Client, events *bus.Bus, auditLog *audit.Log) *Guardian {
	return &Guardian{client: client, events: events, audit: auditLog}
}

const systemPrompt = `You are the safety guardian of a supervisory control system for an electrical transmission grid. You review proposed control actions before execution. Deny anything that could endanger equipment, de-energize customers without cause, or mask an ongoing fault. Respond with a single JSON object: {"safe": true|false, "risk_level": "LOW"|"MEDIUM"|"HIGH"|"CRITICAL", "reasoning": "<one sentence>", "conditions": ["<caveat the approval depends on>", ...]}. Use an empty conditions list when the approval is unconditional.`

// ValidateCommand renders a verdict for a proposed command. The command is
// either a plain string or a dict-shaped action; dicts are normalized to
// "verb(k=v, ...)" form and their verb checked against the whitelist.
// gridContext is free text describing current conditions.
func (g *Guardian) ValidateCommand(ctx context.Context, command any, gridContext string) Verdict {
	text, verb, err := normalizeCommand(command)
	if err != nil {
		return g.finish(Verdict{
			Safe: false, RiskLevel: RiskHigh,
			Reasoning: fmt.Sprintf("unparseable command: %v", err),
			Command:   fmt.Sprintf("%v", command),
		})
	}
	if verb != "" && !allowedVerbs[verb] {
		return g.finish(Verdict{
			Safe: false, RiskLevel: RiskHigh,
			Reasoning: fmt.Sprintf("verb %q is not on the control whitelist", verb),
			Command:   text,
		})
	}

	prompt := "Proposed action: " + text
	if gridContext != "" {
		prompt += "\nGrid conditions: " + gridContext
	}
	resp, err := g.client.Chat(ctx, llm.Request{
		System:   systemPrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Text: prompt}},
	})
	if err != nil {
		guardLog.Printf("oracle unavailable, failing closed: %v", err)
		return g.finish(Verdict{
			Safe: false, RiskLevel: RiskHigh,
			Reasoning: "policy oracle unavailable", Command: text,
		})
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		guardLog.Printf("unparseable verdict, failing closed: %v", err)
		return g.finish(Verdict{
			Safe: false, RiskLevel: RiskHigh,
			Reasoning: "policy oracle returned an unparseable verdict", Command: text,
		})
	}
	verdict.Command = text
	return g.finish(verdict)
}

// normalizeCommand renders a command as text and extracts its verb when it
// is dict-shaped.
func normalizeCommand(command any) (text, verb string, err error) {
	switch c := command.(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			return "", "", fmt.Errorf("empty command")
		}
		return c, "", nil
	case map[string]any:
		v, _ := c["action"].(string)
		if v == "" {
			v, _ = c["tool"].(string)
		}
		if v == "" {
			v = scanForVerb(c)
		}
		if v == "" {
			return "", "", fmt.Errorf("dict command lacks an action")
		}
		keys := make([]string, 0, len(c))
		for k := range c {
			if k == "action" || k == "tool" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, c[k]))
		}
		return fmt.Sprintf("%s(%s)", v, strings.Join(parts, ", ")), v, nil
	default:
		return "", "", fmt.Errorf("unsupported command type %T", command)
	}
}

// scanForVerb looks through the remaining string fields of a dict command
// for a whitelisted control verb, so commands shaped like
// {"command": "please shed_load at bus 3"} still resolve.
func scanForVerb(c map[string]any) string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sv, ok := c[k].(string)
		if !ok {
			continue
		}
		for _, tok := range strings.Fields(strings.ToLower(sv)) {
			if allowedVerbs[tok] {
				return tok
			}
		}
	}
	return ""
}

// parseVerdict extracts the JSON verdict, tolerating markdown code fences
// and prose around the object.
func parseVerdict(text string) (Verdict, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in verdict")
	}

	var raw struct {
		Safe       bool     `json:"safe"`
		RiskLevel  string   `json:"risk_level"`
		Reasoning  string   `json:"reasoning"`
		Conditions []string `json:"conditions"`
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &raw); err != nil {
		return Verdict{}, err
	}
	risk := strings.ToUpper(raw.RiskLevel)
	switch risk {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		risk = RiskHigh
	}
	return Verdict{
		Safe: raw.Safe, RiskLevel: risk,
		Reasoning: raw.Reasoning, Conditions: raw.Conditions,
	}, nil
}

// finish stamps, records and publishes a verdict.
func (g *Guardian) finish(v Verdict) Verdict {
	v.Timestamp = time.Now().UTC()
	if v.Conditions == nil {
		v.Conditions = []string{}
	}

	g.mu.Lock()
	g.ring = append(g.ring, v)
	if len(g.ring) > RingSize {
		g.ring = g.ring[len(g.ring)-RingSize:]
	}
	if v.Safe {
		g.approved++
	} else {
		g.denied++
	}
	g.mu.Unlock()

	if g.audit != nil {
		g.audit.Record(audit.Entry{
			Zone: "system", Event: audit.EventGuardianVerdict, Component: "guardian",
			Details: map[string]any{
				"safe": v.Safe, "risk_level": v.RiskLevel,
				"reasoning": v.Reasoning, "command": v.Command,
			},
		})
	}
	if g.events != nil {
		g.events.Publish(bus.ChannelGuardianEvent, map[string]any{
			"command":    v.Command,
			"safe":       v.Safe,
			"risk_level": v.RiskLevel,
			"reasoning":  v.Reasoning,
			"conditions": v.Conditions,
		})
	}
	return v
}

// Totals reports how many commands were approved and denied since start.
func (g *Guardian) Totals() (approved, denied int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approved, g.denied
}

// Recent returns the newest n verdicts, newest first.
func (g *Guardian) Recent(n int) []Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > len(g.ring) {
		n = len(g.ring)
	}
	out := make([]Verdict, 0, n)
	for i := len(g.ring) - 1; i >= len(g.ring)-n; i-- {
		out = append(out, g.ring[i])
	}
	return out
}
