// Package permission gates every tool invocation behind capability
// checks. An agent's effective capabilities are its base set plus any
// unexpired grants scoped to the task at hand. Every decision, granted
// or denied, lands in the audit log.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cmoretti/conductor/internal/store"
	"github.com/cmoretti/conductor/pkg/models"
)

// DenyReason classifies why an invocation was refused.
type DenyReason string

const (
	// DenySchema means the parameters failed schema validation.
	DenySchema DenyReason = "schema"
	// DenyCapability means the agent lacks a required capability.
	DenyCapability DenyReason = "capability"
	// DenyTool means the tool is unknown or not offered to the agent.
	DenyTool DenyReason = "tool"
)

// DeniedError reports a refused tool invocation. The task continues;
// the denial is surfaced to the process as a tool failure.
type DeniedError struct {
	// Reason classifies the refusal.
	Reason DenyReason
	// Tool is the tool that was requested.
	Tool string
	// Detail explains the specific check that failed.
	Detail string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("tool %s denied (%s): %s", e.Tool, e.Reason, e.Detail)
}

// Manager resolves capabilities and authorizes tool invocations.
type Manager struct {
	db  *store.DB
	now func() time.Time
}

// NewManager returns a manager backed by the given store.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db, now: time.Now}
}

// EffectiveCapabilities returns the agent's base capabilities unioned
// with the capabilities of unexpired grants scoped to the task. The
// result is sorted and duplicate-free.
func (m *Manager) EffectiveCapabilities(agentName string, taskID int64) ([]string, error) {
	agent, err := m.db.GetAgent(agentName)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentName, err)
	}

	set := make(map[string]bool, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		set[c] = true
	}

	grants, err := m.db.ListActiveGrants(taskID, m.now())
	if err != nil {
		return nil, fmt.Errorf("resolve grants for task %d: %w", taskID, err)
	}
	for _, g := range grants {
		for _, c := range g.Capabilities {
			set[c] = true
		}
	}

	caps := make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps, nil
}

// Grant issues a task-scoped, time-bounded capability grant and
// records it in the audit log.
func (m *Manager) Grant(taskID int64, toolName string, capabilities []string, ttl time.Duration) (*models.Grant, error) {
	g := &models.Grant{
		TaskID:       taskID,
		ToolName:     toolName,
		Capabilities: capabilities,
		ExpiresAt:    m.now().Add(ttl),
	}
	if err := m.db.CreateGrant(g); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"grant_id":     g.ID,
		"tool":         toolName,
		"capabilities": capabilities,
		"expires_at":   g.ExpiresAt,
	})
	m.db.AppendEvent(&models.Event{
		EntityType: "task",
		EntityID:   strconv.FormatInt(taskID, 10),
		EventType:  "capability_granted",
		Payload:    string(payload),
	})
	return g, nil
}

// Authorize decides whether the agent may invoke the tool with the
// given parameters on behalf of the task. Schema validation runs
// before capability checks; the first failure wins. The decision is
// appended to the audit log either way, and the tool descriptor is
// returned on success.
func (m *Manager) Authorize(agentName string, taskID int64, toolName string, params map[string]any) (*models.ToolDescriptor, error) {
	agent, err := m.db.GetAgent(agentName)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentName, err)
	}

	tool, err := m.db.GetTool(toolName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, m.deny(agentName, taskID, &DeniedError{
			Reason: DenyTool, Tool: toolName, Detail: "unknown tool",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tool %s: %w", toolName, err)
	}

	if !offered(agent, toolName) {
		return nil, m.deny(agentName, taskID, &DeniedError{
			Reason: DenyTool, Tool: toolName,
			Detail: fmt.Sprintf("tool not offered to agent %s", agentName),
		})
	}

	if detail := validateParams(&tool.Schema, params); detail != "" {
		return nil, m.deny(agentName, taskID, &DeniedError{
			Reason: DenySchema, Tool: toolName, Detail: detail,
		})
	}

	caps, err := m.EffectiveCapabilities(agentName, taskID)
	if err != nil {
		return nil, err
	}
	capSet := make(map[string]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}
	for _, required := range tool.Capabilities {
		if !capSet[required] {
			return nil, m.deny(agentName, taskID, &DeniedError{
				Reason: DenyCapability, Tool: toolName,
				Detail: fmt.Sprintf("missing capability %s", required),
			})
		}
	}

	payload, _ := json.Marshal(map[string]string{"agent": agentName, "tool": toolName})
	m.db.AppendEvent(&models.Event{
		EntityType: "task",
		EntityID:   strconv.FormatInt(taskID, 10),
		EventType:  "tool_authorized",
		Payload:    string(payload),
	})
	return tool, nil
}

// deny records the refusal and returns it.
func (m *Manager) deny(agentName string, taskID int64, denied *DeniedError) error {
	payload, _ := json.Marshal(map[string]string{
		"agent":  agentName,
		"tool":   denied.Tool,
		"reason": string(denied.Reason),
		"detail": denied.Detail,
	})
	m.db.AppendEvent(&models.Event{
		EntityType: "task",
		EntityID:   strconv.FormatInt(taskID, 10),
		EventType:  "tool_denied",
		Payload:    string(payload),
		Severity:   models.SeverityWarning,
	})
	return denied
}

// offered reports whether the agent's definition lists the tool.
func offered(agent *models.Agent, toolName string) bool {
	for _, t := range agent.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// validateParams checks required fields and property types against
// the tool's schema. Returns "" when valid, otherwise a description of
// the first violation.
func validateParams(schema *models.ToolSchema, params map[string]any) string {
	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			return fmt.Sprintf("missing required parameter %s", name)
		}
	}
	for name, value := range params {
		spec, known := schema.Properties[name]
		if !known {
			return fmt.Sprintf("unexpected parameter %s", name)
		}
		if !typeMatches(spec.Type, value) {
			return fmt.Sprintf("parameter %s: expected %s", name, spec.Type)
		}
	}
	return ""
}

// typeMatches checks a decoded JSON value against a schema type name.
func typeMatches(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			// JSON decoding yields float64 for all numbers.
			return v == float64(int64(v))
		default:
			return false
		}
	case "number":
		switch value.(type) {
		case int, int64, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		// Unknown schema types do not constrain the value.
		return true
	}
}
