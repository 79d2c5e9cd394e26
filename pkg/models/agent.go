package models

import "time"

// AgentStatus represents the administrative state of an agent definition.
type AgentStatus string

const (
	// AgentActive indicates the agent may be assigned new tasks.
	AgentActive AgentStatus = "active"
	// AgentDeprecated indicates the agent is retired but kept for audit.
	AgentDeprecated AgentStatus = "deprecated"
)

// Agent is an executor template: a named behavioral spec plus the
// context and tools it works with. Agents are created administratively
// and never deleted; retirement flips the status to deprecated.
type Agent struct {
	// Name is the unique identifier for this agent.
	Name string `json:"name"`
	// Instruction is the behavioral spec passed to the reasoning provider.
	Instruction string `json:"instruction"`
	// ContextDocuments lists document names supplied with every request,
	// in order.
	ContextDocuments []string `json:"context_documents,omitempty"`
	// Tools lists the tool names this agent may request.
	Tools []string `json:"tools,omitempty"`
	// Capabilities is the agent's base set of permission tags.
	Capabilities []string `json:"capabilities,omitempty"`
	// Status is active or deprecated.
	Status AgentStatus `json:"status"`
	// CreatedAt is when the agent was registered.
	CreatedAt time.Time `json:"created_at"`
}

// HasCapability returns true if the tag is in the agent's base set.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ContextDocument is a named piece of reference material supplied to
// the reasoning provider alongside an agent's instruction.
type ContextDocument struct {
	// Name is the unique identifier for this document.
	Name string `json:"name"`
	// Content is the document body.
	Content string `json:"content"`
	// CreatedAt is when the document was stored.
	CreatedAt time.Time `json:"created_at"`
}
