package models

import "time"

// ParamSpec describes a single tool parameter.
type ParamSpec struct {
	// Type is the JSON type name: string, integer, number, boolean, array, object.
	Type string `json:"type"`
	// Description explains the parameter to the reasoning provider.
	Description string `json:"description,omitempty"`
}

// ToolSchema is the parameter schema for a tool.
type ToolSchema struct {
	// Properties maps parameter names to their specs.
	Properties map[string]ParamSpec `json:"properties,omitempty"`
	// Required lists parameter names that must be present.
	Required []string `json:"required,omitempty"`
}

// ToolDescriptor describes a callable external capability.
// Descriptors are read-only at runtime.
type ToolDescriptor struct {
	// Name is the unique identifier for this tool.
	Name string `json:"name"`
	// Description explains what the tool does.
	Description string `json:"description,omitempty"`
	// Schema is the parameter schema validated before every invocation.
	Schema ToolSchema `json:"schema"`
	// Capabilities lists the permission tags required to invoke this tool.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Grant is a time-bounded, task-scoped capability extension beyond an
// agent's base permissions. Grants are owned by the permission manager
// and expire automatically.
type Grant struct {
	// ID is the unique identifier for this grant.
	ID string `json:"id"`
	// TaskID scopes the grant to a single task.
	TaskID int64 `json:"task_id"`
	// ToolName is the tool this grant was issued for, if any.
	ToolName string `json:"tool_name,omitempty"`
	// Capabilities lists the permission tags this grant adds.
	Capabilities []string `json:"capabilities"`
	// ScopedParams restricts parameter values the grant covers.
	ScopedParams map[string]string `json:"scoped_params,omitempty"`
	// ExpiresAt is when the grant stops contributing capabilities.
	ExpiresAt time.Time `json:"expires_at"`
	// CreatedAt is when the grant was issued.
	CreatedAt time.Time `json:"created_at"`
}

// Expired returns true if the grant is past its expiry.
func (g *Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}
