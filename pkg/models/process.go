package models

// Process is a named, versioned procedure definition the engine
// executes for a task. It is a stateless template and is not owned by
// any task; the coded implementation lives in the engine's registry.
type Process struct {
	// Name is the unique identifier for this process.
	Name string `json:"name"`
	// Version distinguishes revisions of the same procedure.
	Version int `json:"version"`
	// Description explains what the process does.
	Description string `json:"description,omitempty"`
	// Phases lists the procedure's phase names in execution order.
	Phases []string `json:"phases,omitempty"`
}
