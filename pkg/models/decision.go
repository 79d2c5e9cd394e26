package models

import "fmt"

// DecisionKind is the tag of the reasoning provider's structured decision.
type DecisionKind string

const (
	// DecisionRespond adds text to the task's running output.
	DecisionRespond DecisionKind = "respond"
	// DecisionCallTool requests a tool invocation.
	DecisionCallTool DecisionKind = "call_tool"
	// DecisionCreateSubtasks requests one or more subtasks.
	DecisionCreateSubtasks DecisionKind = "create_subtasks"
	// DecisionEndTask terminates the task with a result or error.
	DecisionEndTask DecisionKind = "end_task"
)

// Decision is the closed tagged union returned by the reasoning
// provider. Exactly one payload field matching Kind is set; any other
// shape is malformed and rejected by Validate.
type Decision struct {
	Kind           DecisionKind           `json:"kind"`
	Respond        *RespondPayload        `json:"respond,omitempty"`
	CallTool       *CallToolPayload       `json:"call_tool,omitempty"`
	CreateSubtasks *CreateSubtasksPayload `json:"create_subtasks,omitempty"`
	EndTask        *EndTaskPayload        `json:"end_task,omitempty"`
}

// RespondPayload carries free-form text output.
type RespondPayload struct {
	Text string `json:"text"`
}

// CallToolPayload names a tool and its parameters.
type CallToolPayload struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// SubtaskSpec describes one subtask to create.
type SubtaskSpec struct {
	Instruction string `json:"instruction"`
	AgentName   string `json:"agent_name,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

// CreateSubtasksPayload lists subtasks in the order they should be created.
type CreateSubtasksPayload struct {
	Subtasks []SubtaskSpec `json:"subtasks"`
}

// EndTaskPayload carries the terminal result or error.
// Exactly one of Result and Error is set.
type EndTaskPayload struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Validate checks that the decision has a known kind and exactly the
// payload that kind requires.
func (d *Decision) Validate() error {
	set := 0
	if d.Respond != nil {
		set++
	}
	if d.CallTool != nil {
		set++
	}
	if d.CreateSubtasks != nil {
		set++
	}
	if d.EndTask != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("decision must carry exactly one payload, has %d", set)
	}

	switch d.Kind {
	case DecisionRespond:
		if d.Respond == nil {
			return fmt.Errorf("respond decision missing payload")
		}
	case DecisionCallTool:
		if d.CallTool == nil {
			return fmt.Errorf("call_tool decision missing payload")
		}
		if d.CallTool.Tool == "" {
			return fmt.Errorf("call_tool decision missing tool name")
		}
	case DecisionCreateSubtasks:
		if d.CreateSubtasks == nil {
			return fmt.Errorf("create_subtasks decision missing payload")
		}
		if len(d.CreateSubtasks.Subtasks) == 0 {
			return fmt.Errorf("create_subtasks decision has no subtasks")
		}
		for i, s := range d.CreateSubtasks.Subtasks {
			if s.Instruction == "" {
				return fmt.Errorf("subtask %d has empty instruction", i)
			}
		}
	case DecisionEndTask:
		if d.EndTask == nil {
			return fmt.Errorf("end_task decision missing payload")
		}
		if (d.EndTask.Result == "") == (d.EndTask.Error == "") {
			return fmt.Errorf("end_task decision requires exactly one of result and error")
		}
	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
	return nil
}

// Message is one entry in the history passed to the reasoning provider.
type Message struct {
	// Role is "user", "assistant", or "tool".
	Role string `json:"role"`
	// Content is the message body.
	Content string `json:"content"`
}
