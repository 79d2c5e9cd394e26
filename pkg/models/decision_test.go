package models

import "testing"

func TestDecision_Validate(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		wantErr  bool
	}{
		{
			name:     "valid respond",
			decision: Decision{Kind: DecisionRespond, Respond: &RespondPayload{Text: "hi"}},
			wantErr:  false,
		},
		{
			name: "valid call_tool",
			decision: Decision{Kind: DecisionCallTool, CallTool: &CallToolPayload{
				Tool:   "read_file",
				Params: map[string]any{"path": "a.txt"},
			}},
			wantErr: false,
		},
		{
			name: "valid create_subtasks",
			decision: Decision{Kind: DecisionCreateSubtasks, CreateSubtasks: &CreateSubtasksPayload{
				Subtasks: []SubtaskSpec{{Instruction: "summarize chapter 1"}},
			}},
			wantErr: false,
		},
		{
			name:     "valid end_task result",
			decision: Decision{Kind: DecisionEndTask, EndTask: &EndTaskPayload{Result: "done"}},
			wantErr:  false,
		},
		{
			name:     "valid end_task error",
			decision: Decision{Kind: DecisionEndTask, EndTask: &EndTaskPayload{Error: "boom"}},
			wantErr:  false,
		},
		{
			name:     "no payload",
			decision: Decision{Kind: DecisionRespond},
			wantErr:  true,
		},
		{
			name: "payload mismatch",
			decision: Decision{Kind: DecisionRespond, CallTool: &CallToolPayload{
				Tool: "read_file",
			}},
			wantErr: true,
		},
		{
			name: "two payloads",
			decision: Decision{
				Kind:    DecisionRespond,
				Respond: &RespondPayload{Text: "hi"},
				EndTask: &EndTaskPayload{Result: "done"},
			},
			wantErr: true,
		},
		{
			name:     "unknown kind",
			decision: Decision{Kind: "escalate", Respond: &RespondPayload{Text: "hi"}},
			wantErr:  true,
		},
		{
			name:     "call_tool without name",
			decision: Decision{Kind: DecisionCallTool, CallTool: &CallToolPayload{}},
			wantErr:  true,
		},
		{
			name: "create_subtasks empty",
			decision: Decision{Kind: DecisionCreateSubtasks, CreateSubtasks: &CreateSubtasksPayload{
				Subtasks: nil,
			}},
			wantErr: true,
		},
		{
			name: "subtask without instruction",
			decision: Decision{Kind: DecisionCreateSubtasks, CreateSubtasks: &CreateSubtasksPayload{
				Subtasks: []SubtaskSpec{{Instruction: ""}},
			}},
			wantErr: true,
		},
		{
			name:     "end_task with both result and error",
			decision: Decision{Kind: DecisionEndTask, EndTask: &EndTaskPayload{Result: "done", Error: "boom"}},
			wantErr:  true,
		},
		{
			name:     "end_task with neither",
			decision: Decision{Kind: DecisionEndTask, EndTask: &EndTaskPayload{}},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decision.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
