package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

// scriptedProvider returns canned results in sequence.
type scriptedProvider struct {
	results []result
	calls   int
}

type result struct {
	decision *models.Decision
	err      error
}

func (s *scriptedProvider) Decide(ctx context.Context, req *Request) (*models.Decision, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i].decision, s.results[i].err
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func respondDecision(text string) *models.Decision {
	return &models.Decision{
		Kind:    models.DecisionRespond,
		Respond: &models.RespondPayload{Text: text},
	}
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	inner := &scriptedProvider{results: []result{
		{err: ErrUnavailable},
		{err: ErrMalformed},
		{decision: respondDecision("ok")},
	}}
	r := NewRetrier(inner, 5, time.Millisecond)
	r.sleep = noSleep

	decision, err := r.Decide(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision.Respond.Text != "ok" {
		t.Errorf("Text = %q, want ok", decision.Respond.Text)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	inner := &scriptedProvider{results: []result{{err: ErrUnavailable}}}
	r := NewRetrier(inner, 3, time.Millisecond)
	r.sleep = noSleep

	_, err := r.Decide(context.Background(), &Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want wrapped ErrUnavailable", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetrier_NonRetryableErrorPassesThrough(t *testing.T) {
	fatal := errors.New("bad request")
	inner := &scriptedProvider{results: []result{{err: fatal}}}
	r := NewRetrier(inner, 5, time.Millisecond)
	r.sleep = noSleep

	_, err := r.Decide(context.Background(), &Request{})
	if !errors.Is(err, fatal) {
		t.Fatalf("error = %v, want pass-through", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetrier_ContextCancelStopsRetrying(t *testing.T) {
	inner := &scriptedProvider{results: []result{{err: ErrUnavailable}}}
	r := NewRetrier(inner, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Decide(ctx, &Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		input    string
		wantKind models.DecisionKind
		wantErr  bool
	}{
		{
			name:     "respond",
			tool:     "respond",
			input:    `{"text":"hello"}`,
			wantKind: models.DecisionRespond,
		},
		{
			name:     "call_tool",
			tool:     "call_tool",
			input:    `{"tool":"read_file","params":{"path":"/tmp/x"}}`,
			wantKind: models.DecisionCallTool,
		},
		{
			name:     "create_subtasks",
			tool:     "create_subtasks",
			input:    `{"subtasks":[{"instruction":"step one"},{"instruction":"step two","priority":8}]}`,
			wantKind: models.DecisionCreateSubtasks,
		},
		{
			name:     "end_task success",
			tool:     "end_task",
			input:    `{"result":"all done"}`,
			wantKind: models.DecisionEndTask,
		},
		{
			name:     "end_task failure",
			tool:     "end_task",
			input:    `{"error":"could not proceed"}`,
			wantKind: models.DecisionEndTask,
		},
		{
			name:    "unknown tool",
			tool:    "launch_rocket",
			input:   `{}`,
			wantErr: true,
		},
		{
			name:    "call_tool without name",
			tool:    "call_tool",
			input:   `{"params":{}}`,
			wantErr: true,
		},
		{
			name:    "empty subtasks",
			tool:    "create_subtasks",
			input:   `{"subtasks":[]}`,
			wantErr: true,
		},
		{
			name:    "subtask without instruction",
			tool:    "create_subtasks",
			input:   `{"subtasks":[{"priority":5}]}`,
			wantErr: true,
		},
		{
			name:    "end_task with both",
			tool:    "end_task",
			input:   `{"result":"x","error":"y"}`,
			wantErr: true,
		},
		{
			name:    "end_task with neither",
			tool:    "end_task",
			input:   `{}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			tool:    "respond",
			input:   `{"text":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseDecision(tt.tool, json.RawMessage(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDecision failed: %v", err)
			}
			if d.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", d.Kind, tt.wantKind)
			}
		})
	}
}

func TestSystemPrompt_MentionsToolsAndDepth(t *testing.T) {
	req := &Request{
		Instruction: "You summarize things.",
		Documents: []*models.ContextDocument{
			{Name: "style_guide", Content: "Be brief."},
		},
		Tools: []*models.ToolDescriptor{
			{Name: "read_file", Description: "Read a file."},
		},
		Depth:    2,
		MaxDepth: 5,
	}

	prompt := systemPrompt(req)
	for _, want := range []string{"You summarize things.", "style_guide", "Be brief.", "read_file", "depth 2 of 5"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
