package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/cmoretti/conductor/pkg/models"
)

// AnthropicConfig configures the Anthropic-backed provider.
type AnthropicConfig struct {
	// Model is the Claude model to use.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes requests through AWS Bedrock.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens bounds each response. Defaults to 4096.
	MaxTokens int64
}

// Anthropic asks Claude for decisions via the Messages API. The model
// is forced to answer through one of four decision tools, which keeps
// the response machine-parseable.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic creates an Anthropic-backed provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Decide sends the request to the Messages API and parses the first
// decision-tool invocation in the response.
func (a *Anthropic) Decide(ctx context.Context, req *Request) (*models.Decision, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.TaskInstruction)),
	}
	for _, msg := range req.History {
		switch msg.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(req)},
		},
		Messages: messages,
		Tools:    decisionTools(req),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			return parseDecision(variant.Name, variant.Input)
		}
	}

	// A text-only end turn is taken as a respond decision.
	if resp.StopReason == anthropic.StopReasonEndTurn {
		var text strings.Builder
		for _, block := range resp.Content {
			if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
				text.WriteString(variant.Text)
			}
		}
		if text.Len() > 0 {
			return &models.Decision{
				Kind:    models.DecisionRespond,
				Respond: &models.RespondPayload{Text: text.String()},
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: no decision in response", ErrMalformed)
}

// systemPrompt assembles the agent instruction, context documents, and
// decision protocol into one system block.
func systemPrompt(req *Request) string {
	var b strings.Builder
	b.WriteString(req.Instruction)

	for _, doc := range req.Documents {
		fmt.Fprintf(&b, "\n\n## %s\n%s", doc.Name, doc.Content)
	}

	b.WriteString("\n\nAnswer every turn by calling exactly one of the decision tools: " +
		"respond, call_tool, create_subtasks, or end_task.")
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			names[i] = t.Name
		}
		fmt.Fprintf(&b, " Tools available through call_tool: %s.", strings.Join(names, ", "))
	}
	if req.MaxDepth > 0 {
		fmt.Fprintf(&b, " Subtask nesting is limited; this task is at depth %d of %d.", req.Depth, req.MaxDepth)
	}
	return b.String()
}

// decisionTools declares the four decision tools the model must answer
// through.
func decisionTools(req *Request) []anthropic.ToolUnionParam {
	callToolDesc := "Invoke one of the tools available to you."
	if len(req.Tools) > 0 {
		var parts []string
		for _, t := range req.Tools {
			parts = append(parts, fmt.Sprintf("%s (%s)", t.Name, t.Description))
		}
		callToolDesc += " Available: " + strings.Join(parts, "; ")
	}

	return []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        "respond",
				Description: anthropic.String("Add text to the task's running output and continue."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"text": map[string]interface{}{
							"type":        "string",
							"description": "The text to record",
						},
					},
					Required: []string{"text"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "call_tool",
				Description: anthropic.String(callToolDesc),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"tool": map[string]interface{}{
							"type":        "string",
							"description": "Name of the tool to invoke",
						},
						"params": map[string]interface{}{
							"type":        "object",
							"description": "Parameters matching the tool's schema",
						},
					},
					Required: []string{"tool"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "create_subtasks",
				Description: anthropic.String("Decompose the remaining work into subtasks. Execution suspends until all of them finish."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"subtasks": map[string]interface{}{
							"type":        "array",
							"description": "Subtasks in the order they should run",
							"items": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"instruction": map[string]interface{}{
										"type":        "string",
										"description": "Work description for the subtask",
									},
									"agent_name": map[string]interface{}{
										"type":        "string",
										"description": "Executor to assign (optional, defaults to yours)",
									},
									"priority": map[string]interface{}{
										"type":        "integer",
										"description": "1 (lowest) to 10 (highest)",
									},
								},
								"required": []string{"instruction"},
							},
						},
					},
					Required: []string{"subtasks"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "end_task",
				Description: anthropic.String("Finish the task with a result on success or an error on failure, never both."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"result": map[string]interface{}{
							"type":        "string",
							"description": "Final output on success",
						},
						"error": map[string]interface{}{
							"type":        "string",
							"description": "Failure description",
						},
					},
				},
			},
		},
	}
}

// parseDecision decodes a decision-tool invocation into a validated
// Decision. Any shape violation maps to ErrMalformed.
func parseDecision(name string, input json.RawMessage) (*models.Decision, error) {
	d := &models.Decision{}

	switch name {
	case "respond":
		d.Kind = models.DecisionRespond
		d.Respond = &models.RespondPayload{}
		if err := json.Unmarshal(input, d.Respond); err != nil {
			return nil, fmt.Errorf("%w: respond: %v", ErrMalformed, err)
		}
	case "call_tool":
		d.Kind = models.DecisionCallTool
		d.CallTool = &models.CallToolPayload{}
		if err := json.Unmarshal(input, d.CallTool); err != nil {
			return nil, fmt.Errorf("%w: call_tool: %v", ErrMalformed, err)
		}
	case "create_subtasks":
		d.Kind = models.DecisionCreateSubtasks
		d.CreateSubtasks = &models.CreateSubtasksPayload{}
		if err := json.Unmarshal(input, d.CreateSubtasks); err != nil {
			return nil, fmt.Errorf("%w: create_subtasks: %v", ErrMalformed, err)
		}
	case "end_task":
		d.Kind = models.DecisionEndTask
		d.EndTask = &models.EndTaskPayload{}
		if err := json.Unmarshal(input, d.EndTask); err != nil {
			return nil, fmt.Errorf("%w: end_task: %v", ErrMalformed, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown decision tool %q", ErrMalformed, name)
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}
