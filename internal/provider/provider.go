// Package provider abstracts the reasoning backend that turns a task's
// instruction and history into a structured decision.
package provider

import (
	"context"
	"errors"

	"github.com/cmoretti/conductor/pkg/models"
)

// ErrUnavailable indicates the backend could not be reached or
// returned a transient failure. Retryable.
var ErrUnavailable = errors.New("provider unavailable")

// ErrMalformed indicates the backend responded with something that
// does not decode into a valid decision. Retryable.
var ErrMalformed = errors.New("provider returned malformed decision")

// Request carries everything the provider needs for one decision.
type Request struct {
	// Instruction is the agent's behavioral spec.
	Instruction string
	// TaskInstruction is the work description for this task.
	TaskInstruction string
	// Documents is the agent's context material, in order.
	Documents []*models.ContextDocument
	// Tools lists the tools the agent may request.
	Tools []*models.ToolDescriptor
	// History is the conversation so far, oldest first.
	History []models.Message
	// Depth is the task's distance from its tree root, surfaced so the
	// provider can be told how much recursion headroom remains.
	Depth int
	// MaxDepth is the engine's recursion ceiling.
	MaxDepth int
}

// Provider produces one structured decision per call.
type Provider interface {
	// Decide returns the next decision for the task. Implementations
	// return ErrUnavailable for transient backend failures and
	// ErrMalformed when the response does not validate.
	Decide(ctx context.Context, req *Request) (*models.Decision, error)
}
