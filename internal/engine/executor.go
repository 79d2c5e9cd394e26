package engine

import (
	"context"
	"fmt"

	"github.com/cmoretti/conductor/pkg/models"
)

// ToolExecutor carries out an authorized tool invocation. The engine
// never calls it before the permission manager has approved the
// invocation.
type ToolExecutor interface {
	Execute(ctx context.Context, tool *models.ToolDescriptor, params map[string]any) (string, error)
}

// ToolFunc implements one tool.
type ToolFunc func(ctx context.Context, params map[string]any) (string, error)

// FuncExecutor dispatches tool invocations to registered functions.
type FuncExecutor struct {
	funcs map[string]ToolFunc
}

// NewFuncExecutor creates an executor over the given tool functions.
func NewFuncExecutor(funcs map[string]ToolFunc) *FuncExecutor {
	if funcs == nil {
		funcs = make(map[string]ToolFunc)
	}
	return &FuncExecutor{funcs: funcs}
}

// Register binds a tool name to its implementation.
func (e *FuncExecutor) Register(name string, fn ToolFunc) {
	e.funcs[name] = fn
}

// Execute runs the named tool.
func (e *FuncExecutor) Execute(ctx context.Context, tool *models.ToolDescriptor, params map[string]any) (string, error) {
	fn, ok := e.funcs[tool.Name]
	if !ok {
		return "", fmt.Errorf("tool %s has no implementation", tool.Name)
	}
	return fn(ctx, params)
}
