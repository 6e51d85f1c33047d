package playbook

import (
	"context"
	"fmt"
	"log/slog"
)

// Action is one named, parameterized response operation a playbook step
// can invoke (isolate a host, disable a user, block an IP, open a
// ticket...). Mirrors the original's action_executor.execute dispatch,
// generalized into a Go interface registry the way pkg/parsers.Registry
// generalizes format dispatch.
type Action interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// ActionRegistry holds every action available to the engine. Built once by
// the composition root and read-only thereafter.
type ActionRegistry struct {
	actions map[string]Action
	log     *slog.Logger
}

// NewActionRegistry builds an empty registry.
func NewActionRegistry(logger *slog.Logger) *ActionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionRegistry{actions: map[string]Action{}, log: logger.With("component", "playbook.actions")}
}

// Register adds an action, keyed by its Name().
func (r *ActionRegistry) Register(a Action) {
	r.actions[a.Name()] = a
	r.log.Info("registered action", "name", a.Name())
}

// Execute runs the named action, or returns an error if it is unknown.
func (r *ActionRegistry) Execute(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	action, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("playbook: unknown action %q", name)
	}
	return action.Execute(ctx, params)
}

// ActionFunc adapts a plain function to the Action interface, for simple
// built-in actions that need no state.
type ActionFunc struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (map[string]any, error)
}

// NewActionFunc builds an Action from a name and a function.
func NewActionFunc(name string, fn func(ctx context.Context, params map[string]any) (map[string]any, error)) ActionFunc {
	return ActionFunc{name: name, fn: fn}
}

func (f ActionFunc) Name() string { return f.name }

func (f ActionFunc) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f.fn(ctx, params)
}
