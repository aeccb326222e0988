// Package engine defines the external workflow-execution capability. The
// node never interprets workflows itself; it hands them to an injected
// Engine and packages whatever comes back.
package engine

import (
	"context"
	"fmt"
)

// FailureKind classifies engine failures.
type FailureKind string

const (
	FailureUnsupportedModel FailureKind = "unsupported_model"
	FailureExecution        FailureKind = "execution_error"
	FailureInternal         FailureKind = "internal_error"
)

// Failure is a typed error reported by the engine. Its Reason string ends up
// verbatim in the Failed task result.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Reason returns the failure reason for the task result payload.
func (f *Failure) Reason() string {
	return string(f.Kind)
}

// Engine runs a workflow descriptor against a model constraint and returns
// the output payload or a typed failure. Implementations must honor ctx
// cancellation on a best-effort basis; callers abandon invocations whose
// engines cannot be cancelled.
type Engine interface {
	Execute(ctx context.Context, workflow []byte, model string) ([]byte, error)
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, workflow []byte, model string) ([]byte, error)

func (f Func) Execute(ctx context.Context, workflow []byte, model string) ([]byte, error) {
	return f(ctx, workflow, model)
}

// Echo is a trivial built-in engine that returns the workflow descriptor as
// the output. It exists so the node binary runs end-to-end without an
// external backend wired in.
func Echo() Engine {
	return Func(func(ctx context.Context, workflow []byte, _ string) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, &Failure{Kind: FailureExecution, Message: ctx.Err().Error()}
		default:
			return workflow, nil
		}
	})
}
