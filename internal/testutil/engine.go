// Package testutil provides shared helpers for tests: scripted engines and
// loopback libp2p host pairs.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/meshcompute/compute-node/internal/engine"
)

// EchoEngine returns the workflow descriptor as the output.
func EchoEngine() engine.Engine {
	return engine.Func(func(_ context.Context, workflow []byte, _ string) ([]byte, error) {
		return workflow, nil
	})
}

// StaticEngine always returns the given output.
func StaticEngine(output []byte) engine.Engine {
	return engine.Func(func(_ context.Context, _ []byte, _ string) ([]byte, error) {
		return output, nil
	})
}

// FailingEngine always returns the given failure.
func FailingEngine(f *engine.Failure) engine.Engine {
	return engine.Func(func(_ context.Context, _ []byte, _ string) ([]byte, error) {
		return nil, f
	})
}

// BlockingEngine never completes until released or cancelled. Use it to
// exercise timeouts, backpressure and shutdown paths.
type BlockingEngine struct {
	release chan struct{}
	once    sync.Once

	started atomic.Int64
}

func NewBlockingEngine() *BlockingEngine {
	return &BlockingEngine{release: make(chan struct{})}
}

// Started reports how many executions have begun.
func (e *BlockingEngine) Started() int64 {
	return e.started.Load()
}

// Release unblocks all pending and future executions.
func (e *BlockingEngine) Release() {
	e.once.Do(func() { close(e.release) })
}

func (e *BlockingEngine) Execute(ctx context.Context, workflow []byte, _ string) ([]byte, error) {
	e.started.Add(1)
	select {
	case <-e.release:
		return workflow, nil
	case <-ctx.Done():
		return nil, &engine.Failure{Kind: engine.FailureExecution, Message: ctx.Err().Error()}
	}
}

// CountingEngine tracks the maximum number of concurrent executions it has
// observed.
type CountingEngine struct {
	inner engine.Engine

	mu      sync.Mutex
	current int
	max     int
}

func NewCountingEngine(inner engine.Engine) *CountingEngine {
	return &CountingEngine{inner: inner}
}

// MaxConcurrent reports the high-water mark of concurrent executions.
func (e *CountingEngine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max
}

func (e *CountingEngine) Execute(ctx context.Context, workflow []byte, model string) ([]byte, error) {
	e.mu.Lock()
	e.current++
	if e.current > e.max {
		e.max = e.current
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.current--
		e.mu.Unlock()
	}()
	return e.inner.Execute(ctx, workflow, model)
}
