// Package protocol defines the boundary between the dispatcher and the
// processes that actually execute worker code.
package protocol

import (
	"context"
)

// Runner executes one job on behalf of a worker installation. The dispatcher
// cancels ctx to enforce timeouts and operator cancellation; implementations
// must return promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, workerKey, version string, payload map[string]any) (map[string]any, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, workerKey, version string, payload map[string]any) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, workerKey, version string, payload map[string]any) (map[string]any, error) {
	return f(ctx, workerKey, version, payload)
}
