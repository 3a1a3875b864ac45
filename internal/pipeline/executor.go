package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"orrery/internal/groups"
)

// Operation names the work that moves a group from one stage to the next.
const (
	OpCalibrate = "calibrate"
	OpImage     = "image"
	OpMosaic    = "mosaic"
)

// OperationForStage maps a group's current stage to the operation that
// advances it. The mosaicked→done transition has no executor: it registers the
// product with the publish engine instead.
func OperationForStage(stage groups.Stage) string {
	switch stage {
	case groups.StageFormed:
		return OpCalibrate
	case groups.StageCalibrated:
		return OpImage
	case groups.StageImaged:
		return OpMosaic
	default:
		return ""
	}
}

// Request describes one stage invocation.
type Request struct {
	GroupID    string
	Operation  string
	Members    []string
	InputPath  string
	OutputPath string
	// Resources maps calibration kinds to resolved artifact paths.
	Resources map[string]string
}

// Result reports what a stage produced.
type Result struct {
	OutputPath string
}

// Executor performs one stage operation. Implementations must be idempotent:
// when OutputPath already holds a complete product they return it without
// redoing the work.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry holds the executor for each operation.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

// Register binds an executor to an operation, replacing any previous binding.
func (r *Registry) Register(operation string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[operation] = executor
}

// Lookup returns the executor for an operation.
func (r *Registry) Lookup(operation string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[operation]
	if !ok {
		return nil, fmt.Errorf("no executor registered for operation %q", operation)
	}
	return executor, nil
}

// Operations lists registered operations in stable order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for op := range r.executors {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
