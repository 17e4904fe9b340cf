package observability

import (
	"context"
	"sync"
)

// Checker defines the contract for any component that needs to report its health status.
// Implementations must be thread-safe and non-blocking (respecting the context).
type Checker interface {
	// Name returns the unique identifier of the component (e.g., "postgres", "redis").
	Name() string
	// Check performs the health verification. Returns nil if healthy, or an error if it fails.
	// The provided context must be used to respect timeouts.
	Check(ctx context.Context) error
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.ComponentName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// RunChecks executes every checker in parallel and returns the failures keyed
// by component name. An empty map means everything is healthy.
// Both the readiness probe and the rollout health gate rely on it.
func RunChecks(ctx context.Context, checkers []Checker) map[string]error {
	failures := make(map[string]error)

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			// Run the check respecting the context timeout
			err := c.Check(ctx)
			if err == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			failures[c.Name()] = err
		}(checker)
	}

	wg.Wait()
	return failures
}
