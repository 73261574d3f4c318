// Package swarm fans a single prompt out to a group of agents.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/synedrio/internal/agent"
)

// Observer is notified as each agent settles. It is called from the agent's
// goroutine, so implementations must be safe for concurrent use. A panicking
// observer is logged and does not affect the result.
type Observer func(index int, result agent.Result)

type Executor struct {
	invoker agent.Invoker
}

func NewExecutor(inv agent.Invoker) *Executor {
	return &Executor{invoker: inv}
}

// Run invokes every agent concurrently and returns once all calls have
// settled. The result at index i always belongs to agents[i]; failures are
// recorded in place and never stop the other calls.
func (e *Executor) Run(ctx context.Context, agents []agent.Agent, prompt string, timeout time.Duration, observers ...Observer) []agent.Result {
	results := make([]agent.Result, len(agents))

	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a agent.Agent) {
			defer wg.Done()

			r := e.invoke(ctx, a, prompt, timeout)
			results[i] = r

			for _, obs := range observers {
				notify(obs, i, r)
			}
		}(i, a)
	}
	wg.Wait()

	return results
}

func notify(obs Observer, i int, r agent.Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("fan-out observer panicked", "agent", r.Agent, "index", i, "panic", p)
		}
	}()
	obs(i, r)
}

func (e *Executor) invoke(ctx context.Context, a agent.Agent, prompt string, timeout time.Duration) (r agent.Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("agent invoker panicked", "agent", a.Name, "panic", p)
			r = agent.Result{
				Agent: a.Name,
				Failure: &agent.Failure{
					Kind:    agent.KindProtocol,
					Message: fmt.Sprintf("%s failed: %v", a.Name, p),
				},
			}
		}
	}()

	r = e.invoker.Invoke(ctx, a, prompt, timeout)
	r.Agent = a.Name
	return r
}
