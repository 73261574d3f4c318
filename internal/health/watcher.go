package health

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/synedrio/internal/agent"
	"github.com/mtzanidakis/synedrio/internal/metrics"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
)

// Publisher receives agent_status events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Watcher runs a fresh probe per tick, publishes every report and logs
// status transitions. The last-seen state is private to the watcher and is
// never served to callers.
type Watcher struct {
	probe  *Probe
	agents []agent.Agent
	events Publisher

	mu   sync.Mutex
	last map[string]bool
}

func NewWatcher(probe *Probe, agents []agent.Agent, events Publisher) *Watcher {
	own := make([]agent.Agent, len(agents))
	copy(own, agents)
	return &Watcher{
		probe:  probe,
		agents: own,
		events: events,
		last:   make(map[string]bool),
	}
}

// Tick is a scheduler.Job.
func (w *Watcher) Tick(ctx context.Context) {
	reports := w.probe.Check(ctx, w.agents)

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, r := range reports {
		up := 0.0
		if r.Reachable {
			up = 1
		}
		metrics.AgentUp.WithLabelValues(r.Agent).Set(up)

		prev, seen := w.last[r.Agent]
		if !seen || prev != r.Reachable {
			if r.Reachable {
				slog.Info("agent online", "agent", r.Agent, "endpoint", r.Endpoint, "model_available", r.ModelAvailable)
			} else {
				slog.Warn("agent offline", "agent", r.Agent, "endpoint", r.Endpoint, "error", r.Error)
			}
		}
		w.last[r.Agent] = r.Reachable

		w.publish(r, seen && prev != r.Reachable)
	}
}

func (w *Watcher) publish(r Report, changed bool) {
	if w.events == nil {
		return
	}
	ev := natsbus.NewEvent("agent_status", "", map[string]any{
		"agent":           r.Agent,
		"status":          r.Status,
		"model_available": r.ModelAvailable,
		"changed":         changed,
	})
	if err := w.events.PublishJSON(natsbus.TopicEventsHealth, ev); err != nil {
		slog.Warn("publish health event failed", "agent", r.Agent, "error", err)
	}
}
