// Package deliberation runs the three-phase answer, review and synthesis
// flow across the configured agents.
package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synedrio/internal/agent"
	"github.com/mtzanidakis/synedrio/internal/metrics"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/search"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/mtzanidakis/synedrio/internal/swarm"
	"github.com/mtzanidakis/synedrio/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Publisher receives lifecycle events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Ledger records run metadata. *store.Store satisfies it.
type Ledger interface {
	SaveRun(r *store.Run) error
}

type Options struct {
	Agents       []agent.Agent
	Invoker      agent.Invoker
	Gate         *search.Gate
	AgentTimeout time.Duration

	// Optional.
	Events Publisher
	Ledger Ledger
}

// Pipeline is safe for concurrent use; every Run keeps its state local.
type Pipeline struct {
	agents  []agent.Agent
	exec    *swarm.Executor
	gate    *search.Gate
	timeout time.Duration
	events  Publisher
	ledger  Ledger
}

func New(opts Options) (*Pipeline, error) {
	if len(opts.Agents) == 0 {
		return nil, errors.New("at least one agent is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("search gate is required")
	}
	timeout := opts.AgentTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	agents := make([]agent.Agent, len(opts.Agents))
	copy(agents, opts.Agents)

	return &Pipeline{
		agents:  agents,
		exec:    swarm.NewExecutor(opts.Invoker),
		gate:    opts.Gate,
		timeout: timeout,
		events:  opts.Events,
		ledger:  opts.Ledger,
	}, nil
}

// Agents returns a copy of the configured agents in order.
func (p *Pipeline) Agents() []agent.Agent {
	out := make([]agent.Agent, len(p.agents))
	copy(out, p.agents)
	return out
}

// Run answers query through all three phases.
func (p *Pipeline) Run(ctx context.Context, query string) (*Record, error) {
	return p.RunFrom(ctx, "http", query)
}

// RunFrom is Run with the inbound boundary recorded in the run ledger.
// Agent calls are detached from ctx cancellation: a client that goes away
// does not abort calls already in flight. Only the per-call timeout bounds
// them.
func (p *Pipeline) RunFrom(ctx context.Context, source, query string) (*Record, error) {
	if strings.TrimSpace(query) == "" {
		metrics.Queries.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidInput
	}

	ctx = context.WithoutCancel(ctx)
	r := &run{
		p:     p,
		id:    uuid.New().String(),
		state: StateInit,
		ledger: &store.Run{
			Source:      source,
			Status:      store.RunRunning,
			Agents:      len(p.agents),
			Synthesizer: p.agents[0].Name,
		},
	}
	r.ledger.ID = r.id

	ctx, span := tracing.StartSpan(ctx, "deliberation.run",
		attribute.String("run", r.id),
		attribute.Int("agents", len(p.agents)),
	)
	defer span.End()

	start := time.Now()
	slog.Info("deliberation started", "run", r.id, "source", source, "agents", len(p.agents))
	r.save()
	r.publish("deliberation_started", map[string]any{
		"source": source,
		"agents": agentNames(p.agents),
		"state":  r.state.String(),
	})

	var snippets []string
	if p.gate.Decide(query) {
		snippets = p.gate.Fetch(ctx, query)
		r.ledger.SearchUsed = true
		r.publish("search_completed", map[string]any{"snippets": len(snippets)})
	}
	block := SearchBlock(snippets)

	r.advance(StatePhase1)
	initial := r.fanOut(ctx, 1, InitialPrompt(query, block))
	r.ledger.Phase1Failures = failures(initial)

	r.advance(StatePhase2)
	deliberations := r.fanOut(ctx, 2, DeliberationPrompt(query, block, initial))
	r.ledger.Phase2Failures = failures(deliberations)

	r.advance(StatePhase3)
	final := r.synthesize(ctx, SynthesisPrompt(query, block, initial, deliberations))
	if !final.OK() {
		err := &SynthesisError{Agent: final.Agent, Failure: final.Failure}
		slog.Error("deliberation failed", "run", r.id, "agent", final.Agent, "error", err)
		tracing.RecordError(span, err)
		metrics.Queries.WithLabelValues("failed").Inc()

		r.ledger.Status = store.RunFailed
		r.ledger.Error = err.Error()
		r.save()
		r.publish("deliberation_failed", map[string]any{
			"agent": final.Agent,
			"error": err.Error(),
			"kind":  string(final.Failure.Kind),
		})
		return nil, err
	}

	r.advance(StateDone)
	tracing.SetOK(span)
	metrics.Queries.WithLabelValues("completed").Inc()

	r.ledger.Status = store.RunCompleted
	r.save()
	r.publish("deliberation_completed", map[string]any{
		"duration_ms":     time.Since(start).Milliseconds(),
		"phase1_failures": r.ledger.Phase1Failures,
		"phase2_failures": r.ledger.Phase2Failures,
	})
	slog.Info("deliberation completed", "run", r.id, "duration", time.Since(start))

	return &Record{
		RunID:         r.id,
		Query:         query,
		SearchContext: snippets,
		Initial:       initial,
		Deliberations: deliberations,
		FinalResponse: final.Text,
	}, nil
}

// run carries the per-query state. Nothing in it is shared across runs.
type run struct {
	p      *Pipeline
	id     string
	state  State
	ledger *store.Run
}

func (r *run) advance(to State) {
	if to <= r.state {
		panic(fmt.Sprintf("deliberation: illegal transition %s -> %s", r.state, to))
	}
	slog.Debug("deliberation state", "run", r.id, "from", r.state.String(), "to", to.String())
	r.state = to
}

func (r *run) fanOut(ctx context.Context, phase int, prompt string) []agent.Result {
	ctx, span := tracing.StartSpan(ctx, "deliberation.phase", attribute.Int("phase", phase))
	defer span.End()

	r.publish("phase_started", map[string]any{"phase": phase, "state": r.state.String()})
	start := time.Now()

	results := r.p.exec.Run(ctx, r.p.agents, prompt, r.p.timeout, func(i int, res agent.Result) {
		r.publishAgent(phase, i, res)
	})

	metrics.PhaseDuration.WithLabelValues(strconv.Itoa(phase)).Observe(time.Since(start).Seconds())
	failed := failures(results)
	span.SetAttributes(attribute.Int("failures", failed))
	slog.Info("phase completed", "run", r.id, "phase", phase, "failures", failed, "duration", time.Since(start))
	r.publish("phase_completed", map[string]any{"phase": phase, "failures": failed})
	return results
}

// synthesize makes exactly one call, against the first agent, once phases
// 1 and 2 have fully settled.
func (r *run) synthesize(ctx context.Context, prompt string) agent.Result {
	ctx, span := tracing.StartSpan(ctx, "deliberation.phase", attribute.Int("phase", 3))
	defer span.End()

	r.publish("phase_started", map[string]any{"phase": 3, "state": r.state.String()})
	start := time.Now()

	res := r.p.exec.Run(ctx, r.p.agents[:1], prompt, r.p.timeout, func(i int, res agent.Result) {
		r.publishAgent(3, i, res)
	})[0]

	metrics.PhaseDuration.WithLabelValues("3").Observe(time.Since(start).Seconds())
	if !res.OK() {
		tracing.RecordError(span, res.Failure)
	}
	r.publish("phase_completed", map[string]any{"phase": 3, "failures": failures([]agent.Result{res})})
	return res
}

func (r *run) publishAgent(phase, index int, res agent.Result) {
	data := map[string]any{
		"phase": phase,
		"index": index,
		"agent": res.Agent,
		"ok":    res.OK(),
	}
	if res.Failure != nil {
		data["kind"] = string(res.Failure.Kind)
		data["error"] = res.Failure.Message
	}
	r.publish("agent_completed", data)
}

func (r *run) publish(eventType string, data map[string]any) {
	if r.p.events == nil {
		return
	}
	ev := natsbus.NewEvent(eventType, r.id, data)
	if err := r.p.events.PublishJSON(natsbus.TopicEventsDeliberation(r.id), ev); err != nil {
		slog.Warn("publish event failed", "run", r.id, "event", eventType, "error", err)
	}
}

func (r *run) save() {
	if r.p.ledger == nil {
		return
	}
	if err := r.p.ledger.SaveRun(r.ledger); err != nil {
		slog.Warn("save run failed", "run", r.id, "error", err)
	}
}

func agentNames(agents []agent.Agent) []string {
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	return names
}
