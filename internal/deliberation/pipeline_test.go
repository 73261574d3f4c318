package deliberation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/agent"
	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/search"
	"github.com/mtzanidakis/synedrio/internal/store"
)

type call struct {
	agent  string
	phase  int
	prompt string
}

// fakeInvoker answers by phase; respond may return a failure kind to fail
// the call.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []call
	respond func(agentName string, phase int, prompt string) (string, agent.FailureKind)
}

func phaseOf(prompt string) int {
	switch {
	case strings.HasSuffix(prompt, "Final answer:"):
		return 3
	case strings.Contains(prompt, "Here are responses from all"):
		return 2
	default:
		return 1
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, a agent.Agent, prompt string, timeout time.Duration) agent.Result {
	phase := phaseOf(prompt)
	f.mu.Lock()
	f.calls = append(f.calls, call{agent: a.Name, phase: phase, prompt: prompt})
	f.mu.Unlock()

	text, kind := f.respond(a.Name, phase, prompt)
	if kind != "" {
		return agent.Result{Agent: a.Name, Failure: &agent.Failure{Kind: kind, Message: fmt.Sprintf("%s failed: %s", a.Name, kind)}}
	}
	return agent.Result{Agent: a.Name, Text: text}
}

func (f *fakeInvoker) callsIn(phase int) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.phase == phase {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeInvoker) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingProvider struct {
	calls   atomic.Int32
	results []search.Result
}

func (p *countingProvider) Name() string { return "counting" }
func (p *countingProvider) Search(ctx context.Context, query string, count int) ([]search.Result, error) {
	p.calls.Add(1)
	return p.results, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []natsbus.Event
}

func (p *recordingPublisher) PublishJSON(topic string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, v.(natsbus.Event))
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type recordingLedger struct {
	mu   sync.Mutex
	runs []store.Run
}

func (l *recordingLedger) SaveRun(r *store.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, *r)
	return nil
}

func (l *recordingLedger) last() store.Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[len(l.runs)-1]
}

func threeAgents() []agent.Agent {
	return agent.FromConfig([]config.AgentDefinition{
		{Name: "Agent1", Endpoint: "http://localhost:12000", Model: "llama3.1:latest"},
		{Name: "Agent2", Endpoint: "http://localhost:12001", Model: "llama3.1:latest"},
		{Name: "Agent3", Endpoint: "http://localhost:12002", Model: "llama3.1:latest"},
	})
}

func newPipeline(t *testing.T, inv agent.Invoker, provider search.Provider, opts ...func(*Options)) *Pipeline {
	t.Helper()
	o := Options{
		Agents:       threeAgents(),
		Invoker:      inv,
		Gate:         search.NewGate(config.SearchConfig{TriggerTerms: config.DefaultTriggerTerms}, provider),
		AgentTimeout: time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	p, err := New(o)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestSimpleQueryWithoutSearch(t *testing.T) {
	inv := &fakeInvoker{respond: func(name string, phase int, prompt string) (string, agent.FailureKind) {
		if phase == 3 {
			return "The answer is 4.", ""
		}
		return "4", ""
	}}
	provider := &countingProvider{}
	p := newPipeline(t, inv, provider)

	rec, err := p.Run(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.SearchContext != nil {
		t.Errorf("expected no search context, got %v", rec.SearchContext)
	}
	if provider.calls.Load() != 0 {
		t.Error("search provider must not be called when the gate says no")
	}
	if len(rec.Initial) != 3 || len(rec.Deliberations) != 3 {
		t.Fatalf("expected 3 results per phase, got %d and %d", len(rec.Initial), len(rec.Deliberations))
	}
	for i, name := range []string{"Agent1", "Agent2", "Agent3"} {
		if rec.Initial[i].Agent != name || rec.Initial[i].Text != "4" {
			t.Errorf("initial %d: %+v", i, rec.Initial[i])
		}
		if rec.Deliberations[i].Agent != name {
			t.Errorf("deliberation %d: expected %s, got %s", i, name, rec.Deliberations[i].Agent)
		}
	}
	if rec.FinalResponse != "The answer is 4." {
		t.Errorf("unexpected final response %q", rec.FinalResponse)
	}
	if rec.Query != "What is 2+2?" || rec.RunID == "" {
		t.Errorf("unexpected record metadata %+v", rec)
	}

	if got := inv.total(); got != 7 {
		t.Errorf("expected 7 agent calls, got %d", got)
	}
	phase1 := inv.callsIn(1)
	if phase1[0].prompt != "Question: What is 2+2?\n\nProvide a clear, concise answer:" {
		t.Errorf("unexpected phase 1 prompt %q", phase1[0].prompt)
	}
	synth := inv.callsIn(3)
	if len(synth) != 1 || synth[0].agent != "Agent1" {
		t.Errorf("expected single synthesis call to Agent1, got %+v", synth)
	}
}

func TestSearchContextInAllPrompts(t *testing.T) {
	inv := &fakeInvoker{respond: func(name string, phase int, prompt string) (string, agent.FailureKind) {
		return "about $2,400 per ounce", ""
	}}
	provider := &countingProvider{results: []search.Result{
		{Title: "Gold", Description: "$2,400/oz"},
		{Title: "Kitco", Description: "Live spot prices"},
	}}
	p := newPipeline(t, inv, provider)

	rec, err := p.Run(context.Background(), "What is the latest price of gold today?")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if provider.calls.Load() != 1 {
		t.Errorf("expected exactly one search, got %d", provider.calls.Load())
	}
	want := []string{"Gold: $2,400/oz", "Kitco: Live spot prices"}
	if len(rec.SearchContext) != len(want) {
		t.Fatalf("expected %d snippets, got %v", len(want), rec.SearchContext)
	}
	for i := range want {
		if rec.SearchContext[i] != want[i] {
			t.Errorf("snippet %d: got %q, want %q", i, rec.SearchContext[i], want[i])
		}
	}

	block := "\n\nInternet search results:\nGold: $2,400/oz\nKitco: Live spot prices\n\n"
	for phase := 1; phase <= 3; phase++ {
		for _, c := range inv.callsIn(phase) {
			if !strings.Contains(c.prompt, block) {
				t.Errorf("phase %d prompt for %s lacks the search block", phase, c.agent)
			}
		}
	}
	if !strings.HasPrefix(inv.callsIn(1)[0].prompt, block+"Question: ") {
		t.Error("phase 1 prompt must start with the search block")
	}
}

func TestTriggeredSearchWithoutResults(t *testing.T) {
	inv := &fakeInvoker{respond: func(string, int, string) (string, agent.FailureKind) { return "ok", "" }}
	provider := &countingProvider{results: []search.Result{}}
	p := newPipeline(t, inv, provider)

	rec, err := p.Run(context.Background(), "latest news")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.calls.Load() != 1 {
		t.Errorf("expected one search, got %d", provider.calls.Load())
	}
	if rec.SearchContext == nil || len(rec.SearchContext) != 0 {
		t.Errorf("expected empty non-nil search context, got %#v", rec.SearchContext)
	}

	header := "\n\nInternet search results:\n\n\n"
	if got := inv.callsIn(1)[0].prompt; got != header+"Question: latest news\n\nProvide a clear, concise answer:" {
		t.Errorf("unexpected phase 1 prompt %q", got)
	}
	for phase := 2; phase <= 3; phase++ {
		for _, c := range inv.callsIn(phase) {
			if !strings.Contains(c.prompt, header) {
				t.Errorf("phase %d prompt for %s lacks the search header", phase, c.agent)
			}
		}
	}
}

func TestPlaceholderSearchWithoutCredential(t *testing.T) {
	inv := &fakeInvoker{respond: func(string, int, string) (string, agent.FailureKind) { return "ok", "" }}
	p := newPipeline(t, inv, nil)

	rec, err := p.Run(context.Background(), "latest news")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.SearchContext) != 3 || rec.SearchContext[0] != "Mock search result 1 for: latest news" {
		t.Errorf("unexpected placeholder context %v", rec.SearchContext)
	}
}

func TestOneAgentTimesOut(t *testing.T) {
	inv := &fakeInvoker{respond: func(name string, phase int, prompt string) (string, agent.FailureKind) {
		if name == "Agent2" && phase == 1 {
			return "", agent.KindTimeout
		}
		return name + " says hi", ""
	}}
	p := newPipeline(t, inv, nil)

	rec, err := p.Run(context.Background(), "Explain recursion")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.Initial[1].OK() || rec.Initial[1].Failure.Kind != agent.KindTimeout {
		t.Errorf("expected Agent2 timeout in phase 1, got %+v", rec.Initial[1])
	}
	if !rec.Initial[0].OK() || !rec.Initial[2].OK() {
		t.Error("other agents must be unaffected")
	}

	phase2 := inv.callsIn(2)
	if len(phase2) != 3 {
		t.Fatalf("failed agents must still deliberate, got %d phase 2 calls", len(phase2))
	}
	for _, c := range phase2 {
		if !strings.Contains(c.prompt, "Agent2: Error: Agent2 failed: timeout") {
			t.Errorf("phase 2 prompt for %s does not quote the failure", c.agent)
		}
		if !strings.Contains(c.prompt, "Agent1: Agent1 says hi\n\nAgent2: Error: Agent2 failed: timeout\n\nAgent3: Agent3 says hi") {
			t.Errorf("phase 2 prompt for %s has wrong labeled block", c.agent)
		}
	}
	if !rec.Deliberations[1].OK() {
		t.Error("Agent2 should have recovered in phase 2")
	}
}

func TestAllFailButSynthesizer(t *testing.T) {
	inv := &fakeInvoker{respond: func(name string, phase int, prompt string) (string, agent.FailureKind) {
		if phase < 3 {
			return "", agent.KindTransport
		}
		return "best effort answer", ""
	}}
	p := newPipeline(t, inv, nil)

	rec, err := p.Run(context.Background(), "Explain recursion")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, r := range append(rec.Initial, rec.Deliberations...) {
		if r.OK() {
			t.Errorf("expected failure for %s", r.Agent)
		}
	}
	if len(inv.callsIn(2)) != 3 {
		t.Error("phase 2 must run even when every phase 1 call failed")
	}
	if rec.FinalResponse != "best effort answer" {
		t.Errorf("unexpected final response %q", rec.FinalResponse)
	}
	synth := inv.callsIn(3)[0].prompt
	if !strings.Contains(synth, "INITIAL RESPONSES:\nAgent1: Error: Agent1 failed: transport_error") {
		t.Error("synthesis prompt must quote phase 1 failures")
	}
	if !strings.Contains(synth, "DELIBERATIONS:\nAgent1: Error: Agent1 failed: transport_error") {
		t.Error("synthesis prompt must quote phase 2 failures")
	}
}

func TestSynthesizerFailure(t *testing.T) {
	inv := &fakeInvoker{respond: func(name string, phase int, prompt string) (string, agent.FailureKind) {
		if phase == 3 {
			return "", agent.KindTransport
		}
		return "fine", ""
	}}
	ledger := &recordingLedger{}
	p := newPipeline(t, inv, nil, func(o *Options) { o.Ledger = ledger })

	rec, err := p.Run(context.Background(), "Explain recursion")
	if rec != nil {
		t.Fatal("no partial record may be returned on synthesis failure")
	}
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if synthErr.Agent != "Agent1" {
		t.Errorf("expected Agent1 named as synthesizer, got %s", synthErr.Agent)
	}
	if err.Error() != "Agent1 failed: transport_error" {
		t.Errorf("unexpected error text %q", err.Error())
	}
	if synthErr.Hint() != InfrastructureHint {
		t.Errorf("unexpected hint %q", synthErr.Hint())
	}
	var failure *agent.Failure
	if !errors.As(err, &failure) || failure.Kind != agent.KindTransport {
		t.Error("SynthesisError must unwrap to the agent failure")
	}
	if len(inv.callsIn(3)) != 1 {
		t.Error("synthesizer must not be retried or failed over")
	}

	last := ledger.last()
	if last.Status != store.RunFailed || last.Error == "" {
		t.Errorf("expected failed run in ledger, got %+v", last)
	}
}

func TestBlankQueryRejected(t *testing.T) {
	inv := &fakeInvoker{respond: func(string, int, string) (string, agent.FailureKind) { return "x", "" }}
	pub := &recordingPublisher{}
	p := newPipeline(t, inv, nil, func(o *Options) { o.Events = pub })

	for _, q := range []string{"", "   ", "\n\t"} {
		rec, err := p.Run(context.Background(), q)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("query %q: expected ErrInvalidInput, got %v", q, err)
		}
		if rec != nil {
			t.Errorf("query %q: expected nil record", q)
		}
	}
	if inv.total() != 0 {
		t.Errorf("no agent may be called for blank queries, got %d calls", inv.total())
	}
	if len(pub.types()) != 0 {
		t.Error("no events may be published for blank queries")
	}
}

func TestEventsAndStates(t *testing.T) {
	inv := &fakeInvoker{respond: func(string, int, string) (string, agent.FailureKind) { return "ok", "" }}
	pub := &recordingPublisher{}
	ledger := &recordingLedger{}
	p := newPipeline(t, inv, nil, func(o *Options) {
		o.Events = pub
		o.Ledger = ledger
	})

	rec, err := p.Run(context.Background(), "compare tea and coffee")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	types := pub.types()
	if types[0] != "deliberation_started" || types[len(types)-1] != "deliberation_completed" {
		t.Errorf("unexpected event bracket %v", types)
	}
	counts := make(map[string]int)
	for _, ty := range types {
		counts[ty]++
	}
	if counts["search_completed"] != 1 {
		t.Errorf("expected one search_completed, got %d", counts["search_completed"])
	}
	if counts["phase_started"] != 3 || counts["phase_completed"] != 3 {
		t.Errorf("expected 3 phase start/complete events, got %v", counts)
	}
	if counts["agent_completed"] != 7 {
		t.Errorf("expected 7 agent_completed events, got %d", counts["agent_completed"])
	}

	var states []string
	pub.mu.Lock()
	for i, ev := range pub.events {
		if pub.topics[i] != "events.deliberation."+rec.RunID {
			t.Errorf("event %s on wrong topic %s", ev.Type, pub.topics[i])
		}
		if ev.RunID != rec.RunID {
			t.Errorf("event %s has run %s", ev.Type, ev.RunID)
		}
		if ev.Type == "phase_started" {
			states = append(states, ev.Data["state"].(string))
		}
	}
	pub.mu.Unlock()
	want := []string{"phase1_collecting", "phase2_collecting", "phase3_synthesizing"}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("phase %d started in state %s, want %s", i+1, states[i], want[i])
		}
	}

	last := ledger.last()
	if last.ID != rec.RunID || last.Status != store.RunCompleted || !last.SearchUsed {
		t.Errorf("unexpected ledger entry %+v", last)
	}
	if ledger.runs[0].Status != store.RunRunning {
		t.Error("run must be recorded as running before agents are called")
	}
}

func TestSynthesisWaitsForDeliberation(t *testing.T) {
	var phase2Done atomic.Int32
	inv := &fakeInvoker{respond: func(name string, phase int, prompt string) (string, agent.FailureKind) {
		switch phase {
		case 2:
			if name == "Agent3" {
				time.Sleep(50 * time.Millisecond)
			}
			phase2Done.Add(1)
		case 3:
			if phase2Done.Load() != 3 {
				return "", agent.KindProtocol
			}
		}
		return "ok", ""
	}}
	p := newPipeline(t, inv, nil)

	if _, err := p.Run(context.Background(), "Explain recursion"); err != nil {
		t.Fatalf("synthesis started before phase 2 settled: %v", err)
	}
}

type ctxCheckingInvoker struct {
	inner     agent.Invoker
	cancelled *atomic.Bool
}

func (c ctxCheckingInvoker) Invoke(ctx context.Context, a agent.Agent, prompt string, timeout time.Duration) agent.Result {
	if ctx.Err() != nil {
		c.cancelled.Store(true)
	}
	return c.inner.Invoke(ctx, a, prompt, timeout)
}

func TestCancelledContextDoesNotAbortRun(t *testing.T) {
	inv := &fakeInvoker{respond: func(string, int, string) (string, agent.FailureKind) { return "ok", "" }}
	var sawCancelled atomic.Bool
	p := newPipeline(t, ctxCheckingInvoker{inner: inv, cancelled: &sawCancelled}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Run(ctx, "Explain recursion"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sawCancelled.Load() {
		t.Error("agent calls must not observe caller cancellation")
	}
	if inv.total() != 7 {
		t.Errorf("expected all 7 calls despite cancellation, got %d", inv.total())
	}
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	inv := &fakeInvoker{respond: func(name string, phase int, prompt string) (string, agent.FailureKind) {
		if phase == 3 {
			i := strings.Index(prompt, "Original question: ")
			q := prompt[i+len("Original question: "):]
			return "final for " + q[:strings.Index(q, "\n")], ""
		}
		return "ok", ""
	}}
	p := newPipeline(t, inv, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := fmt.Sprintf("question %d", i)
			rec, err := p.Run(context.Background(), q)
			if err != nil {
				errs <- err
				return
			}
			if rec.FinalResponse != "final for "+q {
				errs <- fmt.Errorf("run %d got %q", i, rec.FinalResponse)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestNewValidates(t *testing.T) {
	gate := search.NewGate(config.SearchConfig{}, nil)
	inv := &fakeInvoker{}
	if _, err := New(Options{Invoker: inv, Gate: gate}); err == nil {
		t.Error("expected error without agents")
	}
	if _, err := New(Options{Agents: threeAgents(), Gate: gate}); err == nil {
		t.Error("expected error without invoker")
	}
	if _, err := New(Options{Agents: threeAgents(), Invoker: inv}); err == nil {
		t.Error("expected error without gate")
	}
	p, err := New(Options{Agents: threeAgents(), Invoker: inv, Gate: gate})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.timeout != 60*time.Second {
		t.Errorf("expected default 60s timeout, got %v", p.timeout)
	}
}
