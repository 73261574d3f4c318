// Package health pings agents and reports which ones are reachable.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/synedrio/internal/agent"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ModelLister lists an agent's pulled models. *agent.Client satisfies it.
type ModelLister interface {
	ListModels(ctx context.Context, a agent.Agent) ([]agent.Model, error)
}

// Report is a one-shot reachability observation for one agent.
type Report struct {
	Agent          string   `json:"agent"`
	Endpoint       string   `json:"endpoint"`
	Model          string   `json:"model"`
	Reachable      bool     `json:"reachable"`
	Status         string   `json:"status"`
	Models         []string `json:"models,omitempty"`
	ModelAvailable bool     `json:"model_available"`
	Error          string   `json:"error,omitempty"`
}

type Probe struct {
	lister  ModelLister
	timeout time.Duration
}

func NewProbe(lister ModelLister, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Probe{lister: lister, timeout: timeout}
}

// Check pings every agent concurrently. Reports follow the order of agents
// and are never cached; any failure reads as unreachable.
func (p *Probe) Check(ctx context.Context, agents []agent.Agent) []Report {
	reports := make([]Report, len(agents))

	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a agent.Agent) {
			defer wg.Done()
			reports[i] = p.checkOne(ctx, a)
		}(i, a)
	}
	wg.Wait()

	return reports
}

func (p *Probe) checkOne(ctx context.Context, a agent.Agent) Report {
	r := Report{
		Agent:    a.Name,
		Endpoint: a.Endpoint,
		Model:    a.Model,
		Status:   StatusOffline,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	models, err := p.lister.ListModels(ctx, a)
	if err != nil {
		r.Error = err.Error()
		return r
	}

	r.Reachable = true
	r.Status = StatusOnline
	r.Models = make([]string, len(models))
	for i, m := range models {
		r.Models[i] = m.Name
		if sameModel(m.Name, a.Model) {
			r.ModelAvailable = true
		}
	}
	return r
}

// Reachable counts reachable agents.
func Reachable(reports []Report) int {
	n := 0
	for _, r := range reports {
		if r.Reachable {
			n++
		}
	}
	return n
}

// sameModel compares model references, treating an untagged name as
// ":latest" the way Ollama does.
func sameModel(a, b string) bool {
	return withTag(a) == withTag(b)
}

func withTag(name string) string {
	name = strings.TrimSpace(name)
	if !strings.Contains(name, ":") {
		return name + ":latest"
	}
	return name
}
