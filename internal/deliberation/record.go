package deliberation

import "github.com/mtzanidakis/synedrio/internal/agent"

// Record is the complete outcome of one successful query. SearchContext is
// nil when augmentation was not triggered.
type Record struct {
	RunID         string         `json:"run_id"`
	Query         string         `json:"query"`
	SearchContext []string       `json:"search_context"`
	Initial       []agent.Result `json:"initial"`
	Deliberations []agent.Result `json:"deliberations"`
	FinalResponse string         `json:"final_response"`
}

// State is the pipeline's position within one run. It only moves forward.
type State int

const (
	StateInit State = iota
	StatePhase1
	StatePhase2
	StatePhase3
	StateDone
)

var stateNames = [...]string{
	StateInit:   "init",
	StatePhase1: "phase1_collecting",
	StatePhase2: "phase2_collecting",
	StatePhase3: "phase3_synthesizing",
	StateDone:   "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func failures(results []agent.Result) int {
	n := 0
	for _, r := range results {
		if !r.OK() {
			n++
		}
	}
	return n
}
