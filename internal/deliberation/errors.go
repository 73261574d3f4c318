package deliberation

import (
	"errors"

	"github.com/mtzanidakis/synedrio/internal/agent"
)

// ErrInvalidInput rejects an empty or blank query before any agent is called.
var ErrInvalidInput = errors.New("query is required")

// InfrastructureHint is attached to synthesis failures.
const InfrastructureHint = "Make sure all Ollama agents are running and models are pulled"

// SynthesisError means the synthesizer produced no final answer. The whole
// query fails; phase 1 and 2 results are discarded.
type SynthesisError struct {
	Agent   string
	Failure *agent.Failure
}

func (e *SynthesisError) Error() string {
	return e.Failure.Message
}

func (e *SynthesisError) Unwrap() error {
	return e.Failure
}

func (e *SynthesisError) Hint() string {
	return InfrastructureHint
}
