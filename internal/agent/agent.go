// Package agent talks to individual Ollama inference endpoints.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
)

// Agent identifies one inference endpoint. Agents are fixed at startup.
type Agent struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// FromConfig converts configured definitions to agents, preserving order.
func FromConfig(defs []config.AgentDefinition) []Agent {
	agents := make([]Agent, len(defs))
	for i, d := range defs {
		agents[i] = Agent{
			Name:     strings.TrimSpace(d.Name),
			Endpoint: strings.TrimRight(d.Endpoint, "/"),
			Model:    d.Model,
		}
	}
	return agents
}

type FailureKind string

const (
	KindTimeout   FailureKind = "timeout"
	KindTransport FailureKind = "transport_error"
	KindProtocol  FailureKind = "protocol_error"
)

// Failure describes why a single agent call produced no text.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return f.Message
}

// Result is the outcome of one agent invocation: either Text or Failure.
type Result struct {
	Agent   string   `json:"agent"`
	Text    string   `json:"text,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func (r Result) OK() bool {
	return r.Failure == nil
}

// Display renders the result the way it is quoted back to other agents.
func (r Result) Display() string {
	if r.Failure != nil {
		return "Error: " + r.Failure.Message
	}
	return r.Text
}

// Invoker runs a single prompt against a single agent. Implementations must
// always return a Result and enforce timeout on their own.
type Invoker interface {
	Invoke(ctx context.Context, a Agent, prompt string, timeout time.Duration) Result
}
