package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/metrics"
	"github.com/mtzanidakis/synedrio/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const maxResponseSize = 10 * 1024 * 1024

var _ Invoker = (*Client)(nil)

// Client calls the native Ollama HTTP API.
type Client struct {
	http *http.Client
}

// NewClient returns a client without a global timeout; every call carries
// its own deadline.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Model is one entry of an agent's /api/tags listing.
type Model struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// Invoke sends prompt as a non-streaming generate request. Failures are
// returned inside the Result, never as a panic or separate error.
func (c *Client) Invoke(ctx context.Context, a Agent, prompt string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "agent.invoke",
		attribute.String("agent", a.Name),
		attribute.String("model", a.Model),
	)
	defer span.End()

	slog.Debug("calling agent", "agent", a.Name, "model", a.Model)
	start := time.Now()

	text, failure := c.generate(ctx, a, prompt)
	metrics.AgentCallDuration.WithLabelValues(a.Name).Observe(time.Since(start).Seconds())

	if failure != nil {
		metrics.AgentCalls.WithLabelValues(a.Name, string(failure.Kind)).Inc()
		tracing.RecordError(span, failure)
		slog.Warn("agent call failed", "agent", a.Name, "kind", failure.Kind, "error", failure.Message)
		return Result{Agent: a.Name, Failure: failure}
	}

	metrics.AgentCalls.WithLabelValues(a.Name, "ok").Inc()
	tracing.SetOK(span)
	slog.Debug("agent responded", "agent", a.Name, "duration", time.Since(start))
	return Result{Agent: a.Name, Text: text}
}

func (c *Client) generate(ctx context.Context, a Agent, prompt string) (string, *Failure) {
	payload, err := json.Marshal(generateRequest{Model: a.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fail(a, KindProtocol, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fail(a, KindTransport, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify(ctx, a, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", classify(ctx, a, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fail(a, KindProtocol, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fail(a, KindProtocol, fmt.Errorf("unmarshal response: %w", err))
	}
	if out.Error != "" {
		return "", fail(a, KindProtocol, errors.New(out.Error))
	}

	return out.Response, nil
}

// ListModels returns the models pulled on the agent's Ollama instance.
func (c *Client) ListModels(ctx context.Context, a Agent) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tags struct {
		Models []Model `json:"models"`
	}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return tags.Models, nil
}

func classify(ctx context.Context, a Agent, err error) *Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fail(a, KindTimeout, fmt.Errorf("timed out: %w", err))
	}
	return fail(a, KindTransport, err)
}

func fail(a Agent, kind FailureKind, err error) *Failure {
	return &Failure{
		Kind:    kind,
		Message: fmt.Sprintf("%s failed: %v", a.Name, err),
	}
}
