// Package search decides when a query needs web context and fetches it.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/metrics"
	"github.com/mtzanidakis/synedrio/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const placeholderCount = 3

// Gate matches queries against trigger terms and fetches snippets from a
// provider. A nil provider yields deterministic placeholder snippets.
type Gate struct {
	terms    []string
	provider Provider
	count    int
	timeout  time.Duration
}

func NewGate(cfg config.SearchConfig, provider Provider) *Gate {
	terms := cfg.TriggerTerms
	if terms == nil {
		terms = config.DefaultTriggerTerms
	}
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}

	count := cfg.Count
	if count <= 0 {
		count = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Gate{
		terms:    lowered,
		provider: provider,
		count:    count,
		timeout:  timeout,
	}
}

// Decide reports whether any trigger term is a substring of the lower-cased
// query. It is a pure function of the query text.
func (g *Gate) Decide(query string) bool {
	q := strings.ToLower(query)
	for _, term := range g.terms {
		if strings.Contains(q, term) {
			return true
		}
	}
	return false
}

// Fetch returns snippets for query. Provider errors become a single
// diagnostic snippet; Fetch itself never fails.
func (g *Gate) Fetch(ctx context.Context, query string) []string {
	ctx, span := tracing.StartSpan(ctx, "search.fetch")
	defer span.End()

	if g.provider == nil {
		slog.Warn("no search API key configured, returning placeholder results")
		metrics.Searches.WithLabelValues("placeholder").Inc()
		span.SetAttributes(attribute.String("provider", "placeholder"))
		return Placeholder(query)
	}
	span.SetAttributes(attribute.String("provider", g.provider.Name()))

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results, err := g.provider.Search(ctx, query, g.count)
	if err != nil {
		slog.Error("search failed", "provider", g.provider.Name(), "error", err)
		metrics.Searches.WithLabelValues("error").Inc()
		tracing.RecordError(span, err)
		return []string{fmt.Sprintf("Search unavailable: %v", err)}
	}

	snippets := make([]string, 0, len(results))
	for _, r := range results {
		if len(snippets) >= g.count {
			break
		}
		snippets = append(snippets, r.Snippet())
	}

	metrics.Searches.WithLabelValues("ok").Inc()
	slog.Info("search completed", "provider", g.provider.Name(), "results", len(snippets))
	return snippets
}

// Placeholder returns the fixed snippets used when no provider is configured.
func Placeholder(query string) []string {
	out := make([]string, placeholderCount)
	for i := range out {
		out[i] = fmt.Sprintf("Mock search result %d for: %s", i+1, query)
	}
	return out
}
