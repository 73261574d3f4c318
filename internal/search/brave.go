package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/config"
)

const maxSearchBodySize = 512 * 1024

// Provider is an external web search engine.
type Provider interface {
	Search(ctx context.Context, query string, count int) ([]Result, error)
	Name() string
}

type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Snippet is the text form injected into prompts.
func (r Result) Snippet() string {
	return r.Title + ": " + r.Description
}

// NewProvider builds the configured provider. It returns nil without error
// when no credential is set, which makes the gate fall back to placeholders.
func NewProvider(cfg config.SearchConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case "brave", "":
		return NewBraveProvider(cfg.Endpoint, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported search provider: %s", cfg.Provider)
	}
}

type braveResponse struct {
	Web struct {
		Results []Result `json:"results"`
	} `json:"web"`
}

// BraveProvider queries the Brave Search web endpoint.
type BraveProvider struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

func NewBraveProvider(endpoint, apiKey string) *BraveProvider {
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	return &BraveProvider{
		client:   &http.Client{},
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
	}
}

func (b *BraveProvider) Name() string { return "brave" }

func (b *BraveProvider) Search(ctx context.Context, query string, count int) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	q := req.URL.Query()
	q.Set("q", query)
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed braveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if parsed.Web.Results == nil {
		return []Result{}, nil
	}
	return parsed.Web.Results, nil
}
