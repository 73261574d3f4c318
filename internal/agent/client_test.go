package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
)

func newOllama(t *testing.T, handler http.HandlerFunc) Agent {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return Agent{Name: "Agent1", Endpoint: srv.URL, Model: "llama3.1:latest"}
}

func TestInvokeSuccess(t *testing.T) {
	var got generateRequest
	a := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"model":"llama3.1:latest","response":"4.","done":true}`))
	})

	res := NewClient().Invoke(context.Background(), a, "What is 2+2?", time.Second)
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res.Failure)
	}
	if res.Text != "4." {
		t.Errorf("expected text '4.', got %q", res.Text)
	}
	if res.Agent != "Agent1" {
		t.Errorf("expected agent Agent1, got %s", res.Agent)
	}
	if got.Model != "llama3.1:latest" || got.Prompt != "What is 2+2?" || got.Stream {
		t.Errorf("unexpected request payload: %+v", got)
	}
}

func TestInvokeNon2xxIsProtocolError(t *testing.T) {
	a := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'llama3.1:latest' not found"}`, http.StatusNotFound)
	})

	res := NewClient().Invoke(context.Background(), a, "hi", time.Second)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Failure.Kind != KindProtocol {
		t.Errorf("expected protocol error, got %s", res.Failure.Kind)
	}
	if !strings.Contains(res.Failure.Message, "404") {
		t.Errorf("expected status in message, got %q", res.Failure.Message)
	}
	if res.Text != "" {
		t.Error("failed result must not carry text")
	}
}

func TestInvokeMalformedBodyIsProtocolError(t *testing.T) {
	a := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	res := NewClient().Invoke(context.Background(), a, "hi", time.Second)
	if res.OK() || res.Failure.Kind != KindProtocol {
		t.Fatalf("expected protocol error, got %+v", res)
	}
}

func TestInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	a := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	start := time.Now()
	res := NewClient().Invoke(context.Background(), a, "hi", 50*time.Millisecond)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Failure.Kind != KindTimeout {
		t.Errorf("expected timeout, got %s (%s)", res.Failure.Kind, res.Failure.Message)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestInvokeConnectionRefusedIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := Agent{Name: "Agent2", Endpoint: url, Model: "m"}
	res := NewClient().Invoke(context.Background(), a, "hi", time.Second)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Failure.Kind != KindTransport {
		t.Errorf("expected transport error, got %s", res.Failure.Kind)
	}
	if !strings.HasPrefix(res.Failure.Message, "Agent2 failed:") {
		t.Errorf("expected message to name the agent, got %q", res.Failure.Message)
	}
	if !strings.HasPrefix(res.Display(), "Error: Agent2 failed:") {
		t.Errorf("unexpected display text %q", res.Display())
	}
}

func TestListModels(t *testing.T) {
	a := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3.1:latest","size":4920753328}]}`))
	})

	models, err := NewClient().ListModels(context.Background(), a)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3.1:latest" {
		t.Errorf("unexpected models: %+v", models)
	}
}

func TestFromConfig(t *testing.T) {
	agents := FromConfig([]config.AgentDefinition{
		{Name: " a ", Endpoint: "http://h:1/", Model: "m1"},
		{Name: "b", Endpoint: "http://h:2", Model: "m2"},
	})
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	if agents[0].Name != "a" || agents[0].Endpoint != "http://h:1" {
		t.Errorf("expected trimmed agent, got %+v", agents[0])
	}
	if agents[1].Model != "m2" {
		t.Errorf("unexpected second agent %+v", agents[1])
	}
}
