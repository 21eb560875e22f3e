package server

import (
	"context"
	"fmt"

	"github.com/avelsk/kbrag-go/internal/provider"
)

// pingable is satisfied by any backend exposing a reachability probe.
// *index.PostgresIndex, *index.QdrantIndex, and the conversation stores
// all implement it.
type pingable interface {
	Ping(ctx context.Context) error
}

// BackendPinger adapts a pingable backend into a named Pinger for
// GET /api/ready.
type BackendPinger struct {
	// backend is the dependency to probe.
	backend pingable
	// name identifies the dependency in readiness responses
	// (e.g. "postgres", "qdrant", "snapshot").
	name string
}

// NewBackendPinger constructs a BackendPinger for the given backend and label.
func NewBackendPinger(backend pingable, name string) *BackendPinger {
	return &BackendPinger{backend: backend, name: name}
}

// Name returns the dependency label used in readiness responses.
func (p *BackendPinger) Name() string { return p.name }

// Ping probes the backend.
// Returns nil if it is reachable, or a descriptive error otherwise.
func (p *BackendPinger) Ping(ctx context.Context) error {
	if err := p.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", p.name, err)
	}
	return nil
}

// LLMPinger probes an LLM backend by sending a minimal single-token generate
// request. It satisfies the Pinger interface and is used by GET /api/ready.
// Each probe consumes a handful of tokens, so it is wired in only when the
// operator opts in.
type LLMPinger struct {
	// provider is the chat backend to probe.
	provider provider.Provider
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewLLMPinger constructs an LLMPinger for the given provider and backend name.
func NewLLMPinger(p provider.Provider, name string) *LLMPinger {
	return &LLMPinger{provider: p, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping probes the LLM backend with a minimal generate request.
func (p *LLMPinger) Ping(ctx context.Context) error {
	ok, msg := p.provider.TestConnection(ctx)
	if !ok {
		return fmt.Errorf("%s health check failed: %s", p.name, msg)
	}
	return nil
}
