package registry

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianhq/meridian/pkg/httpclient"
	"github.com/meridianhq/meridian/pkg/observability"
	"golang.org/x/sync/errgroup"
)

// catalog is one immutable snapshot of the discovered tool surface.
// Readers load it atomically so discovery refreshes never block calls.
type catalog struct {
	tools  map[string]ToolSchema
	order  []string
	status map[string]ProviderStatus
}

// Registry aggregates tools discovered from all configured providers.
type Registry struct {
	providers []*Client
	callers   map[string]*Client
	discovery time.Duration
	current   atomic.Pointer[catalog]
}

// New builds a registry over the configured provider endpoints. The
// endpoints map is the sole source of truth for which providers exist.
// Tool calls use callTimeout per dispatch attempt.
func New(endpoints map[string]string, discoveryTimeout, callTimeout time.Duration) *Registry {
	ids := make([]string, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r := &Registry{
		discovery: discoveryTimeout,
		callers:   make(map[string]*Client, len(endpoints)),
	}
	for _, id := range ids {
		r.providers = append(r.providers, discoveryClient(id, endpoints[id], discoveryTimeout))
		r.callers[id] = NewClient(id, endpoints[id],
			httpclient.WithHTTPClient(&http.Client{Timeout: callTimeout}))
	}

	r.current.Store(&catalog{
		tools:  map[string]ToolSchema{},
		status: map[string]ProviderStatus{},
	})
	return r
}

type probeResult struct {
	client *Client
	tools  []ToolSchema
	err    error
}

// Refresh probes every provider in parallel and swaps in the rebuilt
// catalog. The previous catalog stays in place until the rebuild
// finishes, and is kept if no provider responds at all. Providers that
// fail to respond keep a Healthy=false status but never abort the
// refresh.
func (r *Registry) Refresh(ctx context.Context) error {
	tracer := observability.GetTracer("meridian.registry")
	ctx, span := tracer.Start(ctx, observability.SpanToolDiscovery)
	defer span.End()

	results := make([]probeResult, len(r.providers))

	var g errgroup.Group
	var mu sync.Mutex
	for i, client := range r.providers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, r.discovery)
			defer cancel()

			tools, err := client.ListTools(probeCtx)
			mu.Lock()
			results[i] = probeResult{client: client, tools: tools, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	next := &catalog{
		tools:  make(map[string]ToolSchema),
		status: make(map[string]ProviderStatus, len(r.providers)),
	}

	anyHealthy := false
	for _, res := range results {
		status := ProviderStatus{
			ID:        res.client.ID(),
			BaseURL:   res.client.BaseURL(),
			LastProbe: now,
		}

		if res.err != nil {
			slog.Warn("Tool discovery failed for provider", "provider", res.client.ID(), "error", res.err)
			next.status[status.ID] = status
			continue
		}

		status.Healthy = true
		anyHealthy = true

		// Providers are probed in sorted id order, so conflicts resolve
		// deterministically: the first registration wins.
		for _, tool := range res.tools {
			if _, exists := next.tools[tool.Name]; exists {
				slog.Warn("Tool name conflict, skipping", "tool", tool.Name, "provider", tool.ProviderID)
				continue
			}
			next.tools[tool.Name] = tool
			next.order = append(next.order, tool.Name)
			status.ToolCount++
		}
		next.status[status.ID] = status
	}

	if !anyHealthy {
		slog.Warn("No providers responded to discovery, keeping previous catalog")
		return NewRegistryError("Registry", "Refresh", "no providers responded to discovery", nil)
	}

	sort.Strings(next.order)
	r.current.Store(next)

	slog.Info("Tool catalog refreshed", "tools", len(next.tools), "providers", len(r.providers))
	return nil
}

// Tools returns the full catalog in alphabetical name order.
func (r *Registry) Tools() []ToolSchema {
	cat := r.current.Load()
	tools := make([]ToolSchema, 0, len(cat.order))
	for _, name := range cat.order {
		tools = append(tools, cat.tools[name])
	}
	return tools
}

// Lookup returns the schema for a tool name.
func (r *Registry) Lookup(name string) (ToolSchema, bool) {
	cat := r.current.Load()
	tool, ok := cat.tools[name]
	return tool, ok
}

// Providers returns provider statuses in id order.
func (r *Registry) Providers() []ProviderStatus {
	cat := r.current.Load()
	statuses := make([]ProviderStatus, 0, len(cat.status))
	for _, client := range r.providers {
		if status, ok := cat.status[client.ID()]; ok {
			statuses = append(statuses, status)
		} else {
			statuses = append(statuses, ProviderStatus{ID: client.ID(), BaseURL: client.BaseURL()})
		}
	}
	return statuses
}

// Caller returns the call client for a provider id.
func (r *Registry) Caller(providerID string) (*Client, bool) {
	client, ok := r.callers[providerID]
	return client, ok
}
