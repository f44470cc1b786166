package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/access"
	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/protocol"
	"github.com/meridianhq/meridian/pkg/registry"
)

type memCache struct {
	mu sync.Mutex
	m  map[string]any
}

func newMemCache() *memCache {
	return &memCache{m: make(map[string]any)}
}

func (c *memCache) CacheGet(ctx context.Context, key string) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.m[key]
	return value, ok, nil
}

func (c *memCache) CachePut(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

type fixture struct {
	invoker *Invoker
	surface *access.Surface
	cache   *memCache
	calls   *atomic.Int32
	gotArgs chan map[string]any
}

func newFixture(t *testing.T, handler func(name string, args map[string]any) map[string]any) *fixture {
	t.Helper()

	calls := &atomic.Int32{}
	gotArgs := make(chan map[string]any, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params *struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Method == "tools/list" {
			json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{
				{
					"name":        "search_docs",
					"description": "Search documents",
					"parameters": map[string]any{
						"type":       "object",
						"properties": map[string]any{"query": map[string]any{"type": "string"}},
						"required":   []string{"query"},
					},
				},
				{"name": "flaky_tool", "description": "Always fails"},
			}})
			return
		}

		calls.Add(1)
		gotArgs <- req.Params.Arguments
		json.NewEncoder(w).Encode(handler(req.Params.Name, req.Params.Arguments))
	}))
	t.Cleanup(srv.Close)

	reg := registry.New(map[string]string{"alpha": srv.URL}, time.Second, time.Second)
	require.NoError(t, reg.Refresh(context.Background()))

	cache := newMemCache()
	inv := New(reg, cache, 300*time.Second, time.Second)
	surface := access.NewFilter(false).Surface(reg.Tools(), &auth.AccessContext{UserID: "u1", Roles: []string{"analyst"}})

	return &fixture{invoker: inv, surface: surface, cache: cache, calls: calls, gotArgs: gotArgs}
}

func analystAccess() *auth.AccessContext {
	return &auth.AccessContext{UserID: "u1", Roles: []string{"analyst"}}
}

func TestInvokeSuccessInjectsAccessContext(t *testing.T) {
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		return map[string]any{"result": map[string]any{"hits": 3}}
	})

	record := f.invoker.Invoke(context.Background(), 1,
		protocol.ToolCall{ID: "call_1", Name: "search_docs", Arguments: map[string]any{"query": "refunds"}},
		analystAccess(), f.surface)

	assert.Equal(t, protocol.OutcomeSuccess, record.Outcome)
	assert.Equal(t, "alpha", record.ProviderID)
	assert.Equal(t, map[string]any{"hits": float64(3)}, record.Result)

	sent := <-f.gotArgs
	require.Contains(t, sent, "access_context")
	accessCtx := sent["access_context"].(map[string]any)
	assert.Equal(t, "u1", accessCtx["user_id"])
}

func TestInvokeSecondCallServedFromCache(t *testing.T) {
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		return map[string]any{"result": "data"}
	})

	call := protocol.ToolCall{ID: "call_1", Name: "search_docs", Arguments: map[string]any{"query": "refunds"}}

	first := f.invoker.Invoke(context.Background(), 1, call, analystAccess(), f.surface)
	second := f.invoker.Invoke(context.Background(), 2, call, analystAccess(), f.surface)

	assert.Equal(t, protocol.OutcomeSuccess, first.Outcome)
	assert.Equal(t, protocol.OutcomeCached, second.Outcome)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInvokeCacheIsScopedToAuthorization(t *testing.T) {
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		return map[string]any{"result": "data"}
	})

	call := protocol.ToolCall{ID: "call_1", Name: "search_docs", Arguments: map[string]any{"query": "refunds"}}

	f.invoker.Invoke(context.Background(), 1, call, analystAccess(), f.surface)
	other := f.invoker.Invoke(context.Background(), 2, call,
		&auth.AccessContext{UserID: "u2", Roles: []string{"support"}}, f.surface)

	assert.Equal(t, protocol.OutcomeSuccess, other.Outcome)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestInvokeUnknownToolNeverDispatches(t *testing.T) {
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		return map[string]any{"result": "data"}
	})

	record := f.invoker.Invoke(context.Background(), 1,
		protocol.ToolCall{ID: "call_1", Name: "delete_everything", Arguments: map[string]any{}},
		analystAccess(), f.surface)

	assert.Equal(t, protocol.OutcomeError, record.Outcome)
	assert.Equal(t, protocol.KindUnknownTool, record.ErrorKind)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestInvokeInvalidArgumentsNeverDispatches(t *testing.T) {
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		return map[string]any{"result": "data"}
	})

	record := f.invoker.Invoke(context.Background(), 1,
		protocol.ToolCall{ID: "call_1", Name: "search_docs", Arguments: map[string]any{"query": 42}},
		analystAccess(), f.surface)

	assert.Equal(t, protocol.OutcomeError, record.Outcome)
	assert.Equal(t, protocol.KindInvalidArguments, record.ErrorKind)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestInvokeToolErrorIsRecoverable(t *testing.T) {
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		return map[string]any{"error": map[string]any{"message": "upstream unavailable", "kind": "Upstream"}}
	})

	record := f.invoker.Invoke(context.Background(), 1,
		protocol.ToolCall{ID: "call_1", Name: "flaky_tool", Arguments: map[string]any{}},
		analystAccess(), f.surface)

	assert.Equal(t, protocol.OutcomeError, record.Outcome)
	assert.Equal(t, "Upstream", record.ErrorKind)

	payload := record.Result.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "upstream unavailable", payload["message"])
}

func TestInvokeErrorsAreNotCached(t *testing.T) {
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		return map[string]any{"error": map[string]any{"message": "nope"}}
	})

	call := protocol.ToolCall{ID: "call_1", Name: "flaky_tool", Arguments: map[string]any{}}
	f.invoker.Invoke(context.Background(), 1, call, analystAccess(), f.surface)
	f.invoker.Invoke(context.Background(), 2, call, analystAccess(), f.surface)

	assert.Equal(t, int32(2), f.calls.Load())
}

func TestInvokeConcurrentColdCallsDispatchOnce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, func(name string, args map[string]any) map[string]any {
		once.Do(func() { close(started) })
		<-release
		return map[string]any{"result": "data"}
	})

	call := protocol.ToolCall{ID: "call_1", Name: "search_docs", Arguments: map[string]any{"query": "refunds"}}

	records := make([]protocol.LineageRecord, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		records[0] = f.invoker.Invoke(context.Background(), 1, call, analystAccess(), f.surface)
	}()

	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		records[1] = f.invoker.Invoke(context.Background(), 2, call, analystAccess(), f.surface)
	}()

	// Give the second call time to join the in-flight request before
	// the provider responds.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())

	outcomes := map[protocol.Outcome]int{}
	for _, record := range records {
		outcomes[record.Outcome]++
		assert.Equal(t, "data", record.Result)
	}
	assert.Equal(t, 1, outcomes[protocol.OutcomeSuccess])
	assert.Equal(t, 1, outcomes[protocol.OutcomeCached])

	// The burst wrote the cache, so a later identical call never
	// reaches the provider.
	third := f.invoker.Invoke(context.Background(), 3, call, analystAccess(), f.surface)
	assert.Equal(t, protocol.OutcomeCached, third.Outcome)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCacheKeyIsArgumentOrderInsensitive(t *testing.T) {
	a := cacheKey("alpha", "search_docs", map[string]any{"a": 1, "b": 2}, analystAccess())
	b := cacheKey("alpha", "search_docs", map[string]any{"b": 2, "a": 1}, analystAccess())
	assert.Equal(t, a, b)

	c := cacheKey("alpha", "search_docs", map[string]any{"a": 1, "b": 3}, analystAccess())
	assert.NotEqual(t, a, c)
}
