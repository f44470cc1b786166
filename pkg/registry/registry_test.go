package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providerServer(t *testing.T, tools []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tools/list", req.Method)

		json.NewEncoder(w).Encode(map[string]any{"tools": tools})
	}))
}

func TestRefreshAggregatesProviders(t *testing.T) {
	alpha := providerServer(t, []map[string]any{
		{"name": "search_docs", "description": "Search documents"},
	})
	defer alpha.Close()

	beta := providerServer(t, []map[string]any{
		{"name": "lookup_order", "description": "Look up an order", "allowed_roles": []string{"support"}},
	})
	defer beta.Close()

	r := New(map[string]string{"alpha": alpha.URL, "beta": beta.URL}, time.Second, time.Second)
	require.NoError(t, r.Refresh(context.Background()))

	tools := r.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "lookup_order", tools[0].Name)
	assert.Equal(t, "beta", tools[0].ProviderID)
	assert.Equal(t, []string{"support"}, tools[0].AllowedRoles)
	assert.Equal(t, "search_docs", tools[1].Name)
	assert.Equal(t, "alpha", tools[1].ProviderID)
}

func TestRefreshFirstProviderWinsOnConflict(t *testing.T) {
	alpha := providerServer(t, []map[string]any{
		{"name": "search_docs", "description": "From alpha"},
	})
	defer alpha.Close()

	beta := providerServer(t, []map[string]any{
		{"name": "search_docs", "description": "From beta"},
	})
	defer beta.Close()

	r := New(map[string]string{"alpha": alpha.URL, "beta": beta.URL}, time.Second, time.Second)
	require.NoError(t, r.Refresh(context.Background()))

	tool, ok := r.Lookup("search_docs")
	require.True(t, ok)
	assert.Equal(t, "alpha", tool.ProviderID)
	assert.Equal(t, "From alpha", tool.Description)

	statuses := r.Providers()
	require.Len(t, statuses, 2)
	assert.Equal(t, 1, statuses[0].ToolCount)
	assert.Equal(t, 0, statuses[1].ToolCount)
}

func TestRefreshToleratesFailedProvider(t *testing.T) {
	alpha := providerServer(t, []map[string]any{
		{"name": "search_docs", "description": "Search documents"},
	})
	defer alpha.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	r := New(map[string]string{"alpha": alpha.URL, "beta": dead.URL}, time.Second, time.Second)
	require.NoError(t, r.Refresh(context.Background()))

	require.Len(t, r.Tools(), 1)

	statuses := r.Providers()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.False(t, statuses[1].Healthy)
}

func TestRefreshKeepsCatalogWhenAllProvidersFail(t *testing.T) {
	alpha := providerServer(t, []map[string]any{
		{"name": "search_docs", "description": "Search documents"},
	})

	r := New(map[string]string{"alpha": alpha.URL}, time.Second, time.Second)
	require.NoError(t, r.Refresh(context.Background()))
	require.Len(t, r.Tools(), 1)

	alpha.Close()

	err := r.Refresh(context.Background())
	require.Error(t, err)

	// The previous catalog survives the failed refresh.
	assert.Len(t, r.Tools(), 1)
}

func TestCallToolResultAndError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tools/call", req.Method)
		require.NotNil(t, req.Params)

		switch req.Params.Name {
		case "search_docs":
			json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"hits": 3}})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "no such record", "kind": "NotFound"},
			})
		}
	}))
	defer srv.Close()

	client := NewClient("alpha", srv.URL)

	result, callErr, err := client.CallTool(context.Background(), "search_docs", map[string]any{"query": "refunds"})
	require.NoError(t, err)
	require.Nil(t, callErr)
	assert.Equal(t, map[string]any{"hits": float64(3)}, result)

	result, callErr, err = client.CallTool(context.Background(), "lookup_order", map[string]any{"order_id": "42"})
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, callErr)
	assert.Equal(t, "no such record", callErr.Message)
	assert.Equal(t, "NotFound", callErr.Kind)
}
