package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/registry"
)

func sampleCatalog() []registry.ToolSchema {
	return []registry.ToolSchema{
		{Name: "escalate_ticket", ProviderID: "beta", AllowedRoles: []string{"support", "ops"}},
		{Name: "lookup_order", ProviderID: "beta", AllowedRoles: []string{"support"}},
		{Name: "search_docs", ProviderID: "alpha"},
	}
}

func TestSurfaceFiltersByRole(t *testing.T) {
	f := NewFilter(false)
	s := f.Surface(sampleCatalog(), &auth.AccessContext{UserID: "u1", Roles: []string{"ops"}})

	require.Equal(t, 2, s.Len())
	assert.Equal(t, "escalate_ticket", s.Tools()[0].Name)
	assert.Equal(t, "search_docs", s.Tools()[1].Name)

	_, ok := s.Lookup("lookup_order")
	assert.False(t, ok)
}

func TestUnrestrictedToolsVisibleToEveryone(t *testing.T) {
	f := NewFilter(false)
	s := f.Surface(sampleCatalog(), &auth.AccessContext{UserID: "u1", Roles: []string{}})

	require.Equal(t, 1, s.Len())
	assert.Equal(t, "search_docs", s.Tools()[0].Name)
}

func TestAdminSeesEverything(t *testing.T) {
	f := NewFilter(false)
	s := f.Surface(sampleCatalog(), &auth.AccessContext{UserID: "root", Roles: []string{"admin"}})

	assert.Equal(t, 3, s.Len())
}

func TestDevModeBypassesFiltering(t *testing.T) {
	f := NewFilter(true)
	s := f.Surface(sampleCatalog(), &auth.AccessContext{UserID: "anyone", Roles: []string{}})

	assert.Equal(t, 3, s.Len())
}

func TestSurfacePreservesNameOrder(t *testing.T) {
	f := NewFilter(false)
	s := f.Surface(sampleCatalog(), &auth.AccessContext{UserID: "u1", Roles: []string{"support"}})

	names := make([]string, 0, s.Len())
	for _, tool := range s.Tools() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"escalate_ticket", "lookup_order", "search_docs"}, names)
}
