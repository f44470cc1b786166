// Package access computes the per-caller tool surface. Every tool
// lookup and dispatch goes through a Surface, so callers can never
// reach a tool their roles do not permit.
package access

import (
	"github.com/meridianhq/meridian/pkg/auth"
	"github.com/meridianhq/meridian/pkg/registry"
)

// Filter derives caller-visible tool surfaces from the full catalog.
type Filter struct {
	devMode bool
}

func NewFilter(devMode bool) *Filter {
	return &Filter{devMode: devMode}
}

// Visible reports whether the caller may see and invoke the tool.
// Tools without allowed_roles are visible to everyone. Admins see
// everything, as does every caller in dev mode.
func (f *Filter) Visible(tool registry.ToolSchema, access *auth.AccessContext) bool {
	if f.devMode {
		return true
	}
	if len(tool.AllowedRoles) == 0 {
		return true
	}
	if access == nil {
		return false
	}
	if access.HasRole("admin") {
		return true
	}
	for _, allowed := range tool.AllowedRoles {
		if access.HasRole(allowed) {
			return true
		}
	}
	return false
}

// Surface returns the caller's filtered tool surface. The input catalog
// is already name-sorted and the filter preserves that order.
func (f *Filter) Surface(tools []registry.ToolSchema, access *auth.AccessContext) *Surface {
	visible := make([]registry.ToolSchema, 0, len(tools))
	byName := make(map[string]registry.ToolSchema, len(tools))
	for _, tool := range tools {
		if !f.Visible(tool, access) {
			continue
		}
		visible = append(visible, tool)
		byName[tool.Name] = tool
	}
	return &Surface{tools: visible, byName: byName}
}

// Surface is the set of tools one caller is permitted to use during a
// turn. It is computed once per turn and never changes mid-turn.
type Surface struct {
	tools  []registry.ToolSchema
	byName map[string]registry.ToolSchema
}

// Tools returns the visible tools in alphabetical name order.
func (s *Surface) Tools() []registry.ToolSchema {
	return s.tools
}

// Lookup returns the schema for a visible tool. Tools outside the
// surface are indistinguishable from tools that do not exist.
func (s *Surface) Lookup(name string) (registry.ToolSchema, bool) {
	tool, ok := s.byName[name]
	return tool, ok
}

// Len returns the number of visible tools.
func (s *Surface) Len() int {
	return len(s.tools)
}
