// Package registry discovers tools from configured provider servers
// and maintains the aggregated tool catalog.
package registry

import (
	"fmt"
	"time"
)

// ToolSchema describes one tool advertised by a provider.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// AllowedRoles limits visibility. Empty means visible to everyone.
	AllowedRoles []string `json:"allowed_roles,omitempty"`

	// ProviderID is the id of the provider the tool was discovered from.
	ProviderID string `json:"provider_id"`
}

// ProviderStatus is the health summary of one configured provider.
type ProviderStatus struct {
	ID        string    `json:"id"`
	BaseURL   string    `json:"base_url"`
	Healthy   bool      `json:"healthy"`
	ToolCount int       `json:"tool_count"`
	LastProbe time.Time `json:"last_probe"`
}

// RegistryError wraps discovery and lookup failures.
type RegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func NewRegistryError(component, action, message string, err error) *RegistryError {
	return &RegistryError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}
