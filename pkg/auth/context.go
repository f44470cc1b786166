// Package auth provides token validation and the per-request access
// context used to filter and invoke tools.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// AuthError is a request-level authentication or authorization failure.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AccessContext is the caller identity attached to every tool call.
type AccessContext struct {
	UserID string         `json:"user_id"`
	Roles  []string       `json:"roles"`
	Scopes map[string]any `json:"scopes,omitempty"`
}

// HasRole reports whether the context carries the given role.
func (a *AccessContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Wire renders the context as the access_context object injected into
// tool call arguments. Scope entries are flattened alongside user_id
// and roles.
func (a *AccessContext) Wire() map[string]any {
	out := make(map[string]any, len(a.Scopes)+2)
	for k, v := range a.Scopes {
		out[k] = v
	}
	out["user_id"] = a.UserID
	out["roles"] = append([]string(nil), a.Roles...)
	return out
}

// ScopeHash returns a stable digest of the context's roles and scopes.
// Two callers with the same authorization surface hash identically even
// when their user ids differ, so cached tool results are shared exactly
// within an authorization scope.
func (a *AccessContext) ScopeHash() string {
	roles := append([]string(nil), a.Roles...)
	sort.Strings(roles)

	// json.Marshal sorts map keys, giving a canonical scope encoding.
	scopes, err := json.Marshal(a.Scopes)
	if err != nil {
		scopes = []byte("{}")
	}

	h := sha256.New()
	for _, r := range roles {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	h.Write(scopes)
	return hex.EncodeToString(h.Sum(nil))
}
