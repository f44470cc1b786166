package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTValidator validates bearer tokens against the tenant's identity
// provider. JWKS keys are fetched from the provider and cached with
// periodic refresh to handle key rotation.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewTenantValidator builds a validator for a Microsoft Entra tenant.
// Issuer and JWKS URLs are derived from the tenant id.
func NewTenantValidator(tenantID, audience string) (*JWTValidator, error) {
	issuer := fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", tenantID)
	jwksURL := fmt.Sprintf("https://login.microsoftonline.com/%s/discovery/v2.0/keys", tenantID)
	return NewJWTValidator(jwksURL, issuer, audience)
}

// NewJWTValidator creates a validator that fetches JWKS from the given
// URL. The initial fetch runs eagerly so misconfiguration fails at
// startup rather than on the first request.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTValidator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken verifies signature, expiration, issuer and audience,
// then extracts the caller's access context. The subject claim becomes
// the user id and the roles claim (string array) becomes the role set.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*AccessContext, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, &AuthError{Message: "failed to get JWKS", Err: err}
	}

	options := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
	}
	// Audience is optional; enforcing an empty one would reject every
	// token.
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), options...)
	if err != nil {
		return nil, &AuthError{Message: "invalid token", Err: err}
	}

	access := &AccessContext{
		UserID: token.Subject(),
		Roles:  []string{},
	}

	if raw, ok := token.Get("roles"); ok {
		if items, ok := raw.([]interface{}); ok {
			for _, item := range items {
				if role, ok := item.(string); ok {
					access.Roles = append(access.Roles, role)
				}
			}
		}
	}

	if raw, ok := token.Get("scopes"); ok {
		if scopes, ok := raw.(map[string]interface{}); ok {
			access.Scopes = scopes
		}
	}

	return access, nil
}
