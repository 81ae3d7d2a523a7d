package auth

import "time"

// Scopes granted to research API callers
const (
	ScopeResearchRead  = "research:read"
	ScopeResearchWrite = "research:write"
)

// Identity is the authenticated caller attached to a request context
type Identity struct {
	Subject   string    `json:"sub"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
	// TokenType is jwt or dev
	TokenType string `json:"token_type"`
}

// HasScope reports whether the identity carries scope
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
