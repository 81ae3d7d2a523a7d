package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAPIKey is returned when no configured key matches
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKey is one configured key. Only the bcrypt hash is stored.
type APIKey struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	Hash     string   `mapstructure:"hash" yaml:"hash"`
	Scopes   []string `mapstructure:"scopes" yaml:"scopes"`
	TenantID string   `mapstructure:"tenant_id" yaml:"tenant_id"`
}

// APIKeys validates X-API-Key credentials against bcrypt hashes
type APIKeys struct {
	keys []APIKey
}

// NewAPIKeys checks every hash and returns nil when keys is empty
func NewAPIKeys(keys []APIKey) (*APIKeys, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	for _, k := range keys {
		if k.Name == "" {
			return nil, fmt.Errorf("api key without a name")
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key %s: %w", k.Name, err)
		}
	}
	return &APIKeys{keys: keys}, nil
}

// HashAPIKey returns the bcrypt hash to put in configuration
func HashAPIKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidAPIKey
	}
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Validate returns the identity of the key matching raw. Keys without
// scopes get read and write.
func (a *APIKeys) Validate(raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if a == nil || raw == "" {
		return nil, ErrInvalidAPIKey
	}
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(raw)) != nil {
			continue
		}
		scopes := k.Scopes
		if len(scopes) == 0 {
			scopes = []string{ScopeResearchRead, ScopeResearchWrite}
		}
		return &Identity{Subject: k.Name, TenantID: k.TenantID, Scopes: scopes, TokenType: "api_key"}, nil
	}
	return nil, ErrInvalidAPIKey
}
