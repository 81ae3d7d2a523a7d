package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ContextKey is the key type for context values
type ContextKey string

// IdentityContextKey holds the *Identity of the caller
const IdentityContextKey ContextKey = "identity"

var devIdentity = Identity{
	Subject:   "dev",
	TenantID:  "00000000-0000-0000-0000-000000000001",
	Scopes:    []string{ScopeResearchRead, ScopeResearchWrite},
	TokenType: "dev",
}

// Middleware authenticates HTTP and gRPC callers with bearer tokens or API keys
type Middleware struct {
	jwtManager *JWTManager
	apiKeys    *APIKeys
	forceSkip  bool
	skipAuth   bool
}

// NewMiddleware creates the middleware; skipAuth attaches a development identity
func NewMiddleware(jwtManager *JWTManager, skipAuth bool) *Middleware {
	return &Middleware{jwtManager: jwtManager, forceSkip: skipAuth, skipAuth: skipAuth || jwtManager == nil}
}

// WithAPIKeys also accepts X-API-Key credentials
func (m *Middleware) WithAPIKeys(keys *APIKeys) *Middleware {
	m.apiKeys = keys
	m.skipAuth = m.forceSkip || (m.jwtManager == nil && keys == nil)
	return m
}

// authenticate resolves an API key first, then a bearer token
func (m *Middleware) authenticate(apiKey, token string) (*Identity, error) {
	if apiKey != "" {
		return m.apiKeys.Validate(apiKey)
	}
	if token == "" || m.jwtManager == nil {
		return nil, ErrInvalidToken
	}
	return m.jwtManager.ValidateAccessToken(token)
}

// WithIdentity returns ctx carrying id
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// FromContext returns the caller identity, if any
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(*Identity)
	return id, ok
}

// HTTPMiddleware authenticates requests. Stream endpoints also accept an
// access_token query parameter because EventSource cannot set headers.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			id := devIdentity
			id.ExpiresAt = time.Now().Add(time.Hour)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &id)))
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		var token string
		if h := r.Header.Get("Authorization"); h != "" && apiKey == "" {
			t, err := ExtractBearerToken(h)
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			token = t
		} else if strings.HasPrefix(r.URL.Path, "/stream/") {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" && apiKey == "" {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}

		id, err := m.authenticate(apiKey, token)
		if err != nil {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireScope rejects callers without scope
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if !id.HasScope(scope) {
				http.Error(w, `{"error":"missing scope `+scope+`"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryServerInterceptor authenticates gRPC calls. Health checks pass through.
func (m *Middleware) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		if m.skipAuth {
			id := devIdentity
			return handler(WithIdentity(ctx, &id), req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		var apiKey, token string
		if keys := md.Get("x-api-key"); len(keys) > 0 {
			apiKey = keys[0]
		} else if vals := md.Get("authorization"); len(vals) > 0 {
			t, err := ExtractBearerToken(vals[0])
			if err != nil {
				return nil, status.Error(codes.Unauthenticated, "invalid authorization header")
			}
			token = t
		} else {
			return nil, status.Error(codes.Unauthenticated, "missing authentication")
		}
		id, err := m.authenticate(apiKey, token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		return handler(WithIdentity(ctx, id), req)
	}
}
