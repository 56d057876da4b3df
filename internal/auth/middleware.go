// Package auth provides JWT and API-key based tenant authentication for the
// HTTP surface. Every authenticated request carries a resolved tenant in its
// context; handlers refuse to run without one.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/observatory/memsearch/internal/repository"
)

// APIKeyHeader is the request header carrying a tenant API key.
const APIKeyHeader = "X-API-Key"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const tenantContextKey contextKey = "tenant"

// TenantInfo holds tenant information extracted from authentication
type TenantInfo struct {
	ID     uuid.UUID
	Name   string
	Config repository.TenantConfig
}

// Middleware authenticates requests with either a bearer JWT or an API key
// and places the resolved tenant in the request context.
type Middleware struct {
	jwt        *JWTManager
	tenantRepo repository.TenantRepository
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(jwt *JWTManager, tenantRepo repository.TenantRepository) *Middleware {
	return &Middleware{jwt: jwt, tenantRepo: tenantRepo}
}

// RequireTenant wraps a handler chain with tenant authentication. A bearer
// token is checked first; the API key header is the fallback.
func (m *Middleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			info, err := m.fromJWT(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), info)))
			return
		}

		if apiKey := strings.TrimSpace(r.Header.Get(APIKeyHeader)); apiKey != "" {
			info, err := m.fromAPIKey(r.Context(), apiKey)
			if err != nil {
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), info)))
			return
		}

		unauthorized(w, "missing credentials")
	})
}

func (m *Middleware) fromJWT(ctx context.Context, token string) (*TenantInfo, error) {
	claims, err := m.jwt.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	tenantID, err := claims.GetTenantID()
	if err != nil {
		return nil, ErrInvalidClaims
	}

	info := &TenantInfo{ID: tenantID, Name: claims.TenantName}
	if m.tenantRepo != nil {
		tenant, err := m.tenantRepo.GetByID(ctx, tenantID)
		switch {
		case err == nil:
			info.Name = tenant.Name
			info.Config = tenant.Config
		case errors.Is(err, repository.ErrNotFound):
			// Token predates registry sync; the signed tenant_id still
			// authorizes the request.
		default:
			return nil, err
		}
	}
	return info, nil
}

func (m *Middleware) fromAPIKey(ctx context.Context, apiKey string) (*TenantInfo, error) {
	if m.tenantRepo == nil {
		return nil, repository.ErrNotFound
	}
	tenant, err := m.tenantRepo.GetByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &TenantInfo{ID: tenant.ID, Name: tenant.Name, Config: tenant.Config}, nil
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// WithTenant places tenant info in the context.
func WithTenant(ctx context.Context, info *TenantInfo) context.Context {
	return context.WithValue(ctx, tenantContextKey, info)
}

// TenantFromContext extracts tenant info from context
func TenantFromContext(ctx context.Context) (*TenantInfo, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(*TenantInfo)
	return tenant, ok
}
