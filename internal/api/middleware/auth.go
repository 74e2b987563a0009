package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/webhook"
	"github.com/google/uuid"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// TenantHeader identifies the tenant on agent-surface requests.
const TenantHeader = "X-Tenant-ID"

// OperatorHeader carries the deployment-wide operator token.
const OperatorHeader = "X-Operator-Token"

// maxSignedBody caps how much of an agent request body is buffered for
// signature checks.
const maxSignedBody = 1 << 20

func TenantFromContext(ctx context.Context) *domain.Tenant {
	t, _ := ctx.Value(tenantContextKey).(*domain.Tenant)
	return t
}

func withTenant(ctx context.Context, t *domain.Tenant) context.Context {
	if info := requestInfoFromContext(ctx); info != nil {
		info.tenantID = t.ID.String()
	}
	return context.WithValue(ctx, tenantContextKey, t)
}

// APIKeyAuth resolves the tenant of public-surface callers from a Bearer API key.
func APIKeyAuth(tenantStore domain.TenantStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tenant, err := tenantStore.GetByAPIKeyHash(r.Context(), hashAPIKey(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
		})
	}
}

// AgentTenant resolves the tenant of agent-surface callers from X-Tenant-ID.
// Agents authenticate with request signatures rather than API keys.
func AgentTenant(tenantStore domain.TenantStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(TenantHeader)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing "+TenantHeader+" header")
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid tenant id")
				return
			}
			tenant, err := tenantStore.GetByID(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unknown tenant")
				return
			}
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenant)))
		})
	}
}

// RequireSignature checks the webhook signature header over the raw request
// body, then restores the body for the handler. Event ingestion verifies its
// own payload and does not use this.
func RequireSignature(verifier *webhook.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !verifier.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to read request body")
				return
			}
			if err := verifier.Verify(r.Header.Get(webhook.Header), body); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOperator guards cross-tenant maintenance endpoints. Tenant API keys
// do not grant access. With no token configured the endpoints do not exist.
func RequireOperator(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			got := r.Header.Get(OperatorHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// HashAPIKey is exported for use when creating tenants.
func HashAPIKey(key string) string {
	return hashAPIKey(key)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
