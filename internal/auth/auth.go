package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/oakhill/modelgate/internal/snapshot"
)

var ErrUnknownCredential = errors.New("unknown or inactive credential")

// HashCredential returns the sha256 hex digest used to match a raw API
// credential against TenantConfig.KeyHash.
func HashCredential(credential string) string {
	h := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(h[:])
}

// Authenticate resolves a raw credential to its tenant within the given
// snapshot generation. No other state is consulted so the result is
// consistent with whatever generation the request captured.
func Authenticate(snap *snapshot.Snapshot, credential string) (snapshot.TenantConfig, error) {
	if credential == "" {
		return snapshot.TenantConfig{}, ErrUnknownCredential
	}
	tenant, ok := snap.TenantByKeyHash(HashCredential(credential))
	if !ok {
		return snapshot.TenantConfig{}, ErrUnknownCredential
	}
	return tenant, nil
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	credentialKey contextKey = "credential"
	requestIDKey  contextKey = "request_id"
)

// NewMiddleware extracts the bearer credential and assigns a request ID.
// The credential is verified later against the per-request snapshot, so the
// middleware only rejects requests that carry no credential at all.
func NewMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			credential := strings.TrimPrefix(authHeader, "Bearer ")

			ctx = context.WithValue(ctx, credentialKey, credential)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetCredential(ctx context.Context) string {
	if c, ok := ctx.Value(credentialKey).(string); ok {
		return c
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey, credential)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
