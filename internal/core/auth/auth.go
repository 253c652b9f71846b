// Package auth provides HMAC-based API key authentication for gRPC services.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// tenantIDKey is the context key for storing authenticated tenant ID.
const tenantIDKey = contextKey("tenant_id")

// MetadataKey carries the API key on every request.
const MetadataKey = "x-api-key"

// Queries defines the database operations needed for authentication.
// Implemented by *db.Queries.
type Queries interface {
	GetContext(ctx context.Context, name string, dest any, args ...any) error
	ExecContext(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	logger  *zap.Logger
	now     func() time.Time
}

// NewAuthenticator creates an authenticator. logger may be nil.
func NewAuthenticator(secrets map[string][]byte, queries Queries, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		logger:  logger,
		now:     time.Now,
	}
}

// Authenticate validates apiKey and returns its tenant on success.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	var result struct {
		TenantID   string       `db:"tenant_id"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
		APIKeyID   string       `db:"api_key_id"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
	}

	// key_hash is unique, so at most one row matches
	err = a.queries.GetContext(ctx, "get-api-key-by-hash", &result, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	if result.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	// 1-minute throttle keeps active clients from writing on every call
	if a.shouldUpdateLastUsed(result.LastUsedAt) {
		if _, err := a.queries.ExecContext(ctx, "update-last-used", a.now().UTC(), result.APIKeyID); err != nil {
			a.logger.Warn("update last_used_at failed", zap.String("api_key_id", result.APIKeyID), zap.Error(err))
		}
	}

	return result.TenantID, nil
}

func (a *Authenticator) shouldUpdateLastUsed(lastUsed sql.NullTime) bool {
	if !lastUsed.Valid {
		return true
	}
	return a.now().Sub(lastUsed.Time) > time.Minute
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get(MetadataKey)
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		tenantID, err := a.Authenticate(ctx, apiKeys[0])
		switch {
		case err == nil:
		case errors.Is(err, ErrKeyRevoked):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, ErrLookupFailed):
			a.logger.Error("authentication unavailable", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unavailable, ErrLookupFailed.Error())
		default:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(WithTenantID(ctx, tenantID), req)
	}
}

// WithTenantID returns ctx carrying an authenticated tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantIDFromContext extracts tenant ID from context.
// Returns empty string if not found.
func TenantIDFromContext(ctx context.Context) string {
	if tenantID, ok := ctx.Value(tenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}

// IssuedKey is a newly created API key. Key is shown once and never stored.
type IssuedKey struct {
	ID       string
	TenantID string
	Key      string
}

// CreateKey generates a key for tenantID signed with the given secret and
// stores its hash.
func CreateKey(ctx context.Context, q Queries, tenantID, name, secretID string, secret []byte) (IssuedKey, error) {
	key, err := GenerateAPIKey(secretID)
	if err != nil {
		return IssuedKey{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return IssuedKey{}, fmt.Errorf("generate key id: %w", err)
	}

	if _, err := q.ExecContext(ctx, "insert-api-key",
		id.String(), tenantID, name, secretID, ComputeHMAC(secret, key), time.Now().UTC()); err != nil {
		return IssuedKey{}, fmt.Errorf("store key: %w", err)
	}
	return IssuedKey{ID: id.String(), TenantID: tenantID, Key: key}, nil
}

// RevokeKey marks a key revoked. Revoking an unknown or already revoked
// key returns ErrInvalidKey.
func RevokeKey(ctx context.Context, q Queries, apiKeyID string) error {
	res, err := q.ExecContext(ctx, "revoke-api-key", time.Now().UTC(), apiKeyID)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInvalidKey
	}
	return nil
}
