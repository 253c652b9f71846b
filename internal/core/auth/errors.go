package auth

import "errors"

// Authentication errors map onto gRPC codes in UnaryInterceptor.
// Unauthenticated for missing/invalid (doesn't confirm key existence).
// PermissionDenied for revoked (confirms key exists but blocked).
// Unavailable when the key table cannot be read.
var (
	ErrMissingKey       = errors.New("API key required in x-api-key metadata")
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnknownKey       = errors.New("unknown secret ID")
	ErrInvalidKey       = errors.New("invalid API key")
	ErrKeyRevoked       = errors.New("API key has been revoked")
	ErrLookupFailed     = errors.New("API key lookup failed")
)
