// Package auth provides HMAC-based API key authentication for gRPC services.
//
// Keys have the form sk-v1-<secret_id>-<random_data>. Only the HMAC-SHA256 of
// a key under the secret named by secret_id is stored, so a leaked database
// does not leak usable keys. Secrets come from SK_HMAC_SECRET variables (see
// internal/core/config) and can be rotated by running several at once.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/solatis/scankeeper/internal/logging"
)

var logger *log.Entry = logging.For("auth")

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// tenantIDKey is the context key for storing authenticated tenant ID.
const tenantIDKey = contextKey("tenant_id")

// Queries interface defines database operations needed for authentication.
// Implemented by *db.Queries.
type Queries interface {
	GetContext(ctx context.Context, name string, dest interface{}, args ...interface{}) error
	ExecContext(ctx context.Context, name string, args ...interface{}) (sql.Result, error)
}

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup and queries for key verification.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator with HMAC secrets and query interface.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SecretIDs returns the configured secret IDs in sorted order.
func (a *Authenticator) SecretIDs() []string {
	ids := make([]string, 0, len(a.secrets))
	for id := range a.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Authenticate validates API key and returns tenant_id on success.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	computedHash := ComputeHMAC(secret, apiKey)

	// key_hash is unique, so at most one row matches
	var result struct {
		TenantID   string       `db:"tenant_id"`
		RevokedAt  sql.NullTime `db:"revoked_at"`
		APIKeyID   string       `db:"api_key_id"`
		LastUsedAt sql.NullTime `db:"last_used_at"`
	}

	err = a.queries.GetContext(ctx, "get-api-key-by-hash", &result, computedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyStore, err)
	}

	if result.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	// Throttled to one write per key per minute
	if a.shouldUpdateLastUsed(result.LastUsedAt) {
		if _, err := a.queries.ExecContext(ctx, "update-last-used", a.now(), result.APIKeyID); err != nil {
			logger.WithFields(log.Fields{"api_key_id": result.APIKeyID}).WithError(err).Warn("last_used_at update failed")
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

// IssuedKey is a newly created API key. Key is shown once and never stored.
type IssuedKey struct {
	APIKeyID string
	TenantID string
	Name     string
	Key      string
}

// IssueAPIKey creates and stores a key for tenantID signed with secretID.
// An empty secretID selects the first configured secret.
func (a *Authenticator) IssueAPIKey(ctx context.Context, tenantID, name, secretID string) (*IssuedKey, error) {
	if tenantID == "" {
		return nil, errors.New("tenant ID required")
	}
	if secretID == "" {
		ids := a.SecretIDs()
		if len(ids) == 0 {
			return nil, errors.New("no HMAC secrets configured (set SK_HMAC_SECRET)")
		}
		secretID = ids[0]
	}
	secret, ok := a.secrets[secretID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, secretID)
	}

	key, err := GenerateAPIKey(secretID)
	if err != nil {
		return nil, err
	}
	issued := &IssuedKey{
		APIKeyID: uuid.Must(uuid.NewV7()).String(),
		TenantID: tenantID,
		Name:     name,
		Key:      key,
	}
	_, err = a.queries.ExecContext(ctx, "insert-api-key",
		issued.APIKeyID, tenantID, name, secretID, ComputeHMAC(secret, key), a.now().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store API key: %w", err)
	}

	logger.WithFields(log.Fields{"api_key_id": issued.APIKeyID, "tenant_id": tenantID}).Info("API key issued")
	return issued, nil
}

// RevokeAPIKey marks a key revoked. Revoking an unknown or already revoked
// key returns ErrInvalidKey.
func (a *Authenticator) RevokeAPIKey(ctx context.Context, apiKeyID string) error {
	res, err := a.queries.ExecContext(ctx, "revoke-api-key", a.now(), apiKeyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInvalidKey
	}
	logger.WithFields(log.Fields{"api_key_id": apiKeyID}).Info("API key revoked")
	return nil
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
// Methods listed in skip (full method names) bypass authentication.
func (a *Authenticator) UnaryInterceptor(skip ...string) grpc.UnaryServerInterceptor {
	open := make(map[string]bool, len(skip))
	for _, m := range skip {
		open[m] = true
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if open[info.FullMethod] {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get("x-api-key")
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		tenantID, err := a.Authenticate(ctx, apiKeys[0])
		if err != nil {
			return nil, status.Error(codeFor(err), err.Error())
		}

		return handler(WithTenantID(ctx, tenantID), req)
	}
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, ErrKeyRevoked):
		return codes.PermissionDenied
	case errors.Is(err, ErrKeyStore):
		return codes.Unavailable
	default:
		return codes.Unauthenticated
	}
}

// WithTenantID returns ctx carrying tenantID.
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
