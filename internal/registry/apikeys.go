package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ============================================================================
// ADMIN API KEYS — authenticate the health/retry admin surface
// ============================================================================

// APIKey is an admin key scoped to one tenant. Format: slk_<id>.<secret>;
// only the bcrypt hash of the secret part is stored.
type APIKey struct {
	KeyID      string
	TenantID   string
	Name       string
	Scopes     []string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// CreateAPIKey mints a new admin key and returns the full key exactly once.
func (r *Registry) CreateAPIKey(ctx context.Context, tenantID, name string, scopes []string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("slk_%s.%s", keyID, secret)

	// Only the secret part is hashed; the id is the lookup key.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO admin_api_keys (key_id, tenant_id, name, key_hash, scopes, is_active)
		VALUES ($1, $2, $3, $4, $5, true)`,
		keyID, tenantID, name, string(secretHash), strings.Join(scopes, ","))
	if err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}

	return &APIKey{KeyID: keyID, TenantID: tenantID, Name: name, Scopes: scopes, IsActive: true}, fullKey, nil
}

// ValidateAPIKey checks a presented key and returns the tenant it belongs to.
func (r *Registry) ValidateAPIKey(ctx context.Context, fullKey string) (*TenantRef, error) {
	if !strings.HasPrefix(fullKey, "slk_") {
		return nil, errors.New("invalid key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, "slk_"), ".", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	row := r.db.QueryRowContext(ctx, `
		SELECT k.key_hash, k.is_active, k.expires_at, t.id, t.slug
		FROM admin_api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_id = $1 AND t.status = 'active'`, keyID)

	var hash string
	var isActive bool
	var expiresAt *time.Time
	var ref TenantRef
	if err := row.Scan(&hash, &isActive, &expiresAt, &ref.TenantID, &ref.TenantSlug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid api key")
		}
		return nil, fmt.Errorf("api key lookup: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, errors.New("invalid api key secret")
	}
	if !isActive {
		return nil, errors.New("api key inactive")
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		return nil, errors.New("api key expired")
	}

	go r.touchAPIKey(keyID)
	return &ref, nil
}

func (r *Registry) touchAPIKey(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.db.ExecContext(ctx, `UPDATE admin_api_keys SET last_used_at = now() WHERE key_id = $1`, keyID)
}
