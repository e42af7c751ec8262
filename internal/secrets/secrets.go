package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// ErrSecretNotFound is returned when no store holds the requested secret
var ErrSecretNotFound = errors.New("secret not found")

// Store resolves named secrets
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// cacheEntry represents a cached secret with expiration
type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// GCPSecretManager reads secrets from Google Cloud Secret Manager
type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	cache     map[string]*cacheEntry
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
}

// NewGCPSecretManager creates a new GCP Secret Manager client
func NewGCPSecretManager(ctx context.Context, projectID string) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		cache:     make(map[string]*cacheEntry),
		cacheTTL:  5 * time.Minute,
	}, nil
}

// Close closes the Secret Manager client
func (sm *GCPSecretManager) Close() error {
	if sm.client != nil {
		return sm.client.Close()
	}
	return nil
}

// BuildSecretName constructs the full resource name of the latest version of a secret
func (sm *GCPSecretManager) BuildSecretName(name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", sm.projectID, sanitizeSecretID(name))
}

// GetSecret retrieves a secret, serving repeated reads from a short-lived cache
func (sm *GCPSecretManager) GetSecret(ctx context.Context, name string) (string, error) {
	secretName := sm.BuildSecretName(name)

	// Check cache first
	sm.cacheMu.RLock()
	if entry, ok := sm.cache[secretName]; ok && time.Now().Before(entry.expiresAt) {
		sm.cacheMu.RUnlock()
		return entry.value, nil
	}
	sm.cacheMu.RUnlock()

	result, err := sm.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: secretName})
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	value := string(result.Payload.Data)

	sm.cacheMu.Lock()
	sm.cache[secretName] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(sm.cacheTTL),
	}
	sm.cacheMu.Unlock()

	return value, nil
}

// InvalidateCache removes a secret from the cache
func (sm *GCPSecretManager) InvalidateCache(name string) {
	sm.cacheMu.Lock()
	delete(sm.cache, sm.BuildSecretName(name))
	sm.cacheMu.Unlock()
}

// EnvStore reads secrets from environment variables: "clover-app-secret" is CLOVER_APP_SECRET
type EnvStore struct {
	lookup func(string) (string, bool)
}

// NewEnvStore creates a store backed by the process environment
func NewEnvStore() *EnvStore {
	return &EnvStore{lookup: os.LookupEnv}
}

// EnvName returns the environment variable a secret name maps to
func EnvName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// GetSecret returns the environment value for name
func (s *EnvStore) GetSecret(_ context.Context, name string) (string, error) {
	if value, ok := s.lookup(EnvName(name)); ok && value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Chain tries each store in order and returns the first hit
type Chain []Store

// GetSecret implements Store
func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, store := range c {
		value, err := store.GetSecret(ctx, name)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return "", lastErr
}

// Resolve returns the secret value, or fallback when no store has it
func Resolve(ctx context.Context, store Store, name, fallback string) string {
	if store == nil {
		return fallback
	}
	value, err := store.GetSecret(ctx, name)
	if err != nil || value == "" {
		return fallback
	}
	return value
}

// sanitizeSecretID removes or replaces invalid characters for GCP secret IDs
// Secret IDs can only contain alphanumeric characters, hyphens, and underscores
func sanitizeSecretID(input string) string {
	var result strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		} else {
			result.WriteRune('-')
		}
	}
	return result.String()
}

// isNotFoundError checks if the error indicates the secret does not exist
func isNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "not found")
}
