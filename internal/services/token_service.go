package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/config"
	"esl-sync-service/internal/encryption"
	"esl-sync-service/internal/metrics"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"esl-sync-service/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// ErrAuthorizationNotSupported is returned for sources without an OAuth authorization-code flow
var ErrAuthorizationNotSupported = errors.New("source does not support OAuth authorization")

// TokenConfig controls when credentials are refreshed
type TokenConfig struct {
	PreflightThreshold time.Duration
	SweepThreshold     time.Duration
	SweepInterval      time.Duration
	LockTTL            time.Duration
}

// TokenConfigFrom reads the token settings from the service config
func TokenConfigFrom(cfg *config.Config) TokenConfig {
	return TokenConfig{
		PreflightThreshold: cfg.TokenPreflightThreshold,
		SweepThreshold:     cfg.TokenSweepThreshold,
		SweepInterval:      cfg.TokenSweepInterval,
		LockTTL:            cfg.TokenLockTTL,
	}
}

// IsExpiringSoon reports whether expiry falls within threshold of now.
// A zero expiry means the vendor did not report one and is never treated as expiring.
func IsExpiringSoon(expiry time.Time, threshold time.Duration, now time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return !expiry.After(now.Add(threshold))
}

// TokenService renews OAuth credentials. Refresh tokens may be single use, so at most one
// refresh per tenant runs at a time, across processes when a distributed locker is configured.
type TokenService struct {
	mappingRepo *repository.StoreMappingRepository
	registry    *clients.Registry
	locks       *TenantSemaphore
	locker      Locker
	cipher      *encryption.TokenCipher
	notifier    notify.Notifier
	config      TokenConfig
	initialSync func(ctx context.Context, mapping *models.StoreMapping)
	logger      *logrus.Entry
	now         func() time.Time
}

// NewTokenService creates a new token service. A nil locker limits exclusion to this process.
func NewTokenService(
	mappingRepo *repository.StoreMappingRepository,
	registry *clients.Registry,
	locker Locker,
	cipher *encryption.TokenCipher,
	notifier notify.Notifier,
	cfg TokenConfig,
	logger *logrus.Logger,
) *TokenService {
	if locker == nil {
		locker = LocalLocker{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &TokenService{
		mappingRepo: mappingRepo,
		registry:    registry,
		locks:       NewTenantSemaphore(DefaultConcurrencyConfig()),
		locker:      locker,
		cipher:      cipher,
		notifier:    notifier,
		config:      cfg,
		logger:      logger.WithField("component", "token_refresh"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetInitialSync registers the job run after a tenant completes authorization.
// The job receives freshly minted credentials and must skip the refresh pre-check.
func (s *TokenService) SetInitialSync(fn func(ctx context.Context, mapping *models.StoreMapping)) {
	s.initialSync = fn
}

// Credentials decodes the credential set stored on a mapping
func (s *TokenService) Credentials(mapping *models.StoreMapping) (*models.Credentials, error) {
	access, err := s.cipher.Decrypt(mapping.Metadata.String(models.MetaAccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for %s: %w", mapping.TenantKey(), err)
	}
	refresh, err := s.cipher.Decrypt(mapping.Metadata.String(models.MetaRefreshToken))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token for %s: %w", mapping.TenantKey(), err)
	}
	return &models.Credentials{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        mapping.Metadata.Time(models.MetaTokenExpiresAt),
		RefreshExpiresAt: mapping.Metadata.Time(models.MetaRefreshTokenExpiresAt),
	}, nil
}

// Tenant builds the adapter view of a mapping from stored credentials
func (s *TokenService) Tenant(mapping *models.StoreMapping) (clients.Tenant, error) {
	creds, err := s.Credentials(mapping)
	if err != nil {
		return clients.Tenant{}, err
	}
	return tenantFrom(mapping, creds), nil
}

func tenantFrom(mapping *models.StoreMapping, creds *models.Credentials) clients.Tenant {
	settings := make(map[string]interface{}, len(mapping.Metadata))
	for k, v := range mapping.Metadata {
		if k == models.MetaAccessToken || k == models.MetaRefreshToken {
			continue
		}
		settings[k] = v
	}
	return clients.Tenant{
		StoreID: mapping.SourceStoreID,
		Token: &oauth2.Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       creds.ExpiresAt,
		},
		Settings: settings,
	}
}

// EnsureFresh returns the tenant view of a mapping, refreshing the access token first when it
// expires within the pre-flight threshold. Callers using credentials minted moments ago pass
// skipPreflight so they never race a background refresher for the same token.
func (s *TokenService) EnsureFresh(ctx context.Context, mapping *models.StoreMapping, skipPreflight bool) (clients.Tenant, error) {
	creds, err := s.Credentials(mapping)
	if err != nil {
		return clients.Tenant{}, err
	}
	if skipPreflight || !IsExpiringSoon(creds.ExpiresAt, s.config.PreflightThreshold, s.now()) {
		return tenantFrom(mapping, creds), nil
	}
	if !s.canRefresh(mapping.SourceSystem) {
		return tenantFrom(mapping, creds), nil
	}

	fresh, err := s.RefreshAndPersist(ctx, mapping)
	if err != nil {
		return clients.Tenant{}, err
	}
	return s.Tenant(fresh)
}

func (s *TokenService) canRefresh(source string) bool {
	adapter, err := s.registry.Get(source)
	if err != nil {
		return false
	}
	_, ok := adapter.(clients.TokenRefresher)
	return ok
}

// RefreshAndPersist exchanges the stored refresh token for a new credential set and stores it.
// It always re-reads the mapping under the tenant lock: when another caller already rotated the
// token, the stored credentials are returned without a second exchange. A response without a new
// refresh token fails with ErrMissingRefreshToken and leaves storage untouched.
func (s *TokenService) RefreshAndPersist(ctx context.Context, mapping *models.StoreMapping) (*models.StoreMapping, error) {
	adapter, err := s.registry.Get(mapping.SourceSystem)
	if err != nil {
		return nil, err
	}
	refresher, ok := adapter.(clients.TokenRefresher)
	if !ok {
		return nil, fmt.Errorf("%w: %s", clients.ErrRefreshNotSupported, mapping.SourceSystem)
	}

	seen, err := s.Credentials(mapping)
	if err != nil {
		return nil, err
	}
	key := mapping.TenantKey()
	logger := s.logger.WithFields(logrus.Fields{"source": mapping.SourceSystem, "store": mapping.SourceStoreID})

	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	lock, err := s.locker.Obtain(ctx, "token:"+key, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock token refresh for %s: %w", key, err)
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to release token refresh lock")
		}
	}()

	current, err := s.mappingRepo.GetByID(ctx, mapping.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read store mapping %s: %w", key, err)
	}
	stored, err := s.Credentials(current)
	if err != nil {
		return nil, err
	}
	if stored.RefreshToken != seen.RefreshToken && !IsExpiringSoon(stored.ExpiresAt, s.config.PreflightThreshold, s.now()) {
		logger.Debug("Token already refreshed by another caller")
		metrics.TokenRefreshes.WithLabelValues(mapping.SourceSystem, "already_fresh").Inc()
		return current, nil
	}
	if !stored.HasRefreshToken() {
		err := &clients.AuthenticationError{Op: "refresh token", Err: errors.New("no refresh token stored")}
		s.refreshFailed(ctx, current, err)
		return nil, err
	}

	token, err := refresher.RefreshToken(ctx, stored.RefreshToken)
	if err != nil {
		s.refreshFailed(ctx, current, err)
		return nil, fmt.Errorf("failed to refresh token for %s: %w", key, err)
	}
	if token.RefreshToken == "" {
		// The old refresh token is consumed; storing it again would fail on next use
		s.refreshFailed(ctx, current, clients.ErrMissingRefreshToken)
		return nil, fmt.Errorf("refresh for %s: %w", key, clients.ErrMissingRefreshToken)
	}

	updated, err := s.persist(ctx, current, token)
	if err != nil {
		s.refreshFailed(ctx, current, err)
		return nil, err
	}
	metrics.TokenRefreshes.WithLabelValues(mapping.SourceSystem, "refreshed").Inc()
	logger.WithField("expires_at", token.Expiry).Info("Token refreshed")
	return updated, nil
}

func (s *TokenService) refreshFailed(ctx context.Context, mapping *models.StoreMapping, err error) {
	metrics.TokenRefreshes.WithLabelValues(mapping.SourceSystem, "failed").Inc()
	s.logger.WithError(err).WithFields(logrus.Fields{
		"source": mapping.SourceSystem,
		"store":  mapping.SourceStoreID,
	}).Error("Token refresh failed")
	s.notifier.Notify(ctx, notify.KindTokenRefreshFailed, map[string]interface{}{
		"source": mapping.SourceSystem,
		"store":  mapping.SourceStoreID,
		"error":  err.Error(),
	})
}

// persist writes the full credential set in one metadata update
func (s *TokenService) persist(ctx context.Context, mapping *models.StoreMapping, token *oauth2.Token) (*models.StoreMapping, error) {
	access, err := s.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Encrypt(token.RefreshToken)
	if err != nil {
		return nil, err
	}
	refreshExpiry := clients.RefreshExpiry(token)

	updated, err := s.mappingRepo.UpdateMetadata(ctx, mapping.ID, func(meta models.JSONB) error {
		meta[models.MetaAccessToken] = access
		if refresh == "" {
			delete(meta, models.MetaRefreshToken)
		} else {
			meta[models.MetaRefreshToken] = refresh
		}
		meta.SetTime(models.MetaTokenExpiresAt, token.Expiry)
		meta.SetTime(models.MetaRefreshTokenExpiresAt, refreshExpiry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist credentials for %s: %w", mapping.TenantKey(), err)
	}
	return updated, nil
}

// Sweep refreshes every credential whose access or refresh token expires within the sweep threshold.
// Failures are isolated per tenant.
func (s *TokenService) Sweep(ctx context.Context) (refreshed, failed int) {
	now := s.now()
	for _, source := range s.registry.Sources() {
		if !s.canRefresh(source) {
			continue
		}
		mappings, err := s.mappingRepo.ListActive(ctx, source)
		if err != nil {
			s.logger.WithError(err).WithField("source", source).Error("Failed to list store mappings for token sweep")
			continue
		}
		for i := range mappings {
			if ctx.Err() != nil {
				return refreshed, failed
			}
			creds, err := s.Credentials(&mappings[i])
			if err != nil || !creds.HasRefreshToken() {
				continue
			}
			if !IsExpiringSoon(creds.ExpiresAt, s.config.SweepThreshold, now) &&
				!IsExpiringSoon(creds.RefreshExpiresAt, s.config.SweepThreshold, now) {
				continue
			}
			if _, err := s.RefreshAndPersist(ctx, &mappings[i]); err != nil {
				failed++
				continue
			}
			refreshed++
		}
	}
	return refreshed, failed
}

// RunSweeper sweeps at start and then every sweep interval until ctx is cancelled
func (s *TokenService) RunSweeper(ctx context.Context) {
	interval := s.config.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		refreshed, failed := s.Sweep(ctx)
		s.logger.WithFields(logrus.Fields{"refreshed": refreshed, "failed": failed}).Info("Token sweep finished")
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CallbackStoreID extracts the tenant of an OAuth callback for a source
func (s *TokenService) CallbackStoreID(source string, query url.Values) (string, error) {
	adapter, err := s.registry.Get(source)
	if err != nil {
		return "", err
	}
	exchanger, ok := adapter.(clients.CodeExchanger)
	if !ok {
		return "", ErrAuthorizationNotSupported
	}
	storeID, ok := exchanger.CallbackStoreID(query)
	if !ok {
		return "", &clients.ValidationError{Op: "oauth callback", Reasons: []string{"missing or invalid store identifier"}}
	}
	return storeID, nil
}

// CompleteAuthorization exchanges an authorization code, stores the credentials on the tenant's
// mapping (creating or reactivating it) and starts the initial sync.
func (s *TokenService) CompleteAuthorization(ctx context.Context, source, storeID, code, eslStoreCode string) (*models.StoreMapping, error) {
	adapter, err := s.registry.Get(source)
	if err != nil {
		return nil, err
	}
	exchanger, ok := adapter.(clients.CodeExchanger)
	if !ok {
		return nil, ErrAuthorizationNotSupported
	}
	if code == "" {
		return nil, &clients.ValidationError{Op: "oauth callback", Reasons: []string{"missing authorization code"}}
	}

	token, err := exchanger.ExchangeCode(ctx, storeID, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code for %s:%s: %w", source, storeID, err)
	}

	mapping, err := s.mappingRepo.GetBySourceStore(ctx, source, storeID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		mapping = &models.StoreMapping{
			SourceSystem:  source,
			SourceStoreID: storeID,
			ESLStoreCode:  eslStoreCode,
			IsActive:      true,
			Metadata:      models.JSONB{},
		}
		if err := s.mappingRepo.Create(ctx, mapping); err != nil {
			return nil, fmt.Errorf("failed to create store mapping: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		if eslStoreCode != "" && eslStoreCode != mapping.ESLStoreCode {
			if err := s.mappingRepo.SetESLStoreCode(ctx, mapping.ID, eslStoreCode); err != nil {
				return nil, err
			}
		}
		if !mapping.IsActive {
			if err := s.mappingRepo.SetActive(ctx, mapping.ID, true); err != nil {
				return nil, err
			}
		}
	}

	updated, err := s.persist(ctx, mapping, token)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"source": source, "store": storeID}).Info("Store authorized")

	if s.initialSync != nil && updated.IsActive && updated.ESLStoreCode != "" {
		s.initialSync(ctx, updated)
	}
	return updated, nil
}
