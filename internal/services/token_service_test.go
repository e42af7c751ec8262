package services

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/encryption"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestIsExpiringSoon(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, IsExpiringSoon(time.Time{}, 15*time.Minute, now))
	assert.True(t, IsExpiringSoon(now.Add(-time.Minute), 15*time.Minute, now))
	assert.True(t, IsExpiringSoon(now.Add(10*time.Minute), 15*time.Minute, now))
	assert.True(t, IsExpiringSoon(now.Add(15*time.Minute), 15*time.Minute, now))
	assert.False(t, IsExpiringSoon(now.Add(16*time.Minute), 15*time.Minute, now))
}

func credentialMeta(access, refresh string, expiresAt time.Time) models.JSONB {
	meta := models.JSONB{
		models.MetaAccessToken:  access,
		models.MetaRefreshToken: refresh,
	}
	meta.SetTime(models.MetaTokenExpiresAt, expiresAt)
	return meta
}

func TestRefreshWithoutNewRefreshTokenLeavesStorageUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	expires := time.Now().UTC().Add(time.Minute)
	mapping := e.mapping(t, "S1", credentialMeta("old-access", "old-refresh", expires))
	e.adapter.refreshFn = func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)}, nil
	}

	_, err := e.tokens.RefreshAndPersist(ctx, mapping)
	require.Error(t, err)
	assert.ErrorIs(t, err, clients.ErrMissingRefreshToken)

	stored, err := e.mappingRepo.GetByID(ctx, mapping.ID)
	require.NoError(t, err)
	assert.Equal(t, "old-access", stored.Metadata.String(models.MetaAccessToken))
	assert.Equal(t, "old-refresh", stored.Metadata.String(models.MetaRefreshToken))
	assert.True(t, expires.Truncate(time.Second).Equal(stored.Metadata.Time(models.MetaTokenExpiresAt).Truncate(time.Second)))
	assert.Equal(t, []notify.Kind{notify.KindTokenRefreshFailed}, e.notifier.kinds())
}

func TestRefreshPersistsRotatedCredentials(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mapping := e.mapping(t, "S1", credentialMeta("old-access", "old-refresh", time.Now().UTC().Add(time.Minute)))
	newExpiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	refreshExpiry := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	e.adapter.refreshFn = func(refreshToken string) (*oauth2.Token, error) {
		token := &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: newExpiry}
		return token.WithExtra(map[string]interface{}{clients.ExtraRefreshExpiry: refreshExpiry.Unix()}), nil
	}

	updated, err := e.tokens.RefreshAndPersist(ctx, mapping)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-refresh"}, e.adapter.refreshed)

	creds, err := e.tokens.Credentials(updated)
	require.NoError(t, err)
	assert.Equal(t, "new-access", creds.AccessToken)
	assert.Equal(t, "new-refresh", creds.RefreshToken)
	assert.True(t, newExpiry.Equal(creds.ExpiresAt))
	assert.True(t, refreshExpiry.Equal(creds.RefreshExpiresAt))
}

func TestRefreshSkipsWhenAnotherCallerAlreadyRotated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stale := e.mapping(t, "S1", credentialMeta("old-access", "old-refresh", time.Now().UTC().Add(time.Minute)))

	// Another process rotated the credentials after this caller read the mapping
	_, err := e.mappingRepo.UpdateMetadata(ctx, stale.ID, func(meta models.JSONB) error {
		meta[models.MetaAccessToken] = "rotated-access"
		meta[models.MetaRefreshToken] = "rotated-refresh"
		meta.SetTime(models.MetaTokenExpiresAt, time.Now().UTC().Add(time.Hour))
		return nil
	})
	require.NoError(t, err)

	current, err := e.tokens.RefreshAndPersist(ctx, stale)
	require.NoError(t, err)
	assert.Zero(t, e.adapter.refreshCalls())
	assert.Equal(t, "rotated-refresh", current.Metadata.String(models.MetaRefreshToken))
}

func TestConcurrentRefreshesConsumeTheTokenOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mapping := e.mapping(t, "S1", credentialMeta("old-access", "old-refresh", time.Now().UTC().Add(time.Minute)))
	e.adapter.refreshFn = func(refreshToken string) (*oauth2.Token, error) {
		if refreshToken != "old-refresh" {
			return nil, &clients.AuthenticationError{Op: "refresh", Err: errors.New("token reused")}
		}
		return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: time.Now().Add(time.Hour)}, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot := *mapping
			snapshot.Metadata = mapping.Metadata.Clone()
			_, errs[i] = e.tokens.RefreshAndPersist(ctx, &snapshot)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, e.adapter.refreshCalls())
}

func TestRefreshWithoutStoredRefreshTokenIsAuthError(t *testing.T) {
	e := newEnv(t)
	mapping := e.mapping(t, "S1", models.JSONB{models.MetaAccessToken: "access"})

	_, err := e.tokens.RefreshAndPersist(context.Background(), mapping)
	assert.True(t, clients.IsAuthError(err))
	assert.Zero(t, e.adapter.refreshCalls())
}

func TestEnsureFreshRefreshesOnlyWhenExpiring(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.adapter.refreshFn = func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: time.Now().Add(time.Hour)}, nil
	}

	healthy := e.mapping(t, "S1", credentialMeta("a1", "r1", time.Now().UTC().Add(time.Hour)))
	tenant, err := e.tokens.EnsureFresh(ctx, healthy, false)
	require.NoError(t, err)
	assert.Equal(t, "a1", tenant.Token.AccessToken)
	assert.Zero(t, e.adapter.refreshCalls())

	expiring := e.mapping(t, "S2", credentialMeta("a2", "r2", time.Now().UTC().Add(5*time.Minute)))
	tenant, err = e.tokens.EnsureFresh(ctx, expiring, true)
	require.NoError(t, err)
	assert.Equal(t, "a2", tenant.Token.AccessToken, "freshly minted credentials skip the pre-flight")

	tenant, err = e.tokens.EnsureFresh(ctx, expiring, false)
	require.NoError(t, err)
	assert.Equal(t, "new-access", tenant.Token.AccessToken)
	assert.Equal(t, "S2", tenant.StoreID)
	_, leaked := tenant.Settings[models.MetaRefreshToken]
	assert.False(t, leaked)
}

func TestSweepRefreshesOnlyTokensInsideThreshold(t *testing.T) {
	e := newEnv(t)
	e.adapter.refreshFn = func(string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: time.Now().Add(30 * 24 * time.Hour)}, nil
	}
	e.mapping(t, "soon", credentialMeta("a1", "r1", time.Now().UTC().Add(24*time.Hour)))
	e.mapping(t, "later", credentialMeta("a2", "r2", time.Now().UTC().Add(10*24*time.Hour)))
	e.mapping(t, "no-refresh", models.JSONB{models.MetaAccessToken: "a3"})

	refreshed, failed := e.tokens.Sweep(context.Background())
	assert.Equal(t, 1, refreshed)
	assert.Zero(t, failed)
	assert.Equal(t, []string{"r1"}, e.adapter.refreshed)
}

func TestCompleteAuthorizationStoresEncryptedCredentialsAndStartsSync(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cipher, err := encryption.NewTokenCipher("test-key")
	require.NoError(t, err)
	tokens := NewTokenService(e.mappingRepo, e.registry, LocalLocker{}, cipher, e.notifier, TokenConfig{}, e.logger)

	e.adapter.exchangeFn = func(storeID, code string) (*oauth2.Token, error) {
		assert.Equal(t, "S9", storeID)
		assert.Equal(t, "auth-code", code)
		return &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}, nil
	}
	var synced []string
	tokens.SetInitialSync(func(_ context.Context, mapping *models.StoreMapping) {
		synced = append(synced, mapping.SourceStoreID)
	})

	storeID, err := tokens.CallbackStoreID(stubSource, url.Values{"store": {"S9"}})
	require.NoError(t, err)
	mapping, err := tokens.CompleteAuthorization(ctx, stubSource, storeID, "auth-code", "ESL-9")
	require.NoError(t, err)

	assert.Equal(t, "ESL-9", mapping.ESLStoreCode)
	assert.True(t, mapping.IsActive)
	assert.NotEqual(t, "access", mapping.Metadata.String(models.MetaAccessToken))
	creds, err := tokens.Credentials(mapping)
	require.NoError(t, err)
	assert.Equal(t, "access", creds.AccessToken)
	assert.Equal(t, "refresh", creds.RefreshToken)
	assert.Equal(t, []string{"S9"}, synced)

	_, err = tokens.CallbackStoreID(stubSource, url.Values{})
	var validation *clients.ValidationError
	assert.ErrorAs(t, err, &validation)
}
