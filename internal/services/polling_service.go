package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/config"
	"esl-sync-service/internal/metrics"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"esl-sync-service/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrPollInProgress is returned when a tenant is already being reconciled in this process
var ErrPollInProgress = errors.New("reconciliation already in progress for tenant")

// ErrPollingNotSupported is returned for sources that cannot list their catalog
var ErrPollingNotSupported = errors.New("source does not support polling")

// PollingConfig controls reconciliation cadence
type PollingConfig struct {
	Interval      time.Duration
	PageDelay     time.Duration
	Concurrency   int
	GhostEveryN   int
	GhostInterval time.Duration
}

// PollingConfigFrom reads the polling settings from the service config
func PollingConfigFrom(cfg *config.Config) PollingConfig {
	return PollingConfig{
		Interval:      cfg.PollInterval,
		PageDelay:     cfg.PollPageDelay,
		Concurrency:   cfg.PollConcurrency,
		GhostEveryN:   cfg.GhostCleanupEveryN,
		GhostInterval: cfg.GhostCleanupInterval,
	}
}

// PollOptions adjusts a single reconciliation run
type PollOptions struct {
	// SkipTokenPreflight is set for syncs that use credentials issued moments ago
	SkipTokenPreflight bool
	ForceGhostCleanup  bool
}

// PollResult summarizes one reconciliation run
type PollResult struct {
	Pages        int         `json:"pages"`
	Items        int         `json:"items"`
	Changes      ApplyResult `json:"changes"`
	GhostCleanup bool        `json:"ghostCleanup"`
	Ghosts       int         `json:"ghosts"`
	Cursor       time.Time   `json:"cursor"`
	PollCount    int         `json:"pollCount"`
}

// PollingService reconciles the local catalog of polled sources against the source catalog
type PollingService struct {
	registry    *clients.Registry
	mappingRepo *repository.StoreMappingRepository
	catalog     *CatalogService
	tokens      *TokenService
	retrier     *clients.Retrier
	notifier    notify.Notifier
	inFlight    *TenantSemaphore
	config      PollingConfig
	logger      *logrus.Entry
	now         func() time.Time
}

// NewPollingService creates a new polling service
func NewPollingService(
	registry *clients.Registry,
	mappingRepo *repository.StoreMappingRepository,
	catalog *CatalogService,
	tokens *TokenService,
	notifier notify.Notifier,
	cfg PollingConfig,
	logger *logrus.Logger,
) *PollingService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &PollingService{
		registry:    registry,
		mappingRepo: mappingRepo,
		catalog:     catalog,
		tokens:      tokens,
		retrier:     clients.NewRetrier(clients.DefaultRetryConfig()),
		notifier:    notifier,
		inFlight:    NewTenantSemaphore(DefaultConcurrencyConfig()),
		config:      cfg,
		logger:      logger.WithField("component", "polling"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetRetrier replaces the retrier used for catalog page fetches
func (s *PollingService) SetRetrier(retrier *clients.Retrier) {
	s.retrier = retrier
}

// Run reconciles every active tenant of every pollable source each interval until ctx is cancelled
func (s *PollingService) Run(ctx context.Context) {
	s.logger.WithField("interval", s.config.Interval.String()).Info("Polling reconciliation started")
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		s.inFlight.Cleanup()
		select {
		case <-ctx.Done():
			s.logger.Info("Polling reconciliation stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles all tenants concurrently, bounded by the configured concurrency.
// A failing tenant never affects the others.
func (s *PollingService) RunOnce(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)

	for _, source := range s.registry.Sources() {
		adapter, err := s.registry.Get(source)
		if err != nil {
			continue
		}
		if _, ok := adapter.(clients.Poller); !ok {
			continue
		}
		mappings, err := s.mappingRepo.ListActive(ctx, source)
		if err != nil {
			s.logger.WithError(err).WithField("source", source).Error("Failed to list store mappings")
			continue
		}
		for i := range mappings {
			mapping := mappings[i]
			g.Go(func() error {
				if _, err := s.Reconcile(ctx, &mapping, PollOptions{}); err != nil && !errors.Is(err, ErrPollInProgress) {
					s.logger.WithError(err).WithFields(logrus.Fields{
						"source": mapping.SourceSystem,
						"store":  mapping.SourceStoreID,
					}).Error("Reconciliation failed")
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// ReconcileStore reconciles one tenant identified by source and store id
func (s *PollingService) ReconcileStore(ctx context.Context, source, storeID string, opts PollOptions) (*PollResult, error) {
	mapping, err := s.mappingRepo.GetBySourceStore(ctx, source, storeID)
	if err != nil {
		return nil, err
	}
	return s.Reconcile(ctx, mapping, opts)
}

// Reconcile applies every item changed since the tenant's cursor, runs ghost cleanup when due,
// then advances the cursor to the instant the run started and increments the poll count.
// On error the cursor is left unchanged so the next run repeats the window.
func (s *PollingService) Reconcile(ctx context.Context, mapping *models.StoreMapping, opts PollOptions) (*PollResult, error) {
	adapter, err := s.registry.Get(mapping.SourceSystem)
	if err != nil {
		return nil, err
	}
	poller, ok := adapter.(clients.Poller)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPollingNotSupported, mapping.SourceSystem)
	}

	release, ok := s.inFlight.TryAcquire(mapping.TenantKey())
	if !ok {
		return nil, ErrPollInProgress
	}
	defer release()

	logger := s.logger.WithFields(logrus.Fields{"source": mapping.SourceSystem, "store": mapping.SourceStoreID})

	result, err := s.reconcile(ctx, adapter, poller, mapping, opts, logger)
	if err != nil {
		metrics.PollRuns.WithLabelValues(mapping.SourceSystem, "failed").Inc()
		if clients.IsAuthError(err) {
			s.notifier.Notify(ctx, notify.KindAuthFailure, map[string]interface{}{
				"source": mapping.SourceSystem,
				"store":  mapping.SourceStoreID,
				"error":  err.Error(),
			})
		}
		return nil, err
	}
	metrics.PollRuns.WithLabelValues(mapping.SourceSystem, "succeeded").Inc()
	logger.WithFields(logrus.Fields{
		"pages":    result.Pages,
		"items":    result.Items,
		"enqueued": result.Changes.Enqueued,
		"ghosts":   result.Ghosts,
	}).Info("Reconciliation finished")
	return result, nil
}

func (s *PollingService) reconcile(ctx context.Context, adapter clients.SourceAdapter, poller clients.Poller, mapping *models.StoreMapping, opts PollOptions, logger *logrus.Entry) (*PollResult, error) {
	tenant, err := s.tokens.EnsureFresh(ctx, mapping, opts.SkipTokenPreflight)
	if err != nil {
		return nil, err
	}

	cursor := mapping.PollCursor()
	pollCount := mapping.PollCount()
	startedAt := s.now()
	result := &PollResult{}

	limit := rate.Inf
	if s.config.PageDelay > 0 {
		limit = rate.Every(s.config.PageDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	pageToken := ""
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var page *clients.ChangedPage
		fetch := s.retrier.Do(ctx, "list changed items", func(ctx context.Context) error {
			p, err := poller.ListChangedSince(ctx, tenant, cursor, pageToken)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if fetch.LastError != nil {
			return nil, fmt.Errorf("failed to list changed items: %w", fetch.LastError)
		}

		result.Pages++
		for _, item := range page.Items {
			changes, err := s.catalog.IngestItem(ctx, adapter, mapping, item)
			if err != nil {
				var validation *clients.ValidationError
				if errors.As(err, &validation) {
					logger.WithError(err).WithField("source_id", item.ID).Warn("Skipping item that cannot be normalized")
					continue
				}
				return nil, err
			}
			result.Items++
			result.Changes.Add(changes)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	pollCount++
	if opts.ForceGhostCleanup || s.ghostCleanupDue(mapping, pollCount, startedAt) {
		ghosts, err := s.cleanupGhosts(ctx, poller, tenant, mapping, logger)
		if err != nil {
			// Incremental changes are applied; the sweep is retried on the next due poll
			logger.WithError(err).Error("Ghost cleanup failed")
		} else {
			result.GhostCleanup = true
			result.Ghosts = ghosts
		}
	}

	ghostDone := result.GhostCleanup
	_, err = s.mappingRepo.UpdateMetadata(ctx, mapping.ID, func(meta models.JSONB) error {
		meta.SetTime(models.MetaPollCursor, startedAt)
		meta[models.MetaPollCount] = pollCount
		if ghostDone {
			meta.SetTime(models.MetaLastGhostCleanupAt, startedAt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to advance poll cursor: %w", err)
	}

	result.Cursor = startedAt
	result.PollCount = pollCount
	return result, nil
}

// ghostCleanupDue runs the full sweep every Nth poll or once the interval has elapsed, whichever comes first
func (s *PollingService) ghostCleanupDue(mapping *models.StoreMapping, pollCount int, now time.Time) bool {
	if s.config.GhostEveryN > 0 && pollCount%s.config.GhostEveryN == 0 {
		return true
	}
	if s.config.GhostInterval > 0 {
		last := mapping.LastGhostCleanupAt()
		return last.IsZero() || now.Sub(last) >= s.config.GhostInterval
	}
	return false
}

func (s *PollingService) cleanupGhosts(ctx context.Context, poller clients.Poller, tenant clients.Tenant, mapping *models.StoreMapping, logger *logrus.Entry) (int, error) {
	var active map[string]struct{}
	fetch := s.retrier.Do(ctx, "list active items", func(ctx context.Context) error {
		ids, err := poller.ListAllActiveIDs(ctx, tenant)
		if err != nil {
			return err
		}
		active = ids
		return nil
	})
	if fetch.LastError != nil {
		return 0, fmt.Errorf("failed to list active items: %w", fetch.LastError)
	}

	ghosts, err := s.catalog.CleanupGhosts(ctx, mapping, active)
	if err != nil {
		return 0, err
	}
	if len(ghosts) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(ghosts))
	for _, g := range ghosts {
		ids = append(ids, g.SourceID)
	}
	logger.WithField("ghosts", ids).Info("Removed items no longer present at the source")
	s.notifier.Notify(ctx, notify.KindReconciliationDrift, map[string]interface{}{
		"source":    mapping.SourceSystem,
		"store":     mapping.SourceStoreID,
		"count":     len(ghosts),
		"source_id": ids,
	})
	return len(ghosts), nil
}
