package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/clients/esl"
	"esl-sync-service/internal/config"
	"esl-sync-service/internal/metrics"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"esl-sync-service/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ESLWriter is the subset of the ESL client the worker needs
type ESLWriter interface {
	UpsertItems(ctx context.Context, storeCode string, items []esl.Item) error
	DeleteItems(ctx context.Context, storeCode string, codes []string) error
}

// SyncWorkerConfig controls queue draining and retry backoff
type SyncWorkerConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxRetries      int
	BaseDelay       time.Duration
	Multiplier      float64
	MaxBackoff      time.Duration
	ProcessingLease time.Duration
}

// SyncWorkerConfigFrom reads the worker settings from the service config
func SyncWorkerConfigFrom(cfg *config.Config) SyncWorkerConfig {
	return SyncWorkerConfig{
		PollInterval:    cfg.SyncPollInterval,
		BatchSize:       cfg.SyncBatchSize,
		MaxRetries:      cfg.SyncMaxRetries,
		BaseDelay:       cfg.SyncRetryBaseDelay,
		Multiplier:      cfg.SyncRetryMultiplier,
		MaxBackoff:      cfg.SyncMaxBackoff,
		ProcessingLease: cfg.SyncProcessingLease,
	}
}

// SyncWorker drains the sync queue into the ESL vendor API
type SyncWorker struct {
	syncRepo    *repository.SyncRepository
	productRepo *repository.ProductRepository
	mappingRepo *repository.StoreMappingRepository
	esl         ESLWriter
	notifier    notify.Notifier
	backoff     *clients.Retrier
	config      SyncWorkerConfig
	logger      *logrus.Entry
	tracer      trace.Tracer
	now         func() time.Time
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	syncRepo *repository.SyncRepository,
	productRepo *repository.ProductRepository,
	mappingRepo *repository.StoreMappingRepository,
	eslClient ESLWriter,
	notifier notify.Notifier,
	cfg SyncWorkerConfig,
	logger *logrus.Logger,
) *SyncWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &SyncWorker{
		syncRepo:    syncRepo,
		productRepo: productRepo,
		mappingRepo: mappingRepo,
		esl:         eslClient,
		notifier:    notifier,
		backoff: clients.NewRetrier(&clients.RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.BaseDelay,
			MaxBackoff:     cfg.MaxBackoff,
			BackoffFactor:  cfg.Multiplier,
		}),
		config: cfg,
		logger: logger.WithField("component", "sync_worker"),
		tracer: otel.Tracer("esl-sync-service/sync"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run processes the queue every poll interval until ctx is cancelled
func (w *SyncWorker) Run(ctx context.Context) {
	w.logger.WithField("interval", w.config.PollInterval.String()).Info("Sync worker started")
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.WithError(err).Error("Sync worker tick failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Sync worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick releases stale claims, then claims and processes one batch of due items.
// It returns the number of items this worker processed.
func (w *SyncWorker) Tick(ctx context.Context) (int, error) {
	now := w.now()

	if w.config.ProcessingLease > 0 {
		released, err := w.syncRepo.ReleaseStale(ctx, w.config.ProcessingLease, now)
		if err != nil {
			return 0, fmt.Errorf("failed to release stale items: %w", err)
		}
		if released > 0 {
			w.logger.WithField("count", released).Warn("Released queue items with expired processing lease")
		}
	}

	items, err := w.syncRepo.ListDue(ctx, now, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due queue items: %w", err)
	}

	processed := 0
	for i := range items {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		claimed, err := w.syncRepo.ClaimPending(ctx, items[i].ID, w.now())
		if err != nil {
			return processed, fmt.Errorf("failed to claim queue item %s: %w", items[i].ID, err)
		}
		if !claimed {
			continue
		}
		w.process(ctx, &items[i])
		processed++
	}

	w.recordDepth(ctx)
	return processed, nil
}

func (w *SyncWorker) recordDepth(ctx context.Context) {
	counts, err := w.syncRepo.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []models.QueueStatus{
		models.QueueStatusPending, models.QueueStatusProcessing, models.QueueStatusSucceeded, models.QueueStatusFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// process performs one delivery attempt and records its outcome
func (w *SyncWorker) process(ctx context.Context, item *models.SyncQueueItem) {
	ctx, span := w.tracer.Start(ctx, "sync.deliver", trace.WithAttributes(
		attribute.String("queue_item", item.ID.String()),
		attribute.String("operation", string(item.Operation)),
		attribute.Int("retry_count", item.RetryCount),
	))
	defer span.End()

	started := time.Now()
	err := w.safeAttempt(ctx, item)
	duration := time.Since(started)
	metrics.SyncDuration.WithLabelValues(string(item.Operation)).Observe(duration.Seconds())

	entry := &models.SyncLogEntry{
		QueueItemID:    item.ID,
		ProductID:      item.ProductID,
		StoreMappingID: item.StoreMappingID,
		Operation:      item.Operation,
		Attempt:        item.RetryCount + 1,
		DurationMs:     duration.Milliseconds(),
	}
	logger := w.logger.WithFields(logrus.Fields{
		"queue_item": item.ID,
		"product":    item.ProductID,
		"operation":  item.Operation,
		"attempt":    entry.Attempt,
	})

	var stateErr error
	switch {
	case err == nil:
		entry.Outcome = models.OutcomeSucceeded
		stateErr = w.syncRepo.MarkSucceeded(ctx, item.ID, w.now())
		metrics.QueueOutcomes.WithLabelValues(string(item.Operation), "completed").Inc()
		logger.Debug("Queue item delivered")

	case clients.Classify(err) == clients.ClassPermanent:
		entry.Outcome = models.OutcomeFailed
		entry.ErrorMessage = err.Error()
		stateErr = w.syncRepo.MarkFailed(ctx, item.ID, item.RetryCount, err.Error())
		metrics.QueueOutcomes.WithLabelValues(string(item.Operation), "failed").Inc()
		logger.WithError(err).Error("Queue item failed permanently")
		w.alert(ctx, item, entry.Attempt, err)

	default:
		retryCount := item.RetryCount + 1
		entry.ErrorMessage = err.Error()
		if retryCount >= w.config.MaxRetries {
			entry.Outcome = models.OutcomeFailed
			stateErr = w.syncRepo.MarkFailed(ctx, item.ID, retryCount, fmt.Sprintf("max retries exceeded: %v", err))
			metrics.QueueOutcomes.WithLabelValues(string(item.Operation), "failed").Inc()
			logger.WithError(err).Error("Queue item exhausted its retries")
			w.alert(ctx, item, entry.Attempt, err)
			break
		}

		var retryAfter time.Duration
		var transient *clients.TransientError
		if errors.As(err, &transient) {
			retryAfter = transient.RetryAfter
		}
		next := w.now().Add(w.backoff.CalculateBackoff(retryCount-1, retryAfter))
		entry.Outcome = models.OutcomeRetrying
		stateErr = w.syncRepo.ScheduleRetry(ctx, item.ID, retryCount, next, err.Error())
		metrics.QueueOutcomes.WithLabelValues(string(item.Operation), "retry").Inc()
		logger.WithError(err).WithField("next_attempt_at", next).Warn("Queue item will be retried")
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if stateErr != nil {
		// The lease on the processing row returns it to pending later
		logger.WithError(stateErr).Error("Failed to record queue item state")
	}
	if logErr := w.syncRepo.CreateLog(ctx, entry); logErr != nil {
		logger.WithError(logErr).Error("Failed to write sync log entry")
	}
}

func (w *SyncWorker) alert(ctx context.Context, item *models.SyncQueueItem, attempt int, err error) {
	fields := map[string]interface{}{
		"queue_item":    item.ID.String(),
		"product":       item.ProductID.String(),
		"store_mapping": item.StoreMappingID.String(),
		"operation":     string(item.Operation),
		"attempt":       attempt,
		"error":         err.Error(),
	}
	kind := notify.KindSyncFailed
	if clients.IsAuthError(err) {
		kind = notify.KindAuthFailure
	}
	w.notifier.Notify(ctx, kind, fields)
}

// safeAttempt converts a panic inside an attempt into a transient error
func (w *SyncWorker) safeAttempt(ctx context.Context, item *models.SyncQueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &clients.TransientError{Op: "sync attempt", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return w.attempt(ctx, item)
}

func (w *SyncWorker) attempt(ctx context.Context, item *models.SyncQueueItem) error {
	product, err := w.productRepo.GetByID(ctx, item.ProductID)
	if errors.Is(err, repository.ErrNotFound) {
		return &clients.ValidationError{Op: "load product", Reasons: []string{"product no longer exists"}}
	}
	if err != nil {
		return err
	}
	mapping, err := w.mappingRepo.GetByID(ctx, item.StoreMappingID)
	if errors.Is(err, repository.ErrNotFound) {
		return &clients.ValidationError{Op: "load store mapping", Reasons: []string{"store mapping no longer exists"}}
	}
	if err != nil {
		return err
	}
	if mapping.ESLStoreCode == "" {
		return &clients.ValidationError{Op: "resolve ESL store", Reasons: []string{"store mapping has no ESL store code"}}
	}

	code := product.ESLCode()
	// A changed barcode or SKU moves the label to a new code; the old one has to go
	stale := product.PublishedCode != "" && product.PublishedCode != code

	if item.Operation == models.OperationDelete || product.Status == models.ProductDeleted {
		codes := []string{code}
		if stale {
			codes = append(codes, product.PublishedCode)
		}
		if err := w.esl.DeleteItems(ctx, mapping.ESLStoreCode, codes); err != nil {
			return err
		}
		if product.PublishedCode == "" {
			return nil
		}
		return w.productRepo.SetPublishedCode(ctx, product.ID, "")
	}
	if product.Status != models.ProductValidated {
		return &clients.ValidationError{Op: "publish product", Reasons: []string{"product is not validated: " + product.ValidationErrors}}
	}
	if err := w.esl.UpsertItems(ctx, mapping.ESLStoreCode, []esl.Item{ToESLItem(product)}); err != nil {
		return err
	}
	if stale {
		if err := w.esl.DeleteItems(ctx, mapping.ESLStoreCode, []string{product.PublishedCode}); err != nil {
			return err
		}
	}
	if product.PublishedCode == code {
		return nil
	}
	return w.productRepo.SetPublishedCode(ctx, product.ID, code)
}

// ToESLItem maps a local product onto an ESL label record keyed by its product code
func ToESLItem(product *models.Product) esl.Item {
	return esl.Item{
		BarCode:    product.ESLCode(),
		ItemTitle:  product.Title,
		Price:      product.Price.StringFixed(2),
		ProductSku: product.SKU,
		ImageURL:   product.ImageURL,
		Unit:       product.Payload.String("unit_name"),
	}
}

// RetryFailed returns a terminally failed item to the queue
func (w *SyncWorker) RetryFailed(ctx context.Context, id uuid.UUID) (*models.SyncQueueItem, error) {
	return w.syncRepo.RequeueFailed(ctx, id)
}

// Stats returns queue counts by status
func (w *SyncWorker) Stats(ctx context.Context) (map[models.QueueStatus]int64, error) {
	return w.syncRepo.CountByStatus(ctx)
}

// Logs returns the delivery attempts of a queue item
func (w *SyncWorker) Logs(ctx context.Context, id uuid.UUID) ([]models.SyncLogEntry, error) {
	if _, err := w.syncRepo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return w.syncRepo.ListLogs(ctx, id)
}
