package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/config"
	"esl-sync-service/internal/metrics"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"esl-sync-service/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SchedulerConfig controls the price scheduler tick and boundary tolerances
type SchedulerConfig struct {
	Tick            time.Duration
	StartTolerance  time.Duration
	EndTolerance    time.Duration
	DefaultTimezone string
}

// SchedulerConfigFrom reads the scheduler settings from the service config
func SchedulerConfigFrom(cfg *config.Config) SchedulerConfig {
	return SchedulerConfig{
		Tick:            cfg.SchedulerTick,
		StartTolerance:  cfg.SchedulerStartTolerance,
		EndTolerance:    cfg.SchedulerEndTolerance,
		DefaultTimezone: cfg.DefaultTimezone,
	}
}

// ScheduleAction is what an evaluation did
type ScheduleAction string

const (
	ActionNone     ScheduleAction = "none"
	ActionApplied  ScheduleAction = "applied"
	ActionRestored ScheduleAction = "restored"
	ActionSkipped  ScheduleAction = "skipped"
)

// Evaluation is the outcome of evaluating one schedule
type Evaluation struct {
	Action        ScheduleAction `json:"action"`
	Late          bool           `json:"late,omitempty"`
	Missed        bool           `json:"missed,omitempty"`
	NextTriggerAt *time.Time     `json:"nextTriggerAt,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
}

// PriceScheduler applies promotional prices at store-local slot starts and restores original
// prices at slot ends. Only the price of a product is ever changed.
type PriceScheduler struct {
	scheduleRepo *repository.ScheduleRepository
	mappingRepo  *repository.StoreMappingRepository
	productRepo  *repository.ProductRepository
	catalog      *CatalogService
	registry     *clients.Registry
	tokens       *TokenService
	notifier     notify.Notifier
	config       SchedulerConfig
	logger       *logrus.Entry
	tracer       trace.Tracer
	now          func() time.Time
}

// NewPriceScheduler creates a new price scheduler. Tolerances shorter than the tick are raised
// to the tick so a boundary cannot fall between two evaluations.
func NewPriceScheduler(
	scheduleRepo *repository.ScheduleRepository,
	mappingRepo *repository.StoreMappingRepository,
	productRepo *repository.ProductRepository,
	catalog *CatalogService,
	registry *clients.Registry,
	tokens *TokenService,
	notifier notify.Notifier,
	cfg SchedulerConfig,
	logger *logrus.Logger,
) *PriceScheduler {
	entry := logger.WithField("component", "price_scheduler")
	if cfg.Tick <= 0 {
		cfg.Tick = 15 * time.Second
	}
	if cfg.StartTolerance < cfg.Tick {
		entry.WithFields(logrus.Fields{"tolerance": cfg.StartTolerance.String(), "tick": cfg.Tick.String()}).
			Warn("Start tolerance shorter than scheduler tick, raising it to the tick")
		cfg.StartTolerance = cfg.Tick
	}
	if cfg.EndTolerance < cfg.Tick {
		entry.WithFields(logrus.Fields{"tolerance": cfg.EndTolerance.String(), "tick": cfg.Tick.String()}).
			Warn("End tolerance shorter than scheduler tick, raising it to the tick")
		cfg.EndTolerance = cfg.Tick
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &PriceScheduler{
		scheduleRepo: scheduleRepo,
		mappingRepo:  mappingRepo,
		productRepo:  productRepo,
		catalog:      catalog,
		registry:     registry,
		tokens:       tokens,
		notifier:     notifier,
		config:       cfg,
		logger:       entry,
		tracer:       otel.Tracer("esl-sync-service/scheduler"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run evaluates due schedules every tick until ctx is cancelled
func (s *PriceScheduler) Run(ctx context.Context) {
	s.logger.WithField("tick", s.config.Tick.String()).Info("Price scheduler started")
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("Price scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Price scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick evaluates every active schedule whose next boundary is at or before now, widened by the
// start tolerance so a start can fire slightly early. It returns how many schedules changed
// prices or advanced past a missed slot.
func (s *PriceScheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.scheduleRepo.ListDue(ctx, now.Add(s.config.StartTolerance))
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	acted := 0
	for i := range due {
		if ctx.Err() != nil {
			return acted, ctx.Err()
		}
		eval, err := s.Evaluate(ctx, &due[i], now)
		if err != nil {
			s.logger.WithError(err).WithField("schedule", due[i].ID).Error("Schedule evaluation failed")
			continue
		}
		if eval.Action != ActionNone {
			acted++
		}
	}
	return acted, nil
}

// Create validates a new schedule, computes its first boundary and stores it
func (s *PriceScheduler) Create(ctx context.Context, schedule *models.PriceAdjustmentSchedule, now time.Time) error {
	mapping, err := s.mappingRepo.GetByID(ctx, schedule.StoreMappingID)
	if err != nil {
		return fmt.Errorf("failed to load store mapping: %w", err)
	}
	if err := validateItems(schedule.Items); err != nil {
		return err
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if err := s.activate(mapping, schedule, now); err != nil {
		return err
	}
	schedule.IsActive = true
	return s.scheduleRepo.Create(ctx, schedule)
}

func validateItems(items []models.ScheduleItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidSchedule)
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductCode) == "" {
			return fmt.Errorf("%w: item %d has no product code", ErrInvalidSchedule, i)
		}
		if item.PromoPrice.IsNegative() || item.OriginalPrice.IsNegative() {
			return fmt.Errorf("%w: item %s has a negative price", ErrInvalidSchedule, item.ProductCode)
		}
	}
	return nil
}

// Get returns a schedule by id
func (s *PriceScheduler) Get(ctx context.Context, id uuid.UUID) (*models.PriceAdjustmentSchedule, error) {
	return s.scheduleRepo.GetByID(ctx, id)
}

// Deactivate stops a schedule. Prices currently applied by it are left as they are.
func (s *PriceScheduler) Deactivate(ctx context.Context, id uuid.UUID) error {
	if _, err := s.scheduleRepo.GetByID(ctx, id); err != nil {
		return err
	}
	return s.scheduleRepo.Deactivate(ctx, id)
}

// Activate recomputes the first pending boundary of an existing schedule
func (s *PriceScheduler) Activate(ctx context.Context, schedule *models.PriceAdjustmentSchedule, now time.Time) error {
	mapping, err := s.mappingRepo.GetByID(ctx, schedule.StoreMappingID)
	if err != nil {
		return fmt.Errorf("failed to load store mapping: %w", err)
	}
	if err := s.activate(mapping, schedule, now); err != nil {
		return err
	}
	return s.scheduleRepo.UpdateTriggerState(ctx, schedule)
}

func (s *PriceScheduler) activate(mapping *models.StoreMapping, schedule *models.PriceAdjustmentSchedule, now time.Time) error {
	loc, err := mapping.Location(s.config.DefaultTimezone)
	if err != nil {
		return err
	}
	schedule.LastTriggerType = ""
	schedule.LastTriggeredAt = nil
	cal, err := newScheduleCalendar(schedule, loc)
	if err != nil {
		return err
	}
	schedule.NextTriggerAt = nil
	if occ, ok := cal.find(time.Time{}, now); ok {
		start := occ.Start
		schedule.NextTriggerAt = &start
	}
	return nil
}

// Evaluate processes the pending boundary of one schedule at now.
//
// When the last processed boundary was a start, the pending boundary is that slot's end: inside
// the end tolerance, or any time after it (a missed restore), original prices are restored and
// the next occurrence is computed. Otherwise the pending boundary is a slot start on a valid day:
// from the start tolerance until the slot ends promotional prices are applied; a slot that ended
// entirely unobserved is skipped.
func (s *PriceScheduler) Evaluate(ctx context.Context, schedule *models.PriceAdjustmentSchedule, now time.Time) (*Evaluation, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.evaluate", trace.WithAttributes(
		attribute.String("schedule", schedule.ID.String()),
	))
	defer span.End()

	eval, err := s.evaluate(ctx, schedule, now.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("action", string(eval.Action)))
	return eval, nil
}

func (s *PriceScheduler) evaluate(ctx context.Context, schedule *models.PriceAdjustmentSchedule, now time.Time) (*Evaluation, error) {
	logger := s.logger.WithField("schedule", schedule.ID)

	mapping, err := s.mappingRepo.GetByID(ctx, schedule.StoreMappingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load store mapping: %w", err)
	}
	loc, err := mapping.Location(s.config.DefaultTimezone)
	if err != nil {
		s.scheduleError(ctx, schedule, err)
		return nil, err
	}
	cal, err := newScheduleCalendar(schedule, loc)
	if err != nil {
		s.scheduleError(ctx, schedule, err)
		if deactivateErr := s.scheduleRepo.Deactivate(ctx, schedule.ID); deactivateErr != nil {
			logger.WithError(deactivateErr).Error("Failed to deactivate invalid schedule")
		}
		return nil, err
	}

	eval := &Evaluation{Action: ActionNone}
	var next *occurrence

	if schedule.LastTriggerType == models.TriggerStart {
		end := now
		if schedule.NextTriggerAt != nil {
			end = schedule.NextTriggerAt.UTC()
		}
		if now.Before(end.Add(-s.config.EndTolerance)) {
			return eval, nil
		}

		eval.Action = ActionRestored
		eval.Missed = now.After(end.Add(s.config.EndTolerance))
		eval.Errors = s.applyPrices(ctx, mapping, schedule, false)
		if occ, ok := cal.find(end, now); ok {
			next = occ
		}
		triggered := now
		schedule.LastTriggeredAt = &triggered
		schedule.LastTriggerType = models.TriggerEnd
		schedule.NextTriggerAt = nil
		if next != nil {
			start := next.Start
			schedule.NextTriggerAt = &start
		}
		s.recordTrigger(models.TriggerEnd, eval)
		logger.WithFields(logrus.Fields{"missed": eval.Missed, "next_trigger_at": schedule.NextTriggerAt}).Info("Original prices restored")
	} else {
		var (
			occ *occurrence
			ok  bool
		)
		if schedule.NextTriggerAt != nil {
			pending := schedule.NextTriggerAt.UTC()
			occ, ok = cal.find(pending, pending)
		} else {
			occ, ok = cal.find(time.Time{}, now)
		}

		switch {
		case !ok:
			schedule.NextTriggerAt = nil
			logger.Info("Schedule has no further occurrences")

		case now.Before(occ.Start.Add(-s.config.StartTolerance)):
			start := occ.Start
			if schedule.NextTriggerAt != nil && schedule.NextTriggerAt.Equal(start) {
				return eval, nil
			}
			schedule.NextTriggerAt = &start

		case !now.Before(occ.End):
			eval.Action = ActionSkipped
			schedule.NextTriggerAt = nil
			if following, found := cal.find(occ.Start.Add(time.Second), now); found {
				start := following.Start
				schedule.NextTriggerAt = &start
			}
			s.recordTrigger(models.TriggerStart, eval)
			logger.WithFields(logrus.Fields{"slot_start": occ.Start, "slot_end": occ.End}).Warn("Slot ended before it could be applied, skipping")

		default:
			eval.Action = ActionApplied
			eval.Late = now.After(occ.Start.Add(s.config.StartTolerance))
			eval.Errors = s.applyPrices(ctx, mapping, schedule, true)
			triggered := now
			end := occ.End
			schedule.LastTriggeredAt = &triggered
			schedule.LastTriggerType = models.TriggerStart
			schedule.NextTriggerAt = &end
			s.recordTrigger(models.TriggerStart, eval)
			logger.WithFields(logrus.Fields{"late": eval.Late, "next_trigger_at": end}).Info("Promotional prices applied")
		}
	}

	eval.NextTriggerAt = schedule.NextTriggerAt
	if err := s.scheduleRepo.UpdateTriggerState(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to persist schedule state: %w", err)
	}
	return eval, nil
}

func (s *PriceScheduler) recordTrigger(kind models.TriggerType, eval *Evaluation) {
	result := string(eval.Action)
	switch {
	case eval.Missed:
		result = "missed"
	case eval.Late:
		result = "late"
	case len(eval.Errors) > 0:
		result = "partial"
	}
	metrics.ScheduleTriggers.WithLabelValues(string(kind), result).Inc()
}

// applyPrices pushes the promotional or original price of every schedule item to the POS and,
// through the sync queue, to the ESL. Failures are collected per product and do not stop the others.
func (s *PriceScheduler) applyPrices(ctx context.Context, mapping *models.StoreMapping, schedule *models.PriceAdjustmentSchedule, promo bool) []string {
	var errs []string

	adapter, err := s.registry.Get(mapping.SourceSystem)
	if err != nil {
		errs = append(errs, err.Error())
	}
	var tenant clients.Tenant
	tenantReady := false
	if adapter != nil {
		tenant, err = s.tokens.EnsureFresh(ctx, mapping, false)
		if err != nil {
			errs = append(errs, fmt.Sprintf("credentials: %v", err))
		} else {
			tenantReady = true
		}
	}

	for _, item := range schedule.Items {
		price := item.OriginalPrice
		if promo {
			price = item.PromoPrice
		}
		products, err := s.productRepo.FindByCode(ctx, mapping.ID, item.ProductCode)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", item.ProductCode, err))
			continue
		}
		if len(products) == 0 {
			errs = append(errs, fmt.Sprintf("%s: product not found", item.ProductCode))
			continue
		}
		for i := range products {
			errs = append(errs, s.applyPrice(ctx, adapter, tenant, tenantReady, &products[i], item.ProductCode, price)...)
		}
	}

	if len(errs) > 0 {
		s.notifier.Notify(ctx, notify.KindScheduleError, map[string]interface{}{
			"schedule": schedule.ID.String(),
			"store":    mapping.TenantKey(),
			"promo":    promo,
			"errors":   errs,
		})
	}
	return errs
}

func (s *PriceScheduler) applyPrice(ctx context.Context, adapter clients.SourceAdapter, tenant clients.Tenant, tenantReady bool, product *models.Product, code string, price decimal.Decimal) []string {
	var errs []string
	if tenantReady {
		if err := adapter.PushPriceUpdate(ctx, tenant, product.ItemKey(), price); err != nil {
			errs = append(errs, fmt.Sprintf("%s: pos price push: %v", code, err))
		}
	}
	if _, err := s.catalog.UpdatePrice(ctx, product, price); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", code, err))
	}
	return errs
}

func (s *PriceScheduler) scheduleError(ctx context.Context, schedule *models.PriceAdjustmentSchedule, err error) {
	metrics.ScheduleTriggers.WithLabelValues("evaluate", "error").Inc()
	s.notifier.Notify(ctx, notify.KindScheduleError, map[string]interface{}{
		"schedule": schedule.ID.String(),
		"error":    err.Error(),
	})
}
