package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/metrics"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"esl-sync-service/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrWebhookUnauthorized is returned when a webhook has no signature or fails verification
var ErrWebhookUnauthorized = errors.New("webhook authentication failed")

// Per-tenant webhook result statuses
const (
	WebhookStatusOK      = "ok"
	WebhookStatusError   = "error"
	WebhookStatusSkipped = "skipped"
)

// WebhookResult is the outcome of one tenant's part of a webhook payload
type WebhookResult struct {
	TenantID string       `json:"tenantId"`
	Status   string       `json:"status"`
	Items    int          `json:"items"`
	Changes  *ApplyResult `json:"changes,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// WebhookResponse is either a registration handshake echo or an itemized per-tenant result list
type WebhookResponse struct {
	Handshake map[string]interface{} `json:"-"`
	Results   []WebhookResult        `json:"results"`
}

// WebhookService authenticates source webhooks and feeds their items into the catalog
type WebhookService struct {
	registry    *clients.Registry
	mappingRepo *repository.StoreMappingRepository
	catalog     *CatalogService
	tokens      *TokenService
	notifier    notify.Notifier
	logger      *logrus.Entry
}

// NewWebhookService creates a new webhook service
func NewWebhookService(
	registry *clients.Registry,
	mappingRepo *repository.StoreMappingRepository,
	catalog *CatalogService,
	tokens *TokenService,
	notifier notify.Notifier,
	logger *logrus.Logger,
) *WebhookService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &WebhookService{
		registry:    registry,
		mappingRepo: mappingRepo,
		catalog:     catalog,
		tokens:      tokens,
		notifier:    notifier,
		logger:      logger.WithField("component", "webhooks"),
	}
}

// Process handles one inbound webhook. Authentication failures return ErrWebhookUnauthorized before
// anything is written; after that, each tenant is processed independently and reported in the response.
func (s *WebhookService) Process(ctx context.Context, source, event string, headers http.Header, body []byte) (*WebhookResponse, error) {
	adapter, err := s.registry.Get(source)
	if err != nil {
		return nil, err
	}

	// Registration handshakes carry no tenant data and are sent before any secret is shared
	if responder, ok := adapter.(clients.HandshakeResponder); ok {
		if echo, ok := responder.DetectHandshake(body); ok {
			s.logger.WithField("source", source).Info("Answered webhook registration handshake")
			metrics.WebhookResults.WithLabelValues(source, "handshake").Inc()
			return &WebhookResponse{Handshake: echo}, nil
		}
	}

	signature := headers.Get(adapter.SignatureHeader())
	if signature == "" || !adapter.Verify(body, signature, headers) {
		metrics.WebhookResults.WithLabelValues(source, "unauthorized").Inc()
		fields := map[string]interface{}{"source": source, "event": event}
		if signature == "" {
			fields["reason"] = "missing " + adapter.SignatureHeader()
		} else {
			fields["reason"] = "invalid signature"
		}
		if tenantID, ok := adapter.ExtractTenant(headers, body); ok {
			fields["store"] = tenantID
		}
		s.logger.WithFields(logrus.Fields(fields)).Warn("Rejected unauthenticated webhook")
		s.notifier.Notify(ctx, notify.KindAuthFailure, fields)
		return nil, ErrWebhookUnauthorized
	}

	groups, err := adapter.ParseWebhook(event, headers, body)
	if err != nil {
		metrics.WebhookResults.WithLabelValues(source, "invalid").Inc()
		var validation *clients.ValidationError
		if errors.As(err, &validation) {
			return nil, err
		}
		return nil, &clients.ValidationError{Op: "parse webhook", Reasons: []string{err.Error()}}
	}

	response := &WebhookResponse{Results: make([]WebhookResult, 0, len(groups))}
	for _, group := range groups {
		result := s.processTenant(ctx, adapter, group)
		metrics.WebhookResults.WithLabelValues(source, result.Status).Inc()
		response.Results = append(response.Results, result)
	}
	return response, nil
}

func (s *WebhookService) processTenant(ctx context.Context, adapter clients.SourceAdapter, group clients.TenantEvents) (result WebhookResult) {
	result = WebhookResult{TenantID: group.TenantID, Status: WebhookStatusOK}
	logger := s.logger.WithFields(logrus.Fields{"source": adapter.Name(), "store": group.TenantID})

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Recovered panic while processing webhook tenant")
			result.Status = WebhookStatusError
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
	}()

	mapping, err := s.mappingRepo.GetBySourceStore(ctx, adapter.Name(), group.TenantID)
	if err != nil {
		result.Status = WebhookStatusError
		if errors.Is(err, repository.ErrNotFound) {
			result.Error = "unknown store mapping"
		} else {
			result.Error = err.Error()
		}
		logger.WithError(err).Warn("Webhook tenant could not be resolved")
		return result
	}
	if !mapping.IsActive {
		result.Status = WebhookStatusSkipped
		result.Error = "store mapping inactive"
		return result
	}

	changes := &ApplyResult{}
	for _, item := range group.Items {
		item, err := s.resolveItem(ctx, adapter, mapping, item)
		if err == nil {
			var applied *ApplyResult
			applied, err = s.catalog.IngestItem(ctx, adapter, mapping, item)
			if err == nil {
				changes.Add(applied)
				result.Items++
				continue
			}
		}

		var validation *clients.ValidationError
		if errors.As(err, &validation) {
			// One malformed item must not hide the rest of the tenant's changes
			logger.WithError(err).WithField("source_id", item.ID).Warn("Skipping invalid webhook item")
			changes.Invalid++
			continue
		}
		result.Status = WebhookStatusError
		result.Error = err.Error()
		logger.WithError(err).WithField("source_id", item.ID).Error("Failed to apply webhook item")
		if clients.IsAuthError(err) {
			s.notifier.Notify(ctx, notify.KindAuthFailure, map[string]interface{}{
				"source": adapter.Name(),
				"store":  group.TenantID,
				"error":  err.Error(),
			})
		}
		break
	}
	result.Changes = changes
	return result
}

// resolveItem fetches the full item for sources whose webhooks only carry ids
func (s *WebhookService) resolveItem(ctx context.Context, adapter clients.SourceAdapter, mapping *models.StoreMapping, item clients.SourceItem) (clients.SourceItem, error) {
	if item.Deleted || len(item.Raw) > 0 {
		return item, nil
	}
	fetcher, ok := adapter.(clients.ItemFetcher)
	if !ok {
		return item, &clients.ValidationError{Op: "webhook item", Reasons: []string{"item payload missing"}}
	}
	tenant, err := s.tokens.EnsureFresh(ctx, mapping, false)
	if err != nil {
		return item, err
	}
	fetched, err := fetcher.FetchItem(ctx, tenant, item.ID)
	if err != nil {
		return item, err
	}
	return *fetched, nil
}
