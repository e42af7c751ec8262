package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/clients/esl"
	"esl-sync-service/internal/database"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"esl-sync-service/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	stubSource          = "stub"
	stubSignatureHeader = "X-Stub-Signature"
	stubSecret          = "s3cret"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Connect(fmt.Sprintf("sqlite://file:svc_%s_%s?mode=memory&cache=shared", name, uuid.NewString()), "test", nil)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// env wires every service against one database and a stub adapter
type env struct {
	db          *gorm.DB
	adapter     *stubAdapter
	registry    *clients.Registry
	mappingRepo *repository.StoreMappingRepository
	productRepo *repository.ProductRepository
	syncRepo    *repository.SyncRepository
	catalog     *CatalogService
	tokens      *TokenService
	notifier    *recordingNotifier
	logger      *logrus.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := newTestDB(t)
	logger := newTestLogger()
	adapter := newStubAdapter()
	registry := clients.NewRegistry(adapter)
	notifier := &recordingNotifier{}

	e := &env{
		db:          db,
		adapter:     adapter,
		registry:    registry,
		mappingRepo: repository.NewStoreMappingRepository(db),
		productRepo: repository.NewProductRepository(db),
		syncRepo:    repository.NewSyncRepository(db),
		notifier:    notifier,
		logger:      logger,
	}
	e.catalog = NewCatalogService(e.productRepo, e.syncRepo, logger)
	e.tokens = NewTokenService(e.mappingRepo, registry, nil, nil, notifier, TokenConfig{
		PreflightThreshold: 15 * time.Minute,
		SweepThreshold:     72 * time.Hour,
	}, logger)
	return e
}

func (e *env) mapping(t *testing.T, storeID string, meta models.JSONB) *models.StoreMapping {
	t.Helper()
	if meta == nil {
		meta = models.JSONB{}
	}
	mapping := &models.StoreMapping{
		SourceSystem:  stubSource,
		SourceStoreID: storeID,
		ESLStoreCode:  "ESL-" + storeID,
		IsActive:      true,
		Metadata:      meta,
	}
	require.NoError(t, e.mappingRepo.Create(context.Background(), mapping))
	return mapping
}

func (e *env) pending(t *testing.T, mapping *models.StoreMapping) []models.SyncQueueItem {
	t.Helper()
	items, err := e.syncRepo.ListByMapping(context.Background(), mapping.ID, models.QueueStatusPending)
	require.NoError(t, err)
	return items
}

func product(sourceID, variantID, barcode, price string) clients.NormalizedProduct {
	return clients.NormalizedProduct{
		SourceID:        sourceID,
		SourceVariantID: variantID,
		Title:           "Item " + sourceID + variantID,
		Barcode:         barcode,
		Price:           decimal.RequireFromString(price),
		Currency:        "USD",
	}
}

// stubItem encodes normalized products as the raw payload the stub adapter normalizes
func stubItem(id string, products ...clients.NormalizedProduct) clients.SourceItem {
	raw, _ := json.Marshal(products)
	return clients.SourceItem{ID: id, Raw: raw}
}

type stubWebhookItem struct {
	ID       string                      `json:"id"`
	Deleted  bool                        `json:"deleted,omitempty"`
	Products []clients.NormalizedProduct `json:"products,omitempty"`
}

type stubWebhook struct {
	VerificationCode string                       `json:"verificationCode,omitempty"`
	Tenants          map[string][]stubWebhookItem `json:"tenants,omitempty"`
}

type pricePush struct {
	StoreID string
	ItemKey string
	Price   string
}

// stubAdapter implements every adapter capability from in-memory fixtures
type stubAdapter struct {
	mu sync.Mutex

	pages      []clients.ChangedPage
	pageErr    error
	sinceSeen  []time.Time
	active     map[string]struct{}
	activeErr  error
	fetched    map[string]*clients.SourceItem
	pushes     []pricePush
	pushErr    error
	refreshFn  func(refreshToken string) (*oauth2.Token, error)
	refreshed  []string
	exchangeFn func(storeID, code string) (*oauth2.Token, error)
	panicOn    string
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{fetched: make(map[string]*clients.SourceItem)}
}

func (a *stubAdapter) Name() string            { return stubSource }
func (a *stubAdapter) SignatureHeader() string { return stubSignatureHeader }

func (a *stubAdapter) Verify(_ []byte, signature string, _ http.Header) bool {
	return signature == stubSecret
}

func (a *stubAdapter) ExtractTenant(headers http.Header, _ []byte) (string, bool) {
	store := headers.Get("X-Stub-Store")
	return store, store != ""
}

func (a *stubAdapter) DetectHandshake(payload []byte) (map[string]interface{}, bool) {
	var hook stubWebhook
	if err := json.Unmarshal(payload, &hook); err != nil || hook.VerificationCode == "" {
		return nil, false
	}
	return map[string]interface{}{"verificationCode": hook.VerificationCode}, true
}

func (a *stubAdapter) ParseWebhook(_ string, _ http.Header, payload []byte) ([]clients.TenantEvents, error) {
	var hook stubWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	tenants := make([]string, 0, len(hook.Tenants))
	for id := range hook.Tenants {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)

	groups := make([]clients.TenantEvents, 0, len(tenants))
	for _, id := range tenants {
		group := clients.TenantEvents{TenantID: id}
		for _, item := range hook.Tenants[id] {
			si := clients.SourceItem{ID: item.ID, Deleted: item.Deleted}
			if len(item.Products) > 0 {
				si = stubItem(item.ID, item.Products...)
			}
			group.Items = append(group.Items, si)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (a *stubAdapter) Normalize(item clients.SourceItem) ([]clients.NormalizedProduct, error) {
	if a.panicOn != "" && item.ID == a.panicOn {
		panic("normalize exploded")
	}
	var products []clients.NormalizedProduct
	if err := json.Unmarshal(item.Raw, &products); err != nil {
		return nil, err
	}
	return products, nil
}

func (a *stubAdapter) Validate(p clients.NormalizedProduct) (bool, []string) {
	return clients.ValidateBasic(p)
}

func (a *stubAdapter) PushPriceUpdate(_ context.Context, tenant clients.Tenant, itemKey string, price decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushes = append(a.pushes, pricePush{StoreID: tenant.StoreID, ItemKey: itemKey, Price: price.StringFixed(2)})
	return a.pushErr
}

func (a *stubAdapter) ListChangedSince(_ context.Context, _ clients.Tenant, since time.Time, pageToken string) (*clients.ChangedPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinceSeen = append(a.sinceSeen, since)
	if a.pageErr != nil {
		return nil, a.pageErr
	}
	index := 0
	if pageToken != "" {
		index, _ = strconv.Atoi(pageToken)
	}
	if index >= len(a.pages) {
		return &clients.ChangedPage{}, nil
	}
	page := a.pages[index]
	if index+1 < len(a.pages) {
		page.NextPageToken = strconv.Itoa(index + 1)
	}
	return &page, nil
}

func (a *stubAdapter) ListAllActiveIDs(context.Context, clients.Tenant) (map[string]struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, a.activeErr
}

func (a *stubAdapter) FetchItem(_ context.Context, _ clients.Tenant, itemID string) (*clients.SourceItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.fetched[itemID]
	if !ok {
		return &clients.SourceItem{ID: itemID, Deleted: true}, nil
	}
	return item, nil
}

func (a *stubAdapter) RefreshToken(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	a.mu.Lock()
	a.refreshed = append(a.refreshed, refreshToken)
	fn := a.refreshFn
	a.mu.Unlock()
	if fn == nil {
		return nil, clients.ErrRefreshNotSupported
	}
	return fn(refreshToken)
}

func (a *stubAdapter) CallbackStoreID(query url.Values) (string, bool) {
	store := query.Get("store")
	return store, store != ""
}

func (a *stubAdapter) ExchangeCode(_ context.Context, storeID, code string) (*oauth2.Token, error) {
	if a.exchangeFn == nil {
		return nil, &clients.AuthenticationError{Op: "exchange code", Err: fmt.Errorf("no exchange configured")}
	}
	return a.exchangeFn(storeID, code)
}

func (a *stubAdapter) refreshCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.refreshed)
}

// fakeESL records ESL writes
type fakeESL struct {
	mu      sync.Mutex
	upserts []esl.Item
	deletes []string
	stores  []string
	err     error
	panics  bool
}

func (f *fakeESL) UpsertItems(_ context.Context, storeCode string, items []esl.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("esl client exploded")
	}
	f.stores = append(f.stores, storeCode)
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, items...)
	return nil
}

func (f *fakeESL) DeleteItems(_ context.Context, storeCode string, codes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = append(f.stores, storeCode)
	if f.err != nil {
		return f.err
	}
	f.deletes = append(f.deletes, codes...)
	return nil
}

// recordingNotifier captures alerts
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, kind notify.Kind, fields map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, notify.Alert{Kind: kind, Fields: fields})
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Kind)
	}
	return out
}
