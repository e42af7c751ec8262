package clover

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"esl-sync-service/internal/clients"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	SourceName = "clover"

	defaultBaseURL = "https://api.clover.com"
	pageLimit      = 1000
	headerAuth     = "X-Clover-Auth"
	itemPrefix     = "I:"
)

// Config holds the app credentials of the Clover integration
type Config struct {
	BaseURL           string
	AppID             string
	AppSecret         string
	WebhookSecret     string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Adapter implements clients.SourceAdapter for the Clover REST API.
// Clover webhooks are multi-merchant, carry ids only, and authenticate with a static header.
type Adapter struct {
	httpClient    *http.Client
	baseURL       string
	appID         string
	appSecret     string
	webhookSecret string
	rateLimiter   *rate.Limiter
}

// NewAdapter creates a new Clover adapter
func NewAdapter(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	return &Adapter{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		appID:         cfg.AppID,
		appSecret:     cfg.AppSecret,
		webhookSecret: cfg.WebhookSecret,
		rateLimiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Name returns the source system key
func (a *Adapter) Name() string { return SourceName }

// SignatureHeader returns the shared-secret header
func (a *Adapter) SignatureHeader() string { return headerAuth }

// Verify compares the shared secret in constant time
func (a *Adapter) Verify(_ []byte, signature string, _ http.Header) bool {
	if a.webhookSecret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(a.webhookSecret))
}

type webhookPayload struct {
	AppID            string                    `json:"appId"`
	Merchants        map[string][]webhookEvent `json:"merchants"`
	VerificationCode string                    `json:"verificationCode"`
}

type webhookEvent struct {
	ObjectID string `json:"objectId"`
	Type     string `json:"type"`
	TS       int64  `json:"ts"`
}

// DetectHandshake recognises the registration payload Clover sends when a webhook URL is saved
func (a *Adapter) DetectHandshake(payload []byte) (map[string]interface{}, bool) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, false
	}
	if body.VerificationCode == "" || len(body.Merchants) > 0 {
		return nil, false
	}
	return map[string]interface{}{"verificationCode": body.VerificationCode}, true
}

// ExtractTenant returns the merchant id when the payload concerns exactly one merchant
func (a *Adapter) ExtractTenant(_ http.Header, payload []byte) (string, bool) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Merchants) != 1 {
		return "", false
	}
	for merchantID := range body.Merchants {
		return merchantID, true
	}
	return "", false
}

// ParseWebhook groups inventory item events per merchant. Items carry ids only.
func (a *Adapter) ParseWebhook(_ string, _ http.Header, payload []byte) ([]clients.TenantEvents, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, &clients.ValidationError{Op: "clover webhook", Reasons: []string{err.Error()}}
	}

	merchantIDs := make([]string, 0, len(body.Merchants))
	for merchantID := range body.Merchants {
		merchantIDs = append(merchantIDs, merchantID)
	}
	sort.Strings(merchantIDs)

	groups := make([]clients.TenantEvents, 0, len(merchantIDs))
	for _, merchantID := range merchantIDs {
		group := clients.TenantEvents{TenantID: merchantID}
		for _, event := range body.Merchants[merchantID] {
			if !strings.HasPrefix(event.ObjectID, itemPrefix) {
				continue
			}
			group.Items = append(group.Items, clients.SourceItem{
				ID:        strings.TrimPrefix(event.ObjectID, itemPrefix),
				Deleted:   strings.EqualFold(event.Type, "DELETE"),
				UpdatedAt: time.UnixMilli(event.TS).UTC(),
			})
		}
		groups = append(groups, group)
	}
	return groups, nil
}

type cloverItem struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AlternateName string `json:"alternateName"`
	Code          string `json:"code"`
	SKU           string `json:"sku"`
	Price         *int64 `json:"price"`
	PriceType     string `json:"priceType"`
	UnitName      string `json:"unitName"`
	Hidden        bool   `json:"hidden"`
	Available     *bool  `json:"available"`
	ModifiedTime  int64  `json:"modifiedTime"`
	Deleted       bool   `json:"deleted"`
}

func (i cloverItem) inactive() bool {
	return i.Hidden || i.Deleted || (i.Available != nil && !*i.Available)
}

// CentsToDecimal converts Clover minor units to major units
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// DecimalToCents converts major units to Clover minor units, rounding half away from zero
func DecimalToCents(price decimal.Decimal) int64 {
	return price.Shift(2).Round(0).IntPart()
}

// Normalize converts a Clover item into a single product; Clover items have no variants
func (a *Adapter) Normalize(item clients.SourceItem) ([]clients.NormalizedProduct, error) {
	var ci cloverItem
	if err := json.Unmarshal(item.Raw, &ci); err != nil {
		return nil, &clients.ValidationError{Op: "clover normalize", Reasons: []string{err.Error()}}
	}

	payload := map[string]interface{}{
		"price_type": ci.PriceType,
	}
	var price decimal.Decimal
	if ci.Price != nil {
		price = CentsToDecimal(*ci.Price)
	} else {
		payload["price_missing"] = true
	}
	if ci.UnitName != "" {
		payload["unit_name"] = ci.UnitName
	}
	if ci.AlternateName != "" {
		payload["alternate_name"] = ci.AlternateName
	}

	return []clients.NormalizedProduct{{
		SourceID: ci.ID,
		Title:    strings.TrimSpace(ci.Name),
		Barcode:  strings.TrimSpace(ci.Code),
		SKU:      strings.TrimSpace(ci.SKU),
		Price:    price,
		Payload:  payload,
	}}, nil
}

// Validate applies the shared checks; variable-price items cannot be labelled
func (a *Adapter) Validate(p clients.NormalizedProduct) (bool, []string) {
	ok, reasons := clients.ValidateBasic(p)
	if p.Payload["price_type"] == "VARIABLE" {
		reasons = append(reasons, "variable price items have no shelf price")
		ok = false
	} else if missing, _ := p.Payload["price_missing"].(bool); missing {
		reasons = append(reasons, "missing price")
		ok = false
	}
	return ok, reasons
}

// PushPriceUpdate writes an item price in cents. itemKey is the Clover item id.
func (a *Adapter) PushPriceUpdate(ctx context.Context, tenant clients.Tenant, itemKey string, price decimal.Decimal) error {
	path := fmt.Sprintf("/v3/merchants/%s/items/%s", url.PathEscape(tenant.StoreID), url.PathEscape(itemKey))
	_, err := a.doRequest(ctx, tenant, http.MethodPost, path, nil, map[string]interface{}{"price": DecimalToCents(price)})
	return err
}

// FetchItem retrieves one item. Missing or hidden items are reported as deleted.
func (a *Adapter) FetchItem(ctx context.Context, tenant clients.Tenant, itemID string) (*clients.SourceItem, error) {
	path := fmt.Sprintf("/v3/merchants/%s/items/%s", url.PathEscape(tenant.StoreID), url.PathEscape(itemID))
	body, err := a.doRequest(ctx, tenant, http.MethodGet, path, nil, nil)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			return &clients.SourceItem{ID: itemID, Deleted: true}, nil
		}
		return nil, err
	}
	return toSourceItem(body)
}

func toSourceItem(raw []byte) (*clients.SourceItem, error) {
	var ci cloverItem
	if err := json.Unmarshal(raw, &ci); err != nil {
		return nil, fmt.Errorf("failed to parse item: %w", err)
	}
	return &clients.SourceItem{
		ID:        ci.ID,
		Deleted:   ci.inactive(),
		Raw:       json.RawMessage(raw),
		UpdatedAt: time.UnixMilli(ci.ModifiedTime).UTC(),
	}, nil
}

type itemsPage struct {
	Elements []json.RawMessage `json:"elements"`
}

// ListChangedSince pages through items modified at or after since. The page token is the offset.
func (a *Adapter) ListChangedSince(ctx context.Context, tenant clients.Tenant, since time.Time, pageToken string) (*clients.ChangedPage, error) {
	offset := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		offset = parsed
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageLimit))
	params.Set("offset", strconv.Itoa(offset))
	if !since.IsZero() {
		params.Set("filter", fmt.Sprintf("modifiedTime>=%d", since.UnixMilli()))
	}

	path := fmt.Sprintf("/v3/merchants/%s/items", url.PathEscape(tenant.StoreID))
	body, err := a.doRequest(ctx, tenant, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}

	var response itemsPage
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse items response: %w", err)
	}

	page := &clients.ChangedPage{Items: make([]clients.SourceItem, 0, len(response.Elements))}
	for _, raw := range response.Elements {
		item, err := toSourceItem(raw)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *item)
	}
	if len(response.Elements) == pageLimit {
		page.NextPageToken = strconv.Itoa(offset + pageLimit)
	}
	return page, nil
}

// ListAllActiveIDs returns the ids of every visible item of the merchant
func (a *Adapter) ListAllActiveIDs(ctx context.Context, tenant clients.Tenant) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	path := fmt.Sprintf("/v3/merchants/%s/items", url.PathEscape(tenant.StoreID))

	for offset := 0; ; offset += pageLimit {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		params.Set("offset", strconv.Itoa(offset))
		params.Set("filter", "hidden=false")

		body, err := a.doRequest(ctx, tenant, http.MethodGet, path, params, nil)
		if err != nil {
			return nil, err
		}
		var response struct {
			Elements []cloverItem `json:"elements"`
		}
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("failed to parse items response: %w", err)
		}
		for _, item := range response.Elements {
			if !item.inactive() {
				ids[item.ID] = struct{}{}
			}
		}
		if len(response.Elements) < pageLimit {
			return ids, nil
		}
	}
}

type tokenResponse struct {
	AccessToken            string `json:"access_token"`
	AccessTokenExpiration  int64  `json:"access_token_expiration"`
	RefreshToken           string `json:"refresh_token"`
	RefreshTokenExpiration int64  `json:"refresh_token_expiration"`
}

func (r tokenResponse) token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: r.RefreshToken,
	}
	if r.AccessTokenExpiration > 0 {
		token.Expiry = time.Unix(r.AccessTokenExpiration, 0).UTC()
	}
	return token.WithExtra(map[string]interface{}{clients.ExtraRefreshExpiry: r.RefreshTokenExpiration})
}

// RefreshToken exchanges a single-use refresh token. Clover rotates the refresh token on every call.
func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body := map[string]string{
		"client_id":     a.appID,
		"refresh_token": refreshToken,
	}
	return a.tokenRequest(ctx, "/oauth/v2/refresh", body)
}

// CallbackStoreID returns the merchant id of an OAuth callback
func (a *Adapter) CallbackStoreID(query url.Values) (string, bool) {
	merchantID := strings.TrimSpace(query.Get("merchant_id"))
	return merchantID, merchantID != ""
}

// ExchangeCode completes the authorization-code grant
func (a *Adapter) ExchangeCode(ctx context.Context, _ string, code string) (*oauth2.Token, error) {
	if a.appID == "" || a.appSecret == "" {
		return nil, &clients.AuthenticationError{Op: "clover code exchange", Err: fmt.Errorf("app credentials not configured")}
	}
	body := map[string]string{
		"client_id":     a.appID,
		"client_secret": a.appSecret,
		"code":          code,
	}
	return a.tokenRequest(ctx, "/oauth/v2/token", body)
}

func (a *Adapter) tokenRequest(ctx context.Context, path string, body map[string]string) (*oauth2.Token, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := a.send(req, "clover "+path)
	if err != nil {
		return nil, err
	}

	var response tokenResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if response.AccessToken == "" {
		return nil, &clients.AuthenticationError{Op: "clover " + path, Err: fmt.Errorf("response missing access_token")}
	}
	return response.token(), nil
}

// doRequest performs an authenticated HTTP request
func (a *Adapter) doRequest(ctx context.Context, tenant clients.Tenant, method, path string, params url.Values, body interface{}) ([]byte, error) {
	if tenant.Token == nil || tenant.Token.AccessToken == "" {
		return nil, &clients.AuthenticationError{Op: "clover " + path, Err: fmt.Errorf("no access token for merchant %s", tenant.StoreID)}
	}

	// Rate limiting
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := a.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, err
	}
	tenant.Token.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")

	return a.send(req, "clover "+path)
}

func (a *Adapter) send(req *http.Request, op string) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, clients.WrapTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, clients.WrapTransport(op, err)
	}

	if resp.StatusCode >= 400 {
		classified := clients.ClassifyStatus(op, resp.StatusCode, respBody)
		if transientErr, ok := classified.(*clients.TransientError); ok {
			transientErr.RetryAfter = clients.ParseRetryAfter(resp)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, &notFoundError{cause: classified}
		}
		return nil, classified
	}
	return respBody, nil
}

// notFoundError marks a 404 so lookups can treat the item as gone
type notFoundError struct {
	cause error
}

func (e *notFoundError) Error() string { return e.cause.Error() }

func (e *notFoundError) Unwrap() error { return e.cause }
