package shopify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"esl-sync-service/internal/clients"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	SourceName = "shopify"

	defaultAPIVersion = "2024-01"
	pageLimit         = 250
	defaultTitle      = "Default Title"

	headerHMAC  = "X-Shopify-Hmac-Sha256"
	headerShop  = "X-Shopify-Shop-Domain"
	headerTopic = "X-Shopify-Topic"
)

// Config holds the app credentials of the Shopify integration
type Config struct {
	APIKey     string
	APISecret  string
	APIVersion string
	// BaseURL replaces https://{shop} when set (tests, proxies)
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Adapter implements clients.SourceAdapter for the Shopify Admin REST API
type Adapter struct {
	httpClient  *http.Client
	apiKey      string
	apiSecret   string
	apiVersion  string
	baseURL     string
	rateLimiter *rate.Limiter
}

// NewAdapter creates a new Shopify adapter
func NewAdapter(cfg Config) *Adapter {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2 // Shopify REST leaky bucket refill rate
	}
	return &Adapter{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		apiVersion:  cfg.APIVersion,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Name returns the source system key
func (a *Adapter) Name() string { return SourceName }

// SignatureHeader returns the HMAC header Shopify signs webhooks with
func (a *Adapter) SignatureHeader() string { return headerHMAC }

// Verify checks the base64 HMAC-SHA256 of the raw body
func (a *Adapter) Verify(rawBody []byte, signature string, _ http.Header) bool {
	if a.apiSecret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write(rawBody)
	expectedSignature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSignature))
}

// ExtractTenant returns the shop domain the webhook was sent for
func (a *Adapter) ExtractTenant(headers http.Header, _ []byte) (string, bool) {
	shop := strings.TrimSpace(headers.Get(headerShop))
	return shop, shop != ""
}

// ParseWebhook turns a products/* webhook into the single tenant's item list
func (a *Adapter) ParseWebhook(event string, headers http.Header, payload []byte) ([]clients.TenantEvents, error) {
	shop, ok := a.ExtractTenant(headers, payload)
	if !ok {
		return nil, &clients.ValidationError{Op: "shopify webhook", Reasons: []string{"missing " + headerShop + " header"}}
	}

	topic := normalizeTopic(event)
	if topic == "" {
		topic = normalizeTopic(headers.Get(headerTopic))
	}

	group := clients.TenantEvents{TenantID: shop}
	switch topic {
	case "products-delete":
		var deleted struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(payload, &deleted); err != nil {
			return nil, fmt.Errorf("failed to parse delete webhook: %w", err)
		}
		group.Items = append(group.Items, clients.SourceItem{ID: strconv.FormatInt(deleted.ID, 10), Deleted: true})
	case "products-create", "products-update":
		item, err := toSourceItem(payload)
		if err != nil {
			return nil, err
		}
		group.Items = append(group.Items, *item)
	}
	return []clients.TenantEvents{group}, nil
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(topic), "/", "-"))
}

func toSourceItem(raw []byte) (*clients.SourceItem, error) {
	var head struct {
		ID        int64     `json:"id"`
		Status    string    `json:"status"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("failed to parse product: %w", err)
	}
	return &clients.SourceItem{
		ID:        strconv.FormatInt(head.ID, 10),
		Deleted:   head.Status != "" && head.Status != "active",
		Raw:       json.RawMessage(raw),
		UpdatedAt: head.UpdatedAt,
	}, nil
}

// Normalize produces one product per variant
func (a *Adapter) Normalize(item clients.SourceItem) ([]clients.NormalizedProduct, error) {
	var p shopifyProduct
	if err := json.Unmarshal(item.Raw, &p); err != nil {
		return nil, &clients.ValidationError{Op: "shopify normalize", Reasons: []string{err.Error()}}
	}

	images := make(map[int64]string, len(p.Images))
	for _, img := range p.Images {
		images[img.ID] = img.Src
	}
	productImage := ""
	if p.Image != nil {
		productImage = p.Image.Src
	} else if len(p.Images) > 0 {
		productImage = p.Images[0].Src
	}

	products := make([]clients.NormalizedProduct, 0, len(p.Variants))
	for _, v := range p.Variants {
		price, err := decimal.NewFromString(v.Price)
		if err != nil {
			price = decimal.NewFromInt(-1) // rejected by Validate
		}

		title := p.Title
		if v.Title != "" && v.Title != defaultTitle {
			title = fmt.Sprintf("%s - %s", p.Title, v.Title)
		}

		imageURL := productImage
		if v.ImageID != nil {
			if src, ok := images[*v.ImageID]; ok {
				imageURL = src
			}
		}

		payload := map[string]interface{}{
			"vendor":        p.Vendor,
			"product_type":  p.ProductType,
			"handle":        p.Handle,
			"variant_title": v.Title,
		}
		if v.CompareAtPrice != nil && *v.CompareAtPrice != "" {
			payload["compare_at_price"] = *v.CompareAtPrice
		}

		products = append(products, clients.NormalizedProduct{
			SourceID:        strconv.FormatInt(p.ID, 10),
			SourceVariantID: strconv.FormatInt(v.ID, 10),
			Title:           title,
			Barcode:         strings.TrimSpace(v.Barcode),
			SKU:             strings.TrimSpace(v.SKU),
			Price:           price,
			ImageURL:        imageURL,
			Payload:         payload,
		})
	}
	return products, nil
}

// Validate applies the shared product checks
func (a *Adapter) Validate(p clients.NormalizedProduct) (bool, []string) {
	return clients.ValidateBasic(p)
}

// PushPriceUpdate writes a variant price. itemKey is the variant id.
func (a *Adapter) PushPriceUpdate(ctx context.Context, tenant clients.Tenant, itemKey string, price decimal.Decimal) error {
	variantID, err := strconv.ParseInt(itemKey, 10, 64)
	if err != nil {
		return &clients.ValidationError{Op: "shopify price push", Reasons: []string{"invalid variant id " + itemKey}}
	}
	body := map[string]interface{}{
		"variant": map[string]interface{}{
			"id":    variantID,
			"price": price.StringFixed(2),
		},
	}
	_, _, err = a.doRequest(ctx, tenant, http.MethodPut, fmt.Sprintf("/variants/%d.json", variantID), nil, body)
	return err
}

// ListChangedSince returns products updated after since, following Link header pagination
func (a *Adapter) ListChangedSince(ctx context.Context, tenant clients.Tenant, since time.Time, pageToken string) (*clients.ChangedPage, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageLimit))
	if pageToken != "" {
		params.Set("page_info", pageToken)
	} else {
		params.Set("status", "any")
		if !since.IsZero() {
			params.Set("updated_at_min", since.UTC().Format(time.RFC3339))
		}
	}

	body, headers, err := a.doRequest(ctx, tenant, http.MethodGet, "/products.json", params, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Products []json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse products response: %w", err)
	}

	page := &clients.ChangedPage{Items: make([]clients.SourceItem, 0, len(response.Products))}
	for _, raw := range response.Products {
		item, err := toSourceItem(raw)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *item)
	}
	if linkHeader := headers.Get("Link"); linkHeader != "" {
		page.NextPageToken, _ = parsePagination(linkHeader)
	}
	return page, nil
}

// ListAllActiveIDs returns the ids of every active product of the shop
func (a *Adapter) ListAllActiveIDs(ctx context.Context, tenant clients.Tenant) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	params := url.Values{"limit": {strconv.Itoa(pageLimit)}, "status": {"active"}, "fields": {"id"}}

	for {
		body, headers, err := a.doRequest(ctx, tenant, http.MethodGet, "/products.json", params, nil)
		if err != nil {
			return nil, err
		}
		var response struct {
			Products []struct {
				ID int64 `json:"id"`
			} `json:"products"`
		}
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("failed to parse products response: %w", err)
		}
		for _, p := range response.Products {
			ids[strconv.FormatInt(p.ID, 10)] = struct{}{}
		}

		next, ok := parsePagination(headers.Get("Link"))
		if !ok || next == "" {
			return ids, nil
		}
		params = url.Values{"limit": {strconv.Itoa(pageLimit)}, "page_info": {next}, "fields": {"id"}}
	}
}

// FetchItem retrieves a single product
func (a *Adapter) FetchItem(ctx context.Context, tenant clients.Tenant, itemID string) (*clients.SourceItem, error) {
	body, _, err := a.doRequest(ctx, tenant, http.MethodGet, fmt.Sprintf("/products/%s.json", itemID), nil, nil)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			return &clients.SourceItem{ID: itemID, Deleted: true}, nil
		}
		return nil, err
	}
	var response struct {
		Product json.RawMessage `json:"product"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse product response: %w", err)
	}
	return toSourceItem(response.Product)
}

// CallbackStoreID returns the shop domain of an OAuth callback
func (a *Adapter) CallbackStoreID(query url.Values) (string, bool) {
	shop := strings.ToLower(strings.TrimSpace(query.Get("shop")))
	if shop == "" {
		return "", false
	}
	if a.baseURL == "" && !strings.HasSuffix(shop, ".myshopify.com") {
		return "", false
	}
	return shop, true
}

// ExchangeCode completes the authorization-code grant. Offline Shopify tokens do not expire.
func (a *Adapter) ExchangeCode(ctx context.Context, storeID, code string) (*oauth2.Token, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, &clients.AuthenticationError{Op: "shopify code exchange", Err: fmt.Errorf("app credentials not configured")}
	}
	conf := &oauth2.Config{
		ClientID:     a.apiKey,
		ClientSecret: a.apiSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  a.shopURL(storeID) + "/admin/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	token, err := conf.Exchange(context.WithValue(ctx, oauth2.HTTPClient, a.httpClient), code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return nil, clients.ClassifyStatus("shopify code exchange", retrieveErr.Response.StatusCode, retrieveErr.Body)
		}
		return nil, clients.WrapTransport("shopify code exchange", err)
	}
	return token, nil
}

func (a *Adapter) shopURL(shop string) string {
	if a.baseURL != "" {
		return a.baseURL
	}
	return "https://" + shop
}

// doRequest performs an authenticated HTTP request and returns body and headers
func (a *Adapter) doRequest(ctx context.Context, tenant clients.Tenant, method, path string, params url.Values, body interface{}) ([]byte, http.Header, error) {
	if tenant.Token == nil || tenant.Token.AccessToken == "" {
		return nil, nil, &clients.AuthenticationError{Op: "shopify " + path, Err: fmt.Errorf("no access token for %s", tenant.StoreID)}
	}

	// Rate limiting
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	fullURL := fmt.Sprintf("%s/admin/api/%s%s", a.shopURL(tenant.StoreID), a.apiVersion, path)
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("X-Shopify-Access-Token", tenant.Token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, clients.WrapTransport("shopify "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, clients.WrapTransport("shopify "+path, err)
	}

	if resp.StatusCode >= 400 {
		classified := clients.ClassifyStatus("shopify "+path, resp.StatusCode, respBody)
		if transientErr, ok := classified.(*clients.TransientError); ok {
			transientErr.RetryAfter = clients.ParseRetryAfter(resp)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil, &notFoundError{cause: classified}
		}
		return nil, nil, classified
	}

	return respBody, resp.Header, nil
}

// notFoundError marks a 404 so lookups can treat the item as gone
type notFoundError struct {
	cause error
}

func (e *notFoundError) Error() string { return e.cause.Error() }

func (e *notFoundError) Unwrap() error { return e.cause }

// Shopify data structures
type shopifyProduct struct {
	ID          int64            `json:"id"`
	Title       string           `json:"title"`
	Vendor      string           `json:"vendor"`
	ProductType string           `json:"product_type"`
	Handle      string           `json:"handle"`
	Status      string           `json:"status"`
	Variants    []shopifyVariant `json:"variants"`
	Images      []shopifyImage   `json:"images"`
	Image       *shopifyImage    `json:"image"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type shopifyVariant struct {
	ID             int64   `json:"id"`
	ProductID      int64   `json:"product_id"`
	Title          string  `json:"title"`
	SKU            string  `json:"sku"`
	Barcode        string  `json:"barcode"`
	Price          string  `json:"price"`
	CompareAtPrice *string `json:"compare_at_price"`
	ImageID        *int64  `json:"image_id"`
}

type shopifyImage struct {
	ID  int64  `json:"id"`
	Src string `json:"src"`
}

func parsePagination(linkHeader string) (string, bool) {
	// Format: <url>; rel="next", <url>; rel="previous"
	parts := strings.Split(linkHeader, ",")
	for _, part := range parts {
		if strings.Contains(part, `rel="next"`) {
			urlPart := strings.TrimSpace(strings.Split(part, ";")[0])
			urlPart = strings.Trim(urlPart, "<>")
			if parsedURL, err := url.Parse(urlPart); err == nil {
				return parsedURL.Query().Get("page_info"), true
			}
		}
	}
	return "", false
}
