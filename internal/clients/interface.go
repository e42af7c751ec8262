package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

// SourceAdapter defines the contract every POS integration implements
type SourceAdapter interface {
	// Name returns the source system key used in routes and store mappings
	Name() string

	// SignatureHeader is the header that must be present before Verify is called
	SignatureHeader() string

	// Verify checks webhook authenticity. It returns false when the secret is not configured.
	Verify(rawBody []byte, signature string, headers http.Header) bool

	// ExtractTenant returns the source store id a single-tenant payload belongs to
	ExtractTenant(headers http.Header, payload []byte) (string, bool)

	// ParseWebhook groups the items of a webhook payload per tenant
	ParseWebhook(event string, headers http.Header, payload []byte) ([]TenantEvents, error)

	// Normalize transforms a raw source item into one product per variant
	Normalize(item SourceItem) ([]NormalizedProduct, error)

	// Validate reports whether a normalized product can be published and why not
	Validate(p NormalizedProduct) (bool, []string)

	// PushPriceUpdate writes a price back to the POS, keyed by the source's own item identifier
	PushPriceUpdate(ctx context.Context, tenant Tenant, itemKey string, price decimal.Decimal) error
}

// Poller is implemented by sources that support catalog reconciliation by polling
type Poller interface {
	ListChangedSince(ctx context.Context, tenant Tenant, since time.Time, pageToken string) (*ChangedPage, error)
	ListAllActiveIDs(ctx context.Context, tenant Tenant) (map[string]struct{}, error)
}

// ItemFetcher is implemented by sources whose webhooks carry item ids only
type ItemFetcher interface {
	FetchItem(ctx context.Context, tenant Tenant, itemID string) (*SourceItem, error)
}

// TokenRefresher is implemented by sources with expiring access tokens.
// The returned token must carry the rotated refresh token.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// CodeExchanger completes the OAuth authorization-code grant
type CodeExchanger interface {
	// CallbackStoreID extracts the tenant from the OAuth callback query
	CallbackStoreID(query url.Values) (string, bool)
	ExchangeCode(ctx context.Context, storeID, code string) (*oauth2.Token, error)
}

// HandshakeResponder detects webhook registration payloads that must be echoed back
type HandshakeResponder interface {
	DetectHandshake(payload []byte) (map[string]interface{}, bool)
}

// ExtraRefreshExpiry is the oauth2.Token extra carrying the refresh token expiry in unix seconds
const ExtraRefreshExpiry = "refresh_token_expiration"

// RefreshExpiry reads ExtraRefreshExpiry from a token, zero when absent
func RefreshExpiry(token *oauth2.Token) time.Time {
	if token == nil {
		return time.Time{}
	}
	var seconds int64
	switch v := token.Extra(ExtraRefreshExpiry).(type) {
	case int64:
		seconds = v
	case int:
		seconds = int64(v)
	case float64:
		seconds = int64(v)
	case json.Number:
		seconds, _ = v.Int64()
	}
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

// Tenant carries what an adapter needs to call the POS on behalf of one store
type Tenant struct {
	StoreID  string
	Token    *oauth2.Token
	Settings map[string]interface{}
}

// SourceItem is one catalog item as observed at the source
type SourceItem struct {
	ID        string
	Deleted   bool
	Raw       json.RawMessage
	UpdatedAt time.Time
}

// NormalizedProduct is the source-agnostic product representation
type NormalizedProduct struct {
	SourceID        string                 `json:"sourceId"`
	SourceVariantID string                 `json:"sourceVariantId,omitempty"`
	Title           string                 `json:"title"`
	Barcode         string                 `json:"barcode,omitempty"`
	SKU             string                 `json:"sku,omitempty"`
	Price           decimal.Decimal        `json:"price"`
	Currency        string                 `json:"currency,omitempty"`
	ImageURL        string                 `json:"imageUrl,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

// TenantEvents is the part of a webhook payload that belongs to one tenant
type TenantEvents struct {
	TenantID string
	Items    []SourceItem
}

// ChangedPage is one page of a changed-since listing
type ChangedPage struct {
	Items         []SourceItem
	NextPageToken string
}

// ValidateBasic applies the checks shared by every source
func ValidateBasic(p NormalizedProduct) (bool, []string) {
	var reasons []string
	if p.SourceID == "" {
		reasons = append(reasons, "missing source id")
	}
	if p.Title == "" {
		reasons = append(reasons, "missing title")
	}
	if p.Barcode == "" && p.SKU == "" {
		reasons = append(reasons, "missing barcode and sku")
	}
	if p.Price.IsNegative() {
		reasons = append(reasons, "negative price")
	}
	return len(reasons) == 0, reasons
}

// UnsupportedSourceError is returned when a source name has no adapter
type UnsupportedSourceError struct {
	Source string
}

func (e *UnsupportedSourceError) Error() string {
	return "unsupported source: " + e.Source
}

func (e *UnsupportedSourceError) Unwrap() error { return ErrUnknownSource }
