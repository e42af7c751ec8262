package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"esl-sync-service/internal/clients"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const productPayload = `{
	"id": 632910392,
	"title": "IPod Nano",
	"vendor": "Apple",
	"product_type": "Cult Products",
	"handle": "ipod-nano",
	"status": "active",
	"updated_at": "2024-03-01T10:00:00Z",
	"image": {"id": 850703190, "src": "https://cdn.example.com/ipod.png"},
	"images": [
		{"id": 850703190, "src": "https://cdn.example.com/ipod.png"},
		{"id": 562641783, "src": "https://cdn.example.com/ipod-pink.png"}
	],
	"variants": [
		{"id": 808950810, "product_id": 632910392, "title": "Pink", "sku": "IPOD2008PINK", "barcode": "1234_pink", "price": "199.00", "image_id": 562641783},
		{"id": 49148385, "product_id": 632910392, "title": "Red", "sku": "IPOD2008RED", "barcode": "", "price": "199.50", "compare_at_price": "249.00"}
	]
}`

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func tenant() clients.Tenant {
	return clients.Tenant{StoreID: "demo.myshopify.com", Token: &oauth2.Token{AccessToken: "shpat_test"}}
}

func TestVerifyFailsClosedWithoutSecret(t *testing.T) {
	body := []byte(`{"id":1}`)

	unconfigured := NewAdapter(Config{})
	assert.False(t, unconfigured.Verify(body, sign("", body), nil))

	adapter := NewAdapter(Config{APISecret: "hush"})
	assert.True(t, adapter.Verify(body, sign("hush", body), nil))
	assert.False(t, adapter.Verify(body, sign("other", body), nil))
	assert.False(t, adapter.Verify([]byte(`{"id":2}`), sign("hush", body), nil))
	assert.False(t, adapter.Verify(body, "", nil))
}

func TestParseWebhook(t *testing.T) {
	adapter := NewAdapter(Config{APISecret: "hush"})
	headers := http.Header{}
	headers.Set("X-Shopify-Shop-Domain", "demo.myshopify.com")

	groups, err := adapter.ParseWebhook("products-update", headers, []byte(productPayload))
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "demo.myshopify.com", groups[0].TenantID)
	require.Len(t, groups[0].Items, 1)
	assert.Equal(t, "632910392", groups[0].Items[0].ID)
	assert.False(t, groups[0].Items[0].Deleted)

	groups, err = adapter.ParseWebhook("", http.Header{
		"X-Shopify-Shop-Domain": {"demo.myshopify.com"},
		"X-Shopify-Topic":       {"products/delete"},
	}, []byte(`{"id":632910392}`))
	require.NoError(t, err)
	require.Len(t, groups[0].Items, 1)
	assert.True(t, groups[0].Items[0].Deleted)

	archived := []byte(`{"id": 7, "status": "archived", "variants": []}`)
	groups, err = adapter.ParseWebhook("products-update", headers, archived)
	require.NoError(t, err)
	assert.True(t, groups[0].Items[0].Deleted)

	_, err = adapter.ParseWebhook("products-update", http.Header{}, []byte(productPayload))
	assert.Error(t, err)
}

func TestNormalizeOneProductPerVariant(t *testing.T) {
	adapter := NewAdapter(Config{})

	products, err := adapter.Normalize(clients.SourceItem{ID: "632910392", Raw: json.RawMessage(productPayload)})
	require.NoError(t, err)
	require.Len(t, products, 2)

	pink := products[0]
	assert.Equal(t, "632910392", pink.SourceID)
	assert.Equal(t, "808950810", pink.SourceVariantID)
	assert.Equal(t, "IPod Nano - Pink", pink.Title)
	assert.Equal(t, "1234_pink", pink.Barcode)
	assert.True(t, decimal.RequireFromString("199").Equal(pink.Price))
	assert.Equal(t, "https://cdn.example.com/ipod-pink.png", pink.ImageURL)

	red := products[1]
	assert.Equal(t, "https://cdn.example.com/ipod.png", red.ImageURL)
	assert.Equal(t, "249.00", red.Payload["compare_at_price"])
	ok, reasons := adapter.Validate(red)
	assert.True(t, ok, reasons)

	single, err := adapter.Normalize(clients.SourceItem{Raw: json.RawMessage(`{"id":1,"title":"Soap","variants":[{"id":2,"title":"Default Title","sku":"S1","price":"2.00"}]}`)})
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "Soap", single[0].Title)
}

func TestPushPriceUpdate(t *testing.T) {
	var received map[string]map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/admin/api/2024-01/variants/808950810.json", r.URL.Path)
		assert.Equal(t, "shpat_test", r.Header.Get("X-Shopify-Access-Token"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.Write([]byte(`{"variant":{}}`))
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL, RequestsPerSecond: 100})
	err := adapter.PushPriceUpdate(context.Background(), tenant(), "808950810", decimal.RequireFromString("149.5"))
	require.NoError(t, err)
	assert.Equal(t, "149.50", received["variant"]["price"])

	err = adapter.PushPriceUpdate(context.Background(), clients.Tenant{StoreID: "x"}, "808950810", decimal.Zero)
	assert.True(t, clients.IsAuthError(err))
}

func TestErrorsAreClassified(t *testing.T) {
	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(status)
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL, RequestsPerSecond: 100})
	err := adapter.PushPriceUpdate(context.Background(), tenant(), "1", decimal.Zero)
	var transientErr *clients.TransientError
	require.ErrorAs(t, err, &transientErr)
	assert.Equal(t, 2*time.Second, transientErr.RetryAfter)

	status = http.StatusNotFound
	item, err := adapter.FetchItem(context.Background(), tenant(), "42")
	require.NoError(t, err)
	assert.True(t, item.Deleted)

	status = http.StatusUnprocessableEntity
	err = adapter.PushPriceUpdate(context.Background(), tenant(), "1", decimal.Zero)
	assert.Equal(t, clients.ClassPermanent, clients.Classify(err))
}

func TestListChangedSinceFollowsLinkHeader(t *testing.T) {
	var requests []url.Values
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.Query())
		if r.URL.Query().Get("page_info") == "" {
			w.Header().Set("Link", `<`+server.URL+`/admin/api/2024-01/products.json?limit=250&page_info=abc>; rel="next"`)
			w.Write([]byte(`{"products":[{"id":1,"status":"active"},{"id":2,"status":"draft"}]}`))
			return
		}
		w.Write([]byte(`{"products":[{"id":3,"status":"active"}]}`))
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL, RequestsPerSecond: 100})
	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	page, err := adapter.ListChangedSince(context.Background(), tenant(), since, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[1].Deleted)
	assert.Equal(t, "abc", page.NextPageToken)
	assert.Equal(t, "2024-03-01T12:00:00Z", requests[0].Get("updated_at_min"))

	page, err = adapter.ListChangedSince(context.Background(), tenant(), since, page.NextPageToken)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextPageToken)
	assert.Empty(t, requests[1].Get("updated_at_min"))
}

func TestListAllActiveIDs(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_info") == "" {
			assert.Equal(t, "active", r.URL.Query().Get("status"))
			w.Header().Set("Link", `<`+server.URL+`/x?page_info=next1>; rel="next"`)
			w.Write([]byte(`{"products":[{"id":1},{"id":2}]}`))
			return
		}
		w.Write([]byte(`{"products":[{"id":3}]}`))
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL, RequestsPerSecond: 100})
	ids, err := adapter.ListAllActiveIDs(context.Background(), tenant())
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Contains(t, ids, "3")
}

func TestExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/oauth/access_token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "key", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"shpat_new","scope":"read_products,write_products"}`))
	}))
	defer server.Close()

	adapter := NewAdapter(Config{APIKey: "key", APISecret: "secret", BaseURL: server.URL})
	token, err := adapter.ExchangeCode(context.Background(), "demo.myshopify.com", "the-code")
	require.NoError(t, err)
	assert.Equal(t, "shpat_new", token.AccessToken)
	assert.Empty(t, token.RefreshToken)

	shop, ok := adapter.CallbackStoreID(url.Values{"shop": {"Demo.myshopify.com"}})
	assert.True(t, ok)
	assert.Equal(t, "demo.myshopify.com", shop)

	strict := NewAdapter(Config{})
	_, ok = strict.CallbackStoreID(url.Values{"shop": {"evil.example.com"}})
	assert.False(t, ok)
}
