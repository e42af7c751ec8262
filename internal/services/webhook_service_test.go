package services

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebhookService(e *env) *WebhookService {
	return NewWebhookService(e.registry, e.mappingRepo, e.catalog, e.tokens, e.notifier, e.logger)
}

func signedHeaders(store string) http.Header {
	h := http.Header{}
	h.Set(stubSignatureHeader, stubSecret)
	if store != "" {
		h.Set("X-Stub-Store", store)
	}
	return h
}

func webhookBody(t *testing.T, hook stubWebhook) []byte {
	t.Helper()
	body, err := json.Marshal(hook)
	require.NoError(t, err)
	return body
}

func TestWebhookAnswersHandshakeWithoutSignature(t *testing.T) {
	e := newEnv(t)
	svc := newTestWebhookService(e)

	resp, err := svc.Process(context.Background(), stubSource, "", http.Header{}, webhookBody(t, stubWebhook{VerificationCode: "abc123"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"verificationCode": "abc123"}, resp.Handshake)
	assert.Empty(t, resp.Results)
	assert.Empty(t, e.notifier.kinds())
}

func TestWebhookRejectsUnauthenticatedRequests(t *testing.T) {
	e := newEnv(t)
	mapping := e.mapping(t, "S1", nil)
	svc := newTestWebhookService(e)
	body := webhookBody(t, stubWebhook{Tenants: map[string][]stubWebhookItem{
		"S1": {{ID: "A", Products: []clients.NormalizedProduct{product("A", "", "000A", "1.00")}}},
	}})

	cases := map[string]http.Header{
		"missing signature": {"X-Stub-Store": {"S1"}},
		"invalid signature": {stubSignatureHeader: {"wrong"}, "X-Stub-Store": {"S1"}},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Process(context.Background(), stubSource, "", headers, body)
			assert.ErrorIs(t, err, ErrWebhookUnauthorized)
		})
	}

	assert.Empty(t, e.pending(t, mapping))
	_, err := e.productRepo.GetByIdentity(context.Background(), stubSource, "A", "", "S1")
	assert.Error(t, err)

	require.Len(t, e.notifier.alerts, 2)
	for _, alert := range e.notifier.alerts {
		assert.Equal(t, notify.KindAuthFailure, alert.Kind)
		assert.Equal(t, "S1", alert.Fields["store"])
	}
}

func TestWebhookUnknownSource(t *testing.T) {
	e := newEnv(t)
	_, err := newTestWebhookService(e).Process(context.Background(), "square", "", signedHeaders(""), []byte(`{}`))
	assert.ErrorIs(t, err, clients.ErrUnknownSource)
}

func TestWebhookMalformedPayloadIsValidationError(t *testing.T) {
	e := newEnv(t)
	_, err := newTestWebhookService(e).Process(context.Background(), stubSource, "", signedHeaders(""), []byte(`not json`))
	var validation *clients.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestWebhookIsolatesTenants(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s1 := e.mapping(t, "S1", nil)
	inactive := e.mapping(t, "S3", nil)
	require.NoError(t, e.mappingRepo.SetActive(ctx, inactive.ID, false))

	body := webhookBody(t, stubWebhook{Tenants: map[string][]stubWebhookItem{
		"S1": {
			{ID: "A", Products: []clients.NormalizedProduct{product("A", "", "000A", "1.00")}},
			{ID: "bad", Products: []clients.NormalizedProduct{product("bad", "", "", "1.00")}},
		},
		"S2": {{ID: "B", Products: []clients.NormalizedProduct{product("B", "", "000B", "2.00")}}},
		"S3": {{ID: "C", Products: []clients.NormalizedProduct{product("C", "", "000C", "3.00")}}},
	}})

	resp, err := newTestWebhookService(e).Process(ctx, stubSource, "items/update", signedHeaders(""), body)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	byTenant := make(map[string]WebhookResult, len(resp.Results))
	for _, r := range resp.Results {
		byTenant[r.TenantID] = r
	}

	assert.Equal(t, WebhookStatusOK, byTenant["S1"].Status)
	assert.Equal(t, 2, byTenant["S1"].Items)
	require.NotNil(t, byTenant["S1"].Changes)
	assert.Equal(t, 1, byTenant["S1"].Changes.Created)
	assert.Equal(t, 1, byTenant["S1"].Changes.Invalid)

	assert.Equal(t, WebhookStatusError, byTenant["S2"].Status)
	assert.Equal(t, "unknown store mapping", byTenant["S2"].Error)

	assert.Equal(t, WebhookStatusSkipped, byTenant["S3"].Status)
	assert.Empty(t, e.pending(t, inactive))

	assert.Len(t, e.pending(t, s1), 1)
}

func TestWebhookRecoversFromPanicPerTenant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.mapping(t, "S1", nil)
	s2 := e.mapping(t, "S2", nil)
	e.adapter.panicOn = "boom"

	body := webhookBody(t, stubWebhook{Tenants: map[string][]stubWebhookItem{
		"S1": {{ID: "boom", Products: []clients.NormalizedProduct{product("boom", "", "0001", "1.00")}}},
		"S2": {{ID: "B", Products: []clients.NormalizedProduct{product("B", "", "000B", "2.00")}}},
	}})

	resp, err := newTestWebhookService(e).Process(ctx, stubSource, "", signedHeaders(""), body)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "S1", resp.Results[0].TenantID)
	assert.Equal(t, WebhookStatusError, resp.Results[0].Status)
	assert.Contains(t, resp.Results[0].Error, "internal error")
	assert.Equal(t, WebhookStatusOK, resp.Results[1].Status)
	assert.Len(t, e.pending(t, s2), 1)
}

func TestWebhookFetchesItemsSentByID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mapping := e.mapping(t, "S1", models.JSONB{models.MetaAccessToken: "access"})
	_, err := e.catalog.IngestItem(ctx, e.adapter, mapping, stubItem("old", product("old", "", "0009", "9.00")))
	require.NoError(t, err)

	fetched := stubItem("A", product("A", "", "000A", "1.00"))
	e.adapter.fetched["A"] = &fetched

	// Ids without payloads are fetched; unknown ids come back deleted
	body := webhookBody(t, stubWebhook{Tenants: map[string][]stubWebhookItem{
		"S1": {{ID: "A"}, {ID: "old"}},
	}})
	resp, err := newTestWebhookService(e).Process(ctx, stubSource, "", signedHeaders(""), body)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	result := resp.Results[0]
	assert.Equal(t, WebhookStatusOK, result.Status)
	assert.Equal(t, 1, result.Changes.Created)
	assert.Equal(t, 1, result.Changes.Deleted)

	a, err := e.productRepo.GetByIdentity(ctx, stubSource, "A", "", "S1")
	require.NoError(t, err)
	assert.Equal(t, "1.00", a.Price.StringFixed(2))

	old, err := e.productRepo.GetByIdentity(ctx, stubSource, "old", "", "S1")
	require.NoError(t, err)
	assert.Equal(t, models.ProductDeleted, old.Status)
}
