package esl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"esl-sync-service/internal/clients"
	"golang.org/x/time/rate"
)

const (
	loginPath  = "/zk/user/login"
	importPath = "/zk/item/batchImportItem"
	deletePath = "/zk/item/batchDeleteItem"
)

// Config holds the ESL vendor account
type Config struct {
	BaseURL           string
	Account           string
	Password          string
	Timeout           time.Duration
	RequestsPerSecond float64
	// BreakerThreshold consecutive transient failures open the circuit for BreakerReset
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Item is one shelf label record, keyed by BarCode
type Item struct {
	BarCode    string `json:"barCode"`
	ItemTitle  string `json:"itemTitle"`
	Price      string `json:"price"`
	ProductSku string `json:"productSku,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	Unit       string `json:"unit,omitempty"`
}

// Client is the ESL vendor API client. Upserts and deletes are idempotent on the bar code.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	account     string
	password    string
	rateLimiter *rate.Limiter
	breaker     *clients.CircuitBreaker

	mu    sync.Mutex
	token string
}

// NewClient creates a new ESL client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		account:     cfg.Account,
		password:    cfg.Password,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker:     clients.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// UpsertItems creates or overwrites labels in a store
func (c *Client) UpsertItems(ctx context.Context, storeCode string, items []Item) error {
	if storeCode == "" {
		return &clients.ValidationError{Op: "esl upsert", Reasons: []string{"missing ESL store code"}}
	}
	body := map[string]interface{}{
		"storeId":  storeCode,
		"itemList": items,
	}
	_, err := c.call(ctx, importPath, body)
	return err
}

// DeleteItems removes labels by bar code. Unknown codes are not an error.
func (c *Client) DeleteItems(ctx context.Context, storeCode string, codes []string) error {
	if storeCode == "" {
		return &clients.ValidationError{Op: "esl delete", Reasons: []string{"missing ESL store code"}}
	}
	body := map[string]interface{}{
		"storeId": storeCode,
		"list":    codes,
	}
	_, err := c.call(ctx, deletePath, body)
	return err
}

// Ping checks the credentials by logging in
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.login(ctx)
	return err
}

func (c *Client) call(ctx context.Context, path string, body interface{}) (*envelope, error) {
	if !c.breaker.Allow() {
		return nil, &clients.TransientError{Op: "esl " + path, Err: clients.ErrCircuitOpen}
	}

	resp, err := c.authorizedCall(ctx, path, body)
	if err != nil && clients.IsAuthError(err) {
		// Session tokens expire server side; log in again once
		c.clearToken()
		resp, err = c.authorizedCall(ctx, path, body)
	}

	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case clients.Classify(err) == clients.ClassTransient:
		c.breaker.RecordFailure()
	}
	return resp, err
}

func (c *Client) authorizedCall(ctx context.Context, path string, body interface{}) (*envelope, error) {
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, path, token, body)
}

func (c *Client) login(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	resp, err := c.post(ctx, loginPath, "", map[string]interface{}{
		"account":   c.account,
		"password":  c.password,
		"loginType": 3,
	})
	if err != nil {
		if _, ok := err.(*clients.ValidationError); ok {
			// A rejected login is a credential problem, not a bad request
			return "", &clients.AuthenticationError{Op: "esl login", Err: err}
		}
		return "", err
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Token == "" {
		return "", &clients.AuthenticationError{Op: "esl login", Err: fmt.Errorf("login response carried no token")}
	}
	c.token = data.Token
	return c.token, nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, path, token string, body interface{}) (*envelope, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, clients.WrapTransport("esl "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, clients.WrapTransport("esl "+path, err)
	}

	if resp.StatusCode >= 400 {
		classified := clients.ClassifyStatus("esl "+path, resp.StatusCode, respBody)
		if transientErr, ok := classified.(*clients.TransientError); ok {
			transientErr.RetryAfter = clients.ParseRetryAfter(resp)
		}
		return nil, classified
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &clients.TransientError{Op: "esl " + path, StatusCode: resp.StatusCode, Err: fmt.Errorf("unreadable response: %w", err)}
	}
	if !env.Success {
		return nil, &clients.ValidationError{Op: "esl " + path, Reasons: []string{fmt.Sprintf("code %d: %s", env.Code, env.Message)}}
	}
	return &env, nil
}
