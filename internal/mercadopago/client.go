// Package mercadopago is a thin client for the MercadoPago REST API. It only
// covers the endpoints the pipeline needs: payment and merchant order lookup
// for reconciliation, plus preapproval and PIX passthroughs.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/presenq/billing/internal/config"
	"github.com/presenq/billing/pkg/records"
)

// API is the outbound port consumed by the reconciliation and server layers.
type API interface {
	GetPayment(ctx context.Context, id string) (records.Record, error)
	GetMerchantOrder(ctx context.Context, resource string) (records.Record, error)
	CreateSubscription(ctx context.Context, body records.Record) (records.Record, error)
	UpdateSubscription(ctx context.Context, id string, body records.Record) (records.Record, error)
	CreatePixPayment(ctx context.Context, body records.Record, idempotencyKey string) (records.Record, error)
}

// APIError carries the upstream status and body for non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago api error: status=%d body=%s", e.Status, e.Body)
}

type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.MercadoPagoBaseURL, "/"),
		accessToken: cfg.MercadoPagoAccessToken,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.MercadoPagoTimeoutMs) * time.Millisecond,
		},
	}
}

func (c *Client) GetPayment(ctx context.Context, id string) (records.Record, error) {
	return c.do(ctx, http.MethodGet, "/v1/payments/"+id, nil, nil)
}

// GetMerchantOrder accepts either an order id or the absolute resource URL
// MercadoPago puts in merchant_order notifications.
func (c *Client) GetMerchantOrder(ctx context.Context, resource string) (records.Record, error) {
	if strings.HasPrefix(resource, "http://") || strings.HasPrefix(resource, "https://") {
		return c.doURL(ctx, http.MethodGet, resource, nil, nil)
	}
	return c.do(ctx, http.MethodGet, "/merchant_orders/"+resource, nil, nil)
}

func (c *Client) CreateSubscription(ctx context.Context, body records.Record) (records.Record, error) {
	return c.do(ctx, http.MethodPost, "/preapproval", body, nil)
}

func (c *Client) UpdateSubscription(ctx context.Context, id string, body records.Record) (records.Record, error) {
	return c.do(ctx, http.MethodPut, "/preapproval/"+id, body, nil)
}

func (c *Client) CreatePixPayment(ctx context.Context, body records.Record, idempotencyKey string) (records.Record, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["X-Idempotency-Key"] = idempotencyKey
	}
	return c.do(ctx, http.MethodPost, "/v1/payments", body, headers)
}

func (c *Client) do(ctx context.Context, method, path string, body records.Record, headers map[string]string) (records.Record, error) {
	return c.doURL(ctx, method, c.baseURL+path, body, headers)
}

func (c *Client) doURL(ctx context.Context, method, url string, body records.Record, headers map[string]string) (records.Record, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out records.Record
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode response body: %w", err)
		}
	}
	return out, nil
}
