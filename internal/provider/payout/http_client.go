package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

// HTTPClient talks to the real payout provider. All responses are JSON and
// any non-2xx status is surfaced as an error carrying the raw body.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", pkgerrors.ErrProviderUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("payout provider returned error", "path", path, "status", resp.StatusCode, "body", string(raw))
		return fmt.Errorf("%w: provider returned %d: %s", pkgerrors.ErrProviderUnavailable, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", pkgerrors.ErrProviderUnavailable, err)
		}
	}
	return nil
}

func (c *HTTPClient) TestConnectivity(ctx context.Context) (Connectivity, error) {
	var out Connectivity
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return Connectivity{Connected: false, Detail: err.Error()}, err
	}
	return out, nil
}

func (c *HTTPClient) GetBalance(ctx context.Context, currency string) (Balance, error) {
	var out Balance
	path := "/balance?currency=" + url.QueryEscape(currency)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Balance{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetMinimumAmount(ctx context.Context, currency string) (decimal.Decimal, error) {
	var out struct {
		Minimum decimal.Decimal `json:"minimum"`
	}
	path := "/min-amount?currency=" + url.QueryEscape(currency)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Minimum, nil
}

func (c *HTTPClient) CreatePayout(ctx context.Context, address, currency string, amount decimal.Decimal, memo string) (PayoutResult, error) {
	body := map[string]interface{}{
		"address":  address,
		"currency": currency,
		"amount":   amount,
	}
	if memo != "" {
		body["memo"] = memo
	}
	var out PayoutResult
	if err := c.do(ctx, http.MethodPost, "/payout", body, &out); err != nil {
		return PayoutResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) CreateMassPayout(ctx context.Context, items []MassPayoutItem) (MassPayoutResult, error) {
	var out MassPayoutResult
	if err := c.do(ctx, http.MethodPost, "/payout/mass", map[string]interface{}{"withdrawals": items}, &out); err != nil {
		return MassPayoutResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetPayoutStatus(ctx context.Context, providerID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/payout/"+url.PathEscape(providerID), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}
