// Package coinbase is the REST boundary to the reference venue: signed
// requests, pacing, bounded retries and the order/book/account endpoints the
// market maker consumes.
package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crypto_mm/internal/domain"
	"crypto_mm/internal/infra"

	"golang.org/x/time/rate"
)

// Client is the REST API client (boundary layer).
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	limiter    *rate.Limiter
	maxRetries int
	metrics    *infra.Metrics
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient creates a REST client from the exchange section of cfg.
func NewClient(cfg *infra.Config, metrics *infra.Metrics) *Client {
	baseURL := cfg.Exchange.RestURL
	if baseURL == "" {
		baseURL = BaseURL
	}
	retries := cfg.Exchange.MaxRetries
	if retries <= 0 {
		retries = maxRetries
	}
	perSec := cfg.Exchange.RateLimitPerSec
	if perSec <= 0 {
		perSec = 3
	}
	timeout := time.Duration(cfg.Exchange.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer:     NewSigner(cfg.Exchange.Key, cfg.Exchange.Secret, cfg.Exchange.Passphrase),
		limiter:    rate.NewLimiter(rate.Limit(perSec), perSec),
		maxRetries: retries,
		metrics:    metrics,
		logger:     slog.Default().With("module", "coinbase_client"),
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// Signer exposes the request signer (the stream transport signs its
// subscribe frame with it).
func (c *Client) Signer() *Signer {
	return c.signer
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PlaceOrder posts an order. A duplicate client_oid is not an error: the
// existing order is fetched and returned as AlreadyExists.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlaceOutcome, error) {
	body := placeOrderRequest{
		ClientOID: req.ClientOID,
		ProductID: req.ProductID,
		Side:      string(req.Side),
		Type:      string(req.Type),
		PostOnly:  req.PostOnly,
	}
	if req.Type == "" {
		body.Type = string(domain.OrderTypeLimit)
	}
	if !req.Price.IsZero() {
		body.Price = req.Price.String()
	}
	if !req.Size.IsZero() {
		body.Size = req.Size.String()
	}
	if !req.Funds.IsZero() {
		body.Funds = req.Funds.String()
	}

	var resp orderResponse
	_, err := c.doRequest(ctx, http.MethodPost, "/orders", nil, body, &resp)
	if err != nil {
		var apiErr *domain.APIError
		if req.ClientOID != "" && errors.As(err, &apiErr) && isDuplicate(apiErr) {
			existing, getErr := c.GetOrderByClientOID(ctx, req.ClientOID)
			if getErr != nil {
				return domain.PlaceOutcome{}, fmt.Errorf("resolve duplicate %s: %w", req.ClientOID, getErr)
			}
			c.metrics.RecordOrderPlaced(string(req.Side), domain.AlreadyExists.String())
			return domain.PlaceOutcome{Kind: domain.AlreadyExists, Order: existing}, nil
		}
		return domain.PlaceOutcome{}, fmt.Errorf("place order: %w", err)
	}

	c.metrics.RecordOrderPlaced(string(req.Side), domain.Created.String())
	c.logger.Info("Order Placed", "id", resp.ID, "client_oid", req.ClientOID, "side", req.Side, "price", req.Price, "size", req.Size)
	return domain.PlaceOutcome{Kind: domain.Created, Order: resp.toDomain()}, nil
}

func isDuplicate(e *domain.APIError) bool {
	return e.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Message), "duplicate")
}

// CancelOrder cancels by exchange id. A venue refusal is a CancelRejected
// outcome, except when the reason says the order is done.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (domain.CancelOutcome, error) {
	_, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil, nil)
	if err == nil {
		return domain.CancelOutcome{Kind: domain.CancelAccepted}, nil
	}

	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.IsRetriable() {
		return domain.CancelOutcome{}, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if strings.Contains(strings.ToLower(apiErr.Message), "done") {
		return domain.CancelOutcome{Kind: domain.CancelAlreadyDone, Reason: apiErr.Message}, nil
	}
	return domain.CancelOutcome{Kind: domain.CancelRejected, Reason: apiErr.Message}, nil
}

// GetOrder fetches one order by exchange id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.ExchangeOrder, error) {
	var resp orderResponse
	if _, err := c.doRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, nil, &resp); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return resp.toDomain(), nil
}

// GetOrderByClientOID fetches one order by client_oid.
func (c *Client) GetOrderByClientOID(ctx context.Context, clientOID string) (domain.ExchangeOrder, error) {
	var resp orderResponse
	if _, err := c.doRequest(ctx, http.MethodGet, "/orders/client:"+url.PathEscape(clientOID), nil, nil, &resp); err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("get order client:%s: %w", clientOID, err)
	}
	return resp.toDomain(), nil
}

// ListOpenOrders returns every resting order of a product, following the
// CB-AFTER cursor.
func (c *Client) ListOpenOrders(ctx context.Context, productID string) ([]domain.ExchangeOrder, error) {
	q := url.Values{}
	q.Add("status", domain.ExchangeStatusOpen)
	q.Add("status", domain.ExchangeStatusPending)
	q.Add("status", domain.ExchangeStatusActive)
	q.Set("limit", strconv.Itoa(pageLimit))
	if productID != "" {
		q.Set("product_id", productID)
	}

	var out []domain.ExchangeOrder
	for page := 0; page < maxPages; page++ {
		var resp []orderResponse
		header, err := c.doRequest(ctx, http.MethodGet, "/orders", q, nil, &resp)
		if err != nil {
			return nil, fmt.Errorf("list open orders: %w", err)
		}
		for _, o := range resp {
			out = append(out, o.toDomain())
		}
		after := header.Get("CB-AFTER")
		if after == "" || len(resp) < pageLimit {
			break
		}
		q.Set("after", after)
	}
	return out, nil
}

// GetBook fetches the order book at level 1, 2 or 3.
func (c *Client) GetBook(ctx context.Context, productID string, level int) (*domain.BookSnapshot, error) {
	q := url.Values{"level": {strconv.Itoa(level)}}
	var resp bookResponse
	if _, err := c.doRequest(ctx, http.MethodGet, "/products/"+url.PathEscape(productID)+"/book", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("get book %s: %w", productID, err)
	}
	snap, err := resp.toDomain()
	if err != nil {
		return nil, fmt.Errorf("parse book %s: %w", productID, err)
	}
	return snap, nil
}

// GetTicker fetches the last trade of a product.
func (c *Client) GetTicker(ctx context.Context, productID string) (domain.Ticker, error) {
	var resp tickerResponse
	if _, err := c.doRequest(ctx, http.MethodGet, "/products/"+url.PathEscape(productID)+"/ticker", nil, nil, &resp); err != nil {
		return domain.Ticker{}, fmt.Errorf("get ticker %s: %w", productID, err)
	}
	return domain.Ticker{
		ProductID: productID,
		Price:     resp.Price,
		Size:      resp.Size,
		Bid:       resp.Bid,
		Ask:       resp.Ask,
		Volume:    resp.Volume,
		Time:      resp.Time,
	}, nil
}

// GetStats fetches 24h stats of a product.
func (c *Client) GetStats(ctx context.Context, productID string) (domain.ProductStats, error) {
	var resp statsResponse
	if _, err := c.doRequest(ctx, http.MethodGet, "/products/"+url.PathEscape(productID)+"/stats", nil, nil, &resp); err != nil {
		return domain.ProductStats{}, fmt.Errorf("get stats %s: %w", productID, err)
	}
	return domain.ProductStats(resp), nil
}

// ListAccounts fetches every trading account.
func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var resp []accountResponse
	if _, err := c.doRequest(ctx, http.MethodGet, "/accounts", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]domain.Account, 0, len(resp))
	for _, a := range resp {
		out = append(out, domain.Account(a))
	}
	return out, nil
}

// doRequest handles pacing, auth headers, retries and response decoding.
//
// Network errors and 5xx are retried up to maxRetries with backoff. A 429
// sleeps until the advertised reset and is retried once. 401/403 become
// *domain.AuthError, any other non-2xx a *domain.APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, out any) (http.Header, error) {
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyStr = string(b)
	}
	rawQuery := query.Encode()

	rateLimited := false
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		header, status, payload, err := c.send(ctx, method, path, rawQuery, bodyStr)
		if err != nil {
			op := method + " " + path
			if ctx.Err() != nil {
				return nil, domain.NewFatalNetworkError(op, err)
			}
			netErr := domain.NewNetworkError(op, err)
			if attempt >= c.maxRetries {
				return nil, netErr
			}
			c.logger.Warn("request failed, retrying", "method", method, "path", path, "attempt", attempt+1, "error", err)
			if err := c.sleep(ctx, infra.CalculateBackoff(attempt)); err != nil {
				return nil, netErr
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			if out != nil && len(payload) > 0 {
				if err := json.Unmarshal(payload, out); err != nil {
					return header, fmt.Errorf("decode %s %s: %w", method, path, err)
				}
			}
			return header, nil

		case status == http.StatusTooManyRequests:
			resetAt := c.resetTime(header)
			if rateLimited {
				return header, &domain.RateLimitError{ResetAt: resetAt}
			}
			rateLimited = true
			wait := resetAt.Sub(c.now())
			c.logger.Warn("rate limited", "method", method, "path", path, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return header, &domain.RateLimitError{ResetAt: resetAt}
			}
			attempt--

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return header, &domain.AuthError{Status: status, Message: messageOf(payload)}

		case status >= 500:
			apiErr := &domain.APIError{Status: status, Message: messageOf(payload)}
			if attempt >= c.maxRetries {
				return header, apiErr
			}
			c.logger.Warn("server error, retrying", "method", method, "path", path, "status", status, "attempt", attempt+1)
			if err := c.sleep(ctx, infra.CalculateBackoff(attempt)); err != nil {
				return header, apiErr
			}

		default:
			return header, &domain.APIError{Status: status, Message: messageOf(payload)}
		}
	}
}

func (c *Client) send(ctx context.Context, method, path, rawQuery, body string) (http.Header, int, []byte, error) {
	reqURL := c.baseURL + path
	if rawQuery != "" {
		reqURL += "?" + rawQuery
	}

	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, 0, nil, err
	}
	for k, v := range c.signer.GenerateHeaders(method, path, rawQuery, body) {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, err
	}
	c.metrics.RecordRESTRequest(method, strconv.Itoa(resp.StatusCode/100)+"xx")
	return resp.Header, resp.StatusCode, payload, nil
}

// resetTime reads Retry-After (seconds) or a unix-seconds reset header.
// Without either the next second is assumed.
func (c *Client) resetTime(h http.Header) time.Time {
	now := c.now()
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return now.Add(capWait(time.Duration(secs * float64(time.Second))))
		}
	}
	for _, name := range []string{"CB-RateLimit-Reset", "X-RateLimit-Reset"} {
		if v := h.Get(name); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				reset := time.Unix(ts, 0)
				return now.Add(capWait(reset.Sub(now)))
			}
		}
	}
	return now.Add(time.Second)
}

func capWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxRateLimitGap {
		return maxRateLimitGap
	}
	return d
}

func messageOf(payload []byte) string {
	var m apiMessage
	if json.Unmarshal(payload, &m) == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(payload))
}
