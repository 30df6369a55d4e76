// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package posapi is the HTTP client for the remote ordering API: order
// creation plus the paged customer, product, order and category listings
// used to fill the local cache.
package posapi

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

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrRemoteRejected marks an explicit refusal by the server.
	ErrRemoteRejected = errors.New("remote rejected")
	// ErrRemoteUnreachable marks a failed call: network error, timeout or 5xx.
	ErrRemoteUnreachable = errors.New("remote unreachable")
)

// RemoteError describes a failed API call.
type RemoteError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Message    string
	Kind       error // ErrRemoteRejected or ErrRemoteUnreachable
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Client talks to the remote ordering API.
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns bearer token; empty means signed out
	HTTP    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, tok func(ctx context.Context) (string, error), logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// getJSON performs a GET and decodes a 200 response into out.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &RemoteError{Op: op, Kind: ErrRemoteUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := ErrRemoteRejected
		if resp.StatusCode >= 500 {
			kind = ErrRemoteUnreachable
		}
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: kind, Message: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: ErrRemoteUnreachable, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// CreateOrder submits an order. An explicit refusal from the server is
// returned as a response with Success false and a nil error; transport
// failures and server errors are returned as *RemoteError.
// idempotencyKey, when set, is sent as the Idempotency-Key header.
func (c *Client) CreateOrder(ctx context.Context, order CreateOrderRequest, idempotencyKey string) (*CreateOrderResponse, error) {
	const op = "create order"
	if order.AppliedPromotions == nil {
		order.AppliedPromotions = []AppliedPromotion{}
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/orders", nil, order)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &RemoteError{Op: op, Kind: ErrRemoteUnreachable, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: ErrRemoteUnreachable, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: ErrRemoteUnreachable, Message: extractMessage(body)}
	}

	var out CreateOrderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: ErrRemoteRejected, Message: strings.TrimSpace(string(body))}
		}
		return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Kind: ErrRemoteUnreachable, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		// Validation errors come back as 4xx with a message body.
		out.Success = false
		if out.Message == "" {
			out.Message = fmt.Sprintf("server returned status %d", resp.StatusCode)
		}
	}
	c.logger.Debug("order submitted", "customer_id", order.CustomerID, "success", out.Success, "order_number", out.OrderNumber)
	return &out, nil
}

func extractMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &m) == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(body))
}

// ListCustomers fetches one page of customers, optionally filtered by search.
func (c *Client) ListCustomers(ctx context.Context, page, perPage int, search string) (*CustomerPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if search != "" {
		q.Set("search", search)
	}
	var out CustomerPage
	if err := c.getJSON(ctx, "list customers", "/customers", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProducts fetches products priced for customerID starting at offset.
func (c *Client) ListProducts(ctx context.Context, customerID int64, limit, offset int) (*ProductPage, error) {
	q := url.Values{}
	q.Set("customer_id", strconv.FormatInt(customerID, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out ProductPage
	if err := c.getJSON(ctx, "list products", "/products/search", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOrders fetches one page of recent orders.
func (c *Client) ListOrders(ctx context.Context, page, perPage int) (*OrderPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	var out OrderPage
	if err := c.getJSON(ctx, "list orders", "/orders", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CategoryTree fetches the full category hierarchy.
func (c *Client) CategoryTree(ctx context.Context) ([]Category, error) {
	var out struct {
		Success    bool       `json:"success"`
		Categories []Category `json:"categories"`
	}
	if err := c.getJSON(ctx, "category tree", "/categories/tree", nil, &out); err != nil {
		return nil, err
	}
	return out.Categories, nil
}

// Reachable reports whether the API host answers at all. Any HTTP response,
// whatever its status, counts as reachable.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.logger.Debug("api unreachable", "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// SessionActive reports whether a token is available and, for JWTs, not
// yet expired. Opaque tokens are assumed valid; the signature is not checked
// here since only the server can verify it.
func (c *Client) SessionActive(ctx context.Context) bool {
	if c.Token == nil {
		return false
	}
	token, err := c.Token(ctx)
	if err != nil || token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return c.now().Before(exp.Time)
}
