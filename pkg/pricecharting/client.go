// Package pricecharting is a client for the PriceCharting product API.
package pricecharting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://www.pricecharting.com"

// ErrNoProduct is returned when the query matches no product.
var ErrNoProduct = eris.New("pricecharting: no such product")

// APIError is a non-200 response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pricecharting: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Product is one catalog entry. Prices are in pennies keyed by the API
// field name, e.g. "loose-price".
type Product struct {
	ID      string
	Name    string
	Console string
	Prices  map[string]int64
}

// Price returns the price for field in pennies, if the product has one.
func (p *Product) Price(field string) (int64, bool) {
	v, ok := p.Prices[field]
	return v, ok && v > 0
}

// Client defines the PriceCharting operations used by valuation.
type Client interface {
	Product(ctx context.Context, query string) (*Product, error)
}

// ClientOption configures the client.
type ClientOption func(*client)

// WithBaseURL overrides the API host.
func WithBaseURL(u string) ClientOption {
	return func(c *client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRateLimit throttles requests to rps per second. rps <= 0 disables it.
func WithRateLimit(rps float64) ClientOption {
	return func(c *client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *client) { c.http = hc }
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client with the given API token.
func NewClient(token string, opts ...ClientOption) Client {
	c := &client{
		baseURL: defaultBaseURL,
		token:   token,
		http:    &http.Client{},
		limiter: rate.NewLimiter(1, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Product looks up the best match for a free-text query.
func (c *client) Product(ctx context.Context, query string) (*Product, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "pricecharting: rate limit")
		}
	}

	q := url.Values{}
	q.Set("t", c.token)
	q.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/product?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: read response")
	}

	var raw map[string]json.RawMessage
	if resp.StatusCode != http.StatusOK {
		// The API reports unknown products as an error body.
		if json.Unmarshal(body, &raw) == nil && isNoProduct(raw) {
			return nil, ErrNoProduct
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "pricecharting: unmarshal response")
	}
	var status string
	_ = json.Unmarshal(raw["status"], &status)
	if status != "success" {
		if isNoProduct(raw) {
			return nil, ErrNoProduct
		}
		return nil, eris.Errorf("pricecharting: status %q", status)
	}

	p := &Product{Prices: map[string]int64{}}
	_ = json.Unmarshal(raw["id"], &p.ID)
	_ = json.Unmarshal(raw["product-name"], &p.Name)
	_ = json.Unmarshal(raw["console-name"], &p.Console)
	for k, v := range raw {
		if !strings.HasSuffix(k, "-price") {
			continue
		}
		var pennies int64
		if err := json.Unmarshal(v, &pennies); err == nil {
			p.Prices[k] = pennies
		}
	}
	return p, nil
}

func isNoProduct(raw map[string]json.RawMessage) bool {
	var msg string
	_ = json.Unmarshal(raw["error-message"], &msg)
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no such product") || strings.Contains(msg, "no product")
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
