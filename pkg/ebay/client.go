// Package ebay is a minimal client for the eBay Sell Inventory API: create or
// replace an inventory item, create an offer for it, publish the offer.
package ebay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.ebay.com"

const inventoryPath = "/sell/inventory/v1"

// APIError is a non-2xx response from the Inventory API.
type APIError struct {
	StatusCode int
	Errors     []ErrorDetail
	Body       string
}

// ErrorDetail is one entry of the API's error array.
type ErrorDetail struct {
	ErrorID  int    `json:"errorId"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ebay: status %d: %d %s", e.StatusCode, e.Errors[0].ErrorID, e.Errors[0].Message)
	}
	return fmt.Sprintf("ebay: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Amount is a currency value as the API expects it.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Product describes the item being sold.
type Product struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	ImageURLs   []string            `json:"imageUrls,omitempty"`
	Aspects     map[string][]string `json:"aspects,omitempty"`
}

// InventoryItem is the body of createOrReplaceInventoryItem.
type InventoryItem struct {
	Condition    string       `json:"condition"`
	Product      Product      `json:"product"`
	Availability Availability `json:"availability"`
}

// Availability holds the ship-to-home quantity.
type Availability struct {
	ShipToLocationAvailability struct {
		Quantity int `json:"quantity"`
	} `json:"shipToLocationAvailability"`
}

// NewAvailability returns an Availability with quantity q.
func NewAvailability(q int) Availability {
	var a Availability
	a.ShipToLocationAvailability.Quantity = q
	return a
}

// ListingPolicies references the seller's business policies.
type ListingPolicies struct {
	FulfillmentPolicyID string `json:"fulfillmentPolicyId,omitempty"`
	PaymentPolicyID     string `json:"paymentPolicyId,omitempty"`
	ReturnPolicyID      string `json:"returnPolicyId,omitempty"`
}

// Offer is the body of createOffer.
type Offer struct {
	SKU                 string          `json:"sku"`
	MarketplaceID       string          `json:"marketplaceId"`
	Format              string          `json:"format"`
	AvailableQuantity   int             `json:"availableQuantity"`
	CategoryID          string          `json:"categoryId"`
	ListingDescription  string          `json:"listingDescription,omitempty"`
	MerchantLocationKey string          `json:"merchantLocationKey,omitempty"`
	ListingPolicies     ListingPolicies `json:"listingPolicies"`
	PricingSummary      struct {
		Price Amount `json:"price"`
	} `json:"pricingSummary"`
}

// Client defines the Inventory API operations used for listing.
type Client interface {
	PutInventoryItem(ctx context.Context, sku string, item InventoryItem) error
	CreateOffer(ctx context.Context, offer Offer) (string, error)
	PublishOffer(ctx context.Context, offerID string) (string, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API host, e.g. the sandbox.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit throttles requests to rps per second. rps <= 0 disables it.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithMarketplace sets the X-EBAY-C-MARKETPLACE-ID header.
func WithMarketplace(id string) Option {
	return func(c *httpClient) {
		if id != "" {
			c.marketplace = id
		}
	}
}

type httpClient struct {
	token       string
	baseURL     string
	marketplace string
	http        *http.Client
	limiter     *rate.Limiter
}

// NewClient creates an Inventory API client authenticated with an OAuth
// user token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:       token,
		baseURL:     defaultBaseURL,
		marketplace: "EBAY_US",
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) PutInventoryItem(ctx context.Context, sku string, item InventoryItem) error {
	_, err := c.do(ctx, http.MethodPut, "/inventory_item/"+url.PathEscape(sku), item)
	return err
}

func (c *httpClient) CreateOffer(ctx context.Context, offer Offer) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/offer", offer)
	if err != nil {
		return "", err
	}
	var out struct {
		OfferID string `json:"offerId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", eris.Wrap(err, "ebay: unmarshal offer response")
	}
	if out.OfferID == "" {
		return "", eris.New("ebay: offer response missing offerId")
	}
	return out.OfferID, nil
}

func (c *httpClient) PublishOffer(ctx context.Context, offerID string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/offer/"+url.PathEscape(offerID)+"/publish", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ListingID string `json:"listingId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", eris.Wrap(err, "ebay: unmarshal publish response")
	}
	if out.ListingID == "" {
		return "", eris.New("ebay: publish response missing listingId")
	}
	return out.ListingID, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ebay: rate limiter")
		}
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrap(err, "ebay: marshal request")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+inventoryPath+path, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "ebay: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Language", "en-US")
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", c.marketplace)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ebay: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ebay: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		var parsed struct {
			Errors []ErrorDetail `json:"errors"`
		}
		if json.Unmarshal(body, &parsed) == nil {
			apiErr.Errors = parsed.Errors
		}
		return nil, apiErr
	}
	return body, nil
}
