// Package notion mirrors the review queue into a Notion database so operators
// can triage flagged cards outside the terminal.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/cardflow/internal/resilience"
)

// Client is the slice of the Notion API the review mirror needs: query the
// review database and create or update its pages. Errors from the default
// implementation are marked transient for rate limits and server failures.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// ClientOption configures the Notion client.
type ClientOption func(*notionClient)

// WithRateLimit overrides the default Notion rate limit (3 req/s).
func WithRateLimit(rps float64) ClientOption {
	return func(c *notionClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// notionClient implements Client over *notionapi.Client. Requests share one
// limiter so a burst of flagged cards cannot trip Notion's 429s.
type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewClient creates a new Notion client with the given integration token.
// By default, API calls are throttled to 3 req/s (Notion's rate limit).
func NewClient(token string, opts ...ClientOption) Client {
	c := &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(3, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wait blocks until the rate limiter allows one event, or ctx is cancelled.
func (c *notionClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *notionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	resp, err := c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("notion: query review database %s", dbID))
	}
	return resp, nil
}

func (c *notionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Create(ctx, req)
	if err != nil {
		return nil, classify(err, "notion: create review page")
	}
	return page, nil
}

func (c *notionClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if err := c.wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Update(ctx, notionapi.PageID(pageID), req)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("notion: update review page %s", pageID))
	}
	return page, nil
}

// classify wraps an API failure as op. Rate limits and 5xx responses become
// transient; a 404 on the review database almost always means the
// integration was never shared with it.
func classify(err error, op string) error {
	var limited *notionapi.RateLimitedError
	if errors.As(err, &limited) {
		return resilience.NewTransientError(eris.Wrap(err, op), http.StatusTooManyRequests)
	}
	var apiErr *notionapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case resilience.IsTransientHTTPStatus(apiErr.Status):
			return resilience.NewTransientError(eris.Wrap(err, op), apiErr.Status)
		case apiErr.Status == http.StatusNotFound:
			return eris.Wrapf(err, "%s: not found, share the review database with the integration", op)
		}
	}
	return eris.Wrap(err, op)
}
