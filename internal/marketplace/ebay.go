// Package marketplace adapts marketplace APIs to the pipeline's listing
// contract.
package marketplace

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/pkg/ebay"
)

// Ebay lists cards through the eBay Inventory API.
type Ebay struct {
	client ebay.Client
	cfg    config.EbayConfig
}

// NewEbay wraps client with the seller's listing settings.
func NewEbay(client ebay.Client, cfg config.EbayConfig) *Ebay {
	return &Ebay{client: client, cfg: cfg}
}

// NewEbayFromConfig builds the API client from cfg.
func NewEbayFromConfig(cfg config.EbayConfig) (*Ebay, error) {
	if cfg.Token == "" {
		return nil, eris.New("marketplace: ebay requires ebay.token")
	}
	client := ebay.NewClient(cfg.Token,
		ebay.WithBaseURL(cfg.BaseURL),
		ebay.WithMarketplace(cfg.MarketplaceID),
		ebay.WithRateLimit(cfg.RateLimit),
	)
	return NewEbay(client, cfg), nil
}

// CreateListing upserts the inventory item keyed by the asset identity,
// creates a fixed-price offer and publishes it. It returns the eBay
// listing id.
func (e *Ebay) CreateListing(ctx context.Context, l model.Listing) (string, error) {
	condition := l.Condition
	if condition == "" {
		condition = e.cfg.Condition
	}
	category := l.Category
	if category == "" {
		category = e.cfg.CategoryID
	}

	item := ebay.InventoryItem{
		Condition: condition,
		Product: ebay.Product{
			Title:       l.Title,
			Description: l.Description,
			ImageURLs:   l.ImageURLs,
		},
		Availability: ebay.NewAvailability(1),
	}
	if err := e.client.PutInventoryItem(ctx, l.SKU, item); err != nil {
		return "", classify(err, "put inventory item "+l.SKU)
	}

	offer := ebay.Offer{
		SKU:                 l.SKU,
		MarketplaceID:       e.cfg.MarketplaceID,
		Format:              "FIXED_PRICE",
		AvailableQuantity:   1,
		CategoryID:          category,
		ListingDescription:  l.Description,
		MerchantLocationKey: e.cfg.MerchantLocationKey,
		ListingPolicies: ebay.ListingPolicies{
			FulfillmentPolicyID: e.cfg.FulfillmentPolicyID,
			PaymentPolicyID:     e.cfg.PaymentPolicyID,
			ReturnPolicyID:      e.cfg.ReturnPolicyID,
		},
	}
	offer.PricingSummary.Price = ebay.Amount{Value: l.Price.StringFixed(2), Currency: e.cfg.Currency}

	offerID, err := e.client.CreateOffer(ctx, offer)
	if err != nil {
		return "", classify(err, "create offer "+l.SKU)
	}
	listingID, err := e.client.PublishOffer(ctx, offerID)
	if err != nil {
		return "", classify(err, "publish offer "+offerID)
	}

	zap.L().Info("marketplace: listed on ebay",
		zap.String("sku", l.SKU),
		zap.String("offer_id", offerID),
		zap.String("listing_id", listingID),
		zap.String("price", l.Price.StringFixed(2)),
	)
	return listingID, nil
}

// classify marks retryable API failures transient and rejections
// permanent.
func classify(err error, op string) error {
	var apiErr *ebay.APIError
	if !errors.As(err, &apiErr) {
		// Network failures are classified by the retry layer.
		return eris.Wrapf(err, "marketplace: %s", op)
	}
	if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(eris.Wrapf(err, "marketplace: %s", op), apiErr.StatusCode)
	}
	reason := "marketplace: " + op + " rejected (" + strconv.Itoa(apiErr.StatusCode) + ")"
	if apiErr.StatusCode == http.StatusUnauthorized {
		reason = "marketplace: ebay token rejected"
	}
	return model.Permanent(reason, err)
}
