package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/pkg/notion"
)

// Notifier is told when assets enter or leave review. Notification
// failures never affect the pipeline.
type Notifier interface {
	Flagged(ctx context.Context, asset *model.CardAsset)
	Resolved(ctx context.Context, identity string)
}

// NopNotifier ignores every event.
type NopNotifier struct{}

// Flagged implements Notifier.
func (NopNotifier) Flagged(context.Context, *model.CardAsset) {}

// Resolved implements Notifier.
func (NopNotifier) Resolved(context.Context, string) {}

// ImageURLFunc maps an asset to a viewable image URL for reviewers.
type ImageURLFunc func(ctx context.Context, asset *model.CardAsset) string

// NotionNotifier mirrors the review queue into a Notion database.
type NotionNotifier struct {
	client   notion.Client
	dbID     string
	imageURL ImageURLFunc
}

// NewNotionNotifier creates a notifier writing to database dbID. imageURL
// may be nil.
func NewNotionNotifier(client notion.Client, dbID string, imageURL ImageURLFunc) *NotionNotifier {
	return &NotionNotifier{client: client, dbID: dbID, imageURL: imageURL}
}

// Flagged creates or reopens the asset's review page.
func (n *NotionNotifier) Flagged(ctx context.Context, asset *model.CardAsset) {
	if asset == nil || asset.Review == nil {
		return
	}
	item := notion.ReviewItem{
		Identity:   asset.Identity,
		Stage:      string(asset.Review.Stage),
		Kind:       string(asset.Review.Kind),
		Reason:     asset.Review.Reason,
		Confidence: asset.Confidence,
		FlaggedAt:  asset.Review.FlaggedAt,
	}
	if n.imageURL != nil {
		item.ImageURL = n.imageURL(ctx, asset)
	}
	if err := notion.UpsertReview(ctx, n.client, n.dbID, item); err != nil {
		zap.L().Warn("pipeline: notion review mirror failed", zap.String("identity", asset.Identity),
			zap.Bool("transient", resilience.IsTransient(err)), zap.Error(err))
	}
}

// Resolved marks the asset's review page resolved.
func (n *NotionNotifier) Resolved(ctx context.Context, identity string) {
	if err := notion.ResolveReview(ctx, n.client, n.dbID, identity); err != nil {
		zap.L().Warn("pipeline: notion review resolve failed", zap.String("identity", identity),
			zap.Bool("transient", resilience.IsTransient(err)), zap.Error(err))
	}
}

// Sync resolves open Notion pages whose asset is no longer under review and
// returns how many it closed.
func (n *NotionNotifier) Sync(ctx context.Context, underReview map[string]bool) (int, error) {
	pages, err := notion.QueryByStatus(ctx, n.client, n.dbID, notion.StatusOpen)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, page := range pages {
		id := notion.IdentityOf(page)
		if id == "" || underReview[id] {
			continue
		}
		if err := notion.ResolveReview(ctx, n.client, n.dbID, id); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}
