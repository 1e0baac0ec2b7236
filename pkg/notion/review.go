package notion

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Review database property names.
const (
	PropIdentity   = "Identity"
	PropStatus     = "Status"
	PropStage      = "Stage"
	PropKind       = "Kind"
	PropReason     = "Reason"
	PropConfidence = "Confidence"
	PropImage      = "Image"
	PropFlagged    = "Flagged"
)

// Review statuses.
const (
	StatusOpen     = "Open"
	StatusResolved = "Resolved"
)

// ReviewItem is one flagged asset as mirrored into Notion.
type ReviewItem struct {
	Identity   string
	Stage      string
	Kind       string
	Reason     string
	Confidence float64
	ImageURL   string
	FlaggedAt  time.Time
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

// ReviewProperties renders item as page properties.
func ReviewProperties(item ReviewItem) notionapi.Properties {
	flagged := notionapi.Date(item.FlaggedAt)
	props := notionapi.Properties{
		PropIdentity: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(item.Identity),
		},
		PropStatus: notionapi.StatusProperty{
			Status: notionapi.Status{Name: StatusOpen},
		},
		PropStage: notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: item.Stage},
		},
		PropKind: notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: item.Kind},
		},
		PropReason: notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(item.Reason),
		},
		PropConfidence: notionapi.NumberProperty{
			Number: item.Confidence,
		},
		PropFlagged: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &flagged},
		},
	}
	if item.ImageURL != "" {
		props[PropImage] = notionapi.URLProperty{
			Type: notionapi.PropertyTypeURL,
			URL:  item.ImageURL,
		}
	}
	return props
}

// findReview returns the page for identity, or nil when none exists.
func findReview(ctx context.Context, c Client, dbID, identity string) (*notionapi.Page, error) {
	resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: PropIdentity,
			RichText: &notionapi.TextFilterCondition{Equals: identity},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: find review %s", identity)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// UpsertReview creates or reopens the review page for item. A reflagged
// asset updates its existing page.
func UpsertReview(ctx context.Context, c Client, dbID string, item ReviewItem) error {
	page, err := findReview(ctx, c, dbID, item.Identity)
	if err != nil {
		return err
	}
	props := ReviewProperties(item)
	if page != nil {
		delete(props, PropIdentity)
		if _, err := c.UpdatePage(ctx, string(page.ID), &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return eris.Wrapf(err, "notion: reopen review %s", item.Identity)
		}
		return nil
	}
	_, err = c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
	})
	if err != nil {
		return eris.Wrapf(err, "notion: create review %s", item.Identity)
	}
	return nil
}

// ResolveReview marks the review page for identity as resolved. A missing
// page is not an error.
func ResolveReview(ctx context.Context, c Client, dbID, identity string) error {
	page, err := findReview(ctx, c, dbID, identity)
	if err != nil || page == nil {
		return err
	}
	_, err = c.UpdatePage(ctx, string(page.ID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			PropStatus: notionapi.StatusProperty{
				Status: notionapi.Status{Name: StatusResolved},
			},
		},
	})
	if err != nil {
		return eris.Wrapf(err, "notion: resolve review %s", identity)
	}
	return nil
}

// IdentityOf reads the Identity title from a review page.
func IdentityOf(page notionapi.Page) string {
	prop, ok := page.Properties[PropIdentity]
	if !ok {
		return ""
	}
	tp, ok := prop.(*notionapi.TitleProperty)
	if !ok {
		return ""
	}
	var s string
	for _, rt := range tp.Title {
		s += rt.PlainText
	}
	return s
}
