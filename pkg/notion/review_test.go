package notion

import (
	"context"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testItem() ReviewItem {
	return ReviewItem{
		Identity:   "1234_0001",
		Stage:      "route",
		Kind:       "validation",
		Reason:     "confidence 0.600 below threshold 0.800",
		Confidence: 0.6,
		ImageURL:   "https://img.example.com/1234_0001_F.jpg",
		FlaggedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func identityFilter(id string) interface{} {
	return mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Property == PropIdentity && pf.RichText != nil && pf.RichText.Equals == id
	})
}

func TestReviewProperties(t *testing.T) {
	t.Parallel()

	props := ReviewProperties(testItem())
	title, ok := props[PropIdentity].(notionapi.TitleProperty)
	require.True(t, ok)
	assert.Equal(t, "1234_0001", title.Title[0].Text.Content)
	assert.Equal(t, StatusOpen, props[PropStatus].(notionapi.StatusProperty).Status.Name)
	assert.Equal(t, "route", props[PropStage].(notionapi.SelectProperty).Select.Name)
	assert.InDelta(t, 0.6, props[PropConfidence].(notionapi.NumberProperty).Number, 1e-9)
	assert.Equal(t, "https://img.example.com/1234_0001_F.jpg", props[PropImage].(notionapi.URLProperty).URL)

	item := testItem()
	item.ImageURL = ""
	_, hasImage := ReviewProperties(item)[PropImage]
	assert.False(t, hasImage)
}

func TestUpsertReview_Creates(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db", identityFilter("1234_0001")).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		_, hasTitle := req.Properties[PropIdentity]
		return req.Parent.DatabaseID == "db" && hasTitle
	})).Return(&notionapi.Page{ID: "p1"}, nil).Once()

	require.NoError(t, UpsertReview(ctx, mc, "db", testItem()))
	mc.AssertExpectations(t)
}

func TestUpsertReview_Reopens(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db", identityFilter("1234_0001")).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "p1"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "p1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		_, hasTitle := req.Properties[PropIdentity]
		st, ok := req.Properties[PropStatus].(notionapi.StatusProperty)
		return !hasTitle && ok && st.Status.Name == StatusOpen
	})).Return(&notionapi.Page{ID: "p1"}, nil).Once()

	require.NoError(t, UpsertReview(ctx, mc, "db", testItem()))
	mc.AssertExpectations(t)
}

func TestUpsertReview_Errors(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db", mock.Anything).Return(nil, assert.AnError).Once()
	err := UpsertReview(ctx, mc, "db", testItem())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find review 1234_0001")

	mc.On("QueryDatabase", ctx, "db", mock.Anything).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.Anything).Return(nil, assert.AnError).Once()
	err = UpsertReview(ctx, mc, "db", testItem())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create review 1234_0001")
	mc.AssertExpectations(t)
}

func TestResolveReview(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db", identityFilter("1234_0001")).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "p1"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "p1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		st, ok := req.Properties[PropStatus].(notionapi.StatusProperty)
		return ok && st.Status.Name == StatusResolved && len(req.Properties) == 1
	})).Return(&notionapi.Page{ID: "p1"}, nil).Once()

	require.NoError(t, ResolveReview(ctx, mc, "db", "1234_0001"))
	mc.AssertExpectations(t)
}

func TestResolveReview_MissingPage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db", identityFilter("9999_0001")).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()

	require.NoError(t, ResolveReview(ctx, mc, "db", "9999_0001"))
	mc.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestIdentityOf(t *testing.T) {
	t.Parallel()

	page := notionapi.Page{Properties: notionapi.Properties{
		PropIdentity: &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: "1234_"}, {PlainText: "0001"}}},
	}}
	assert.Equal(t, "1234_0001", IdentityOf(page))
	assert.Empty(t, IdentityOf(notionapi.Page{}))
}
