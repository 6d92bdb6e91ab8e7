package notion

import (
	"context"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQueryAll_MultiPage(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == ""
	})).Return(&notionapi.DatabaseQueryResponse{
		Results:    []notionapi.Page{{ID: "p1"}},
		HasMore:    true,
		NextCursor: notionapi.Cursor("cursor-abc"),
	}, nil).Once()

	mc.On("QueryDatabase", ctx, "db-1", mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		return req.StartCursor == notionapi.Cursor("cursor-abc")
	})).Return(&notionapi.DatabaseQueryResponse{
		Results: []notionapi.Page{{ID: "p2"}},
	}, nil).Once()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, notionapi.ObjectID("p1"), pages[0].ID)
	assert.Equal(t, notionapi.ObjectID("p2"), pages[1].ID)
	mc.AssertExpectations(t)
}

func TestQueryAll_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", mock.AnythingOfType("*notionapi.DatabaseQueryRequest")).
		Return(nil, assert.AnError).Once()

	pages, err := QueryAll(ctx, mc, "db-1", nil)
	assert.Error(t, err)
	assert.Nil(t, pages)
}

func productFilter(id string) any {
	return mock.MatchedBy(func(req *notionapi.DatabaseQueryRequest) bool {
		pf, ok := req.Filter.(notionapi.PropertyFilter)
		return ok && pf.Property == "Product ID" && pf.RichText != nil && pf.RichText.Equals == id
	})
}

func TestUpsertPage_Creates(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", productFilter("p-1")).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		return req.Parent.DatabaseID == "db-1" && req.Properties["Name"] != nil
	})).Return(&notionapi.Page{ID: "page-new", URL: "https://notion.so/page-new"}, nil).Once()

	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{Title: []notionapi.RichText{{Text: &notionapi.Text{Content: "Camera"}}}},
	}
	page, created, err := UpsertPage(ctx, mc, "db-1", "Product ID", "p-1", props)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, notionapi.ObjectID("page-new"), page.ID)
	mc.AssertExpectations(t)
}

func TestUpsertPage_UpdatesExisting(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", productFilter("p-1")).
		Return(&notionapi.DatabaseQueryResponse{Results: []notionapi.Page{{ID: "page-old"}}}, nil).Once()
	mc.On("UpdatePage", ctx, "page-old", mock.AnythingOfType("*notionapi.PageUpdateRequest")).
		Return(&notionapi.Page{ID: "page-old"}, nil).Once()

	page, created, err := UpsertPage(ctx, mc, "db-1", "Product ID", "p-1", notionapi.Properties{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, notionapi.ObjectID("page-old"), page.ID)
	mc.AssertExpectations(t)
}

func TestFindByText_Error(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-1", productFilter("p-9")).Return(nil, assert.AnError).Once()

	page, err := FindByText(ctx, mc, "db-1", "Product ID", "p-9")
	require.Error(t, err)
	assert.Nil(t, page)
	assert.Contains(t, err.Error(), "notion: find Product ID=p-9")
}
