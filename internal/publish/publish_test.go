package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/store"
	"github.com/sells-group/listing-pipeline/pkg/ebay"
)

type stubPublisher struct {
	res *Result
	err error
	got []model.ListingFacts
}

func (s *stubPublisher) Publish(_ context.Context, l model.ListingFacts) (*Result, error) {
	s.got = append(s.got, l)
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.res
	return &cp, nil
}

func listing() model.ListingFacts {
	return model.ListingFacts{
		ProductID: "p-1",
		Title:     "Sony WH-1000XM4 Wireless Headphones",
		Price:     199,
		Currency:  "USD",
		Brand:     "Sony",
		Model:     "WH-1000XM4",
		Condition: "Like new",
		Category:  "Electronics",
		ImageURLs: []string{"/media/p-1/a.jpg"},
		Status:    model.ListingStatusDraft,
	}
}

func TestPublish_UnsupportedPlatform(t *testing.T) {
	s := NewService(nil)

	res, err := s.Publish(context.Background(), "Etsy", listing())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Implemented)
	assert.Equal(t, "etsy", res.Platform)
	assert.Contains(t, res.Message, "not implemented")
}

func TestPublish_RequiresPlatform(t *testing.T) {
	_, err := NewService(nil).Publish(context.Background(), " ", listing())
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPublish_RoutesToPublisher(t *testing.T) {
	s := NewService(nil)
	stub := &stubPublisher{res: &Result{ExternalID: "x-1"}}
	s.Register("Notion", stub)

	res, err := s.Publish(context.Background(), "notion", listing())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Implemented)
	assert.Equal(t, "notion", res.Platform)
	assert.Equal(t, "x-1", res.ExternalID)
	assert.Len(t, stub.got, 1)
	assert.Equal(t, []string{"notion"}, s.Platforms())
}

func TestPublish_ProviderErrorKeepsMessage(t *testing.T) {
	s := NewService(nil)
	s.Register("ebay", &stubPublisher{err: errors.New("ebay: status 400: Invalid category.")})

	_, err := s.Publish(context.Background(), "ebay", listing())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindProvider))
	assert.Contains(t, apperr.Message(err), "Invalid category.")
}

func TestPublishProduct_RecordsPublication(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	l := listing()
	require.NoError(t, st.UpsertListing(ctx, l))

	s := NewService(st)
	s.Register("ebay", &stubPublisher{res: &Result{ExternalID: "110553", Permalink: "https://www.ebay.com/itm/110553"}})

	res, err := s.PublishProduct(ctx, "ebay", "p-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "110553", res.ExternalID)

	stored, err := st.GetListing(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.ListingStatusPublished, stored.Status)
	assert.Equal(t, "ebay", stored.Platform)
	assert.Equal(t, "110553", stored.ExternalID)
	assert.Equal(t, "https://www.ebay.com/itm/110553", stored.Permalink)
	assert.NotNil(t, stored.PublishedAt)
}

func TestPublishProduct_NoListing(t *testing.T) {
	s := NewService(store.NewMemory())
	s.Register("ebay", &stubPublisher{res: &Result{}})

	_, err := s.PublishProduct(context.Background(), "ebay", "p-404", nil)
	assert.True(t, apperr.Is(err, apperr.KindMissingUpstreamData))
}

func TestPublishProduct_UnsupportedLeavesListingDraft(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.UpsertListing(ctx, listing()))

	res, err := NewService(st).PublishProduct(ctx, "etsy", "p-1", nil)
	require.NoError(t, err)
	assert.False(t, res.Implemented)

	stored, err := st.GetListing(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusDraft, stored.Status)
}

type mockNotion struct {
	mock.Mock
}

func (m *mockNotion) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotion) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func TestNotionPublisher_CreatesCatalogPage(t *testing.T) {
	mc := new(mockNotion)
	ctx := context.Background()

	mc.On("QueryDatabase", ctx, "db-cat", mock.Anything).Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	mc.On("CreatePage", ctx, mock.MatchedBy(func(req *notionapi.PageCreateRequest) bool {
		title, ok := req.Properties[notionTitle].(notionapi.TitleProperty)
		price, okPrice := req.Properties[notionPrice].(notionapi.NumberProperty)
		return ok && okPrice && title.Title[0].Text.Content == "Sony WH-1000XM4 Wireless Headphones" && price.Number == 199
	})).Return(&notionapi.Page{ID: "page-1", URL: "https://notion.so/page-1"}, nil).Once()

	res, err := NewNotionPublisher(mc, "db-cat").Publish(ctx, listing())
	require.NoError(t, err)
	assert.Equal(t, "page-1", res.ExternalID)
	assert.Equal(t, "https://notion.so/page-1", res.Permalink)
	assert.True(t, res.Created)
	mc.AssertExpectations(t)
}

type fakeSF struct {
	found    bool
	inserted map[string]any
	updated  map[string]any
}

func (f *fakeSF) Query(_ context.Context, _ string, out any) error {
	if !f.found {
		return nil
	}
	b, _ := json.Marshal([]map[string]any{{"Id": "01told", "Name": "Old", "ProductCode": "p-1"}})
	return json.Unmarshal(b, out)
}

func (f *fakeSF) InsertOne(_ context.Context, _ string, record map[string]any) (string, error) {
	f.inserted = record
	return "01tnew", nil
}

func (f *fakeSF) UpdateOne(_ context.Context, _ string, _ string, fields map[string]any) error {
	f.updated = fields
	return nil
}

func TestSalesforcePublisher(t *testing.T) {
	sf := &fakeSF{}
	res, err := NewSalesforcePublisher(sf).Publish(context.Background(), listing())
	require.NoError(t, err)
	assert.Equal(t, "01tnew", res.ExternalID)
	assert.True(t, res.Created)
	assert.Equal(t, "p-1", sf.inserted["ProductCode"])
	assert.Equal(t, "Electronics", sf.inserted["Family"])

	sf = &fakeSF{found: true}
	res, err = NewSalesforcePublisher(sf).Publish(context.Background(), listing())
	require.NoError(t, err)
	assert.Equal(t, "01told", res.ExternalID)
	assert.False(t, res.Created)
	assert.NotNil(t, sf.updated)
}

func TestEbayPublisher(t *testing.T) {
	var offer ebay.Offer
	var item ebay.InventoryItem
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sell/inventory/v1/inventory_item/p-1":
			_ = json.NewDecoder(r.Body).Decode(&item)
			w.WriteHeader(http.StatusNoContent)
		case "/sell/inventory/v1/offer":
			_ = json.NewDecoder(r.Body).Decode(&offer)
			_, _ = w.Write([]byte(`{"offerId":"off-1"}`))
		case "/sell/inventory/v1/offer/off-1/publish":
			_, _ = w.Write([]byte(`{"listingId":"9001"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := config.EbayConfig{MarketplaceID: "EBAY_US", CategoryID: "112529", PaymentPolicyID: "pay-1"}
	p := NewEbayPublisher(ebay.NewClient("tok", ebay.WithBaseURL(srv.URL)), cfg)

	res, err := p.Publish(context.Background(), listing())
	require.NoError(t, err)
	assert.Equal(t, "9001", res.ExternalID)
	assert.Equal(t, "https://www.ebay.com/itm/9001", res.Permalink)

	assert.Equal(t, "USED_EXCELLENT", item.Condition)
	assert.Equal(t, []string{"Sony"}, item.Product.Aspects["Brand"])
	assert.Equal(t, "199.00", offer.PricingSummary.Price.Value)
	assert.Equal(t, "112529", offer.CategoryID)
	assert.Equal(t, "pay-1", offer.ListingPolicies.PaymentPolicyID)
}

func TestEbayPublisher_RequiresPrice(t *testing.T) {
	l := listing()
	l.Price = 0
	_, err := NewEbayPublisher(ebay.NewClient("tok"), config.EbayConfig{}).Publish(context.Background(), l)
	assert.ErrorContains(t, err, "no price")
}

func TestEbayCondition(t *testing.T) {
	cases := map[string]string{
		"Brand New":            "NEW",
		"Like New":             "USED_EXCELLENT",
		"good":                 "USED_GOOD",
		"Fair, some scratches": "USED_ACCEPTABLE",
		"for parts":            "FOR_PARTS_OR_NOT_WORKING",
		"":                     "USED_GOOD",
	}
	for in, want := range cases {
		assert.Equal(t, want, ebayCondition(in), in)
	}
}

func TestFromConfig(t *testing.T) {
	s := NewService(nil)
	FromConfig(s, config.PublishConfig{
		Notion: config.NotionConfig{Token: "secret", DatabaseID: "db"},
		Ebay:   config.EbayConfig{Token: "tok"},
	}, &fakeSF{})
	assert.ElementsMatch(t, []string{"notion", "salesforce", "ebay"}, s.Platforms())

	s = NewService(nil)
	FromConfig(s, config.PublishConfig{}, nil)
	assert.Empty(t, s.Platforms())
}
