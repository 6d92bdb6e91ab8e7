package ebay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/resilience"
)

func TestPublishFlow(t *testing.T) {
	var item InventoryItem
	var offer Offer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "en-US", r.Header.Get("Content-Language"))
		assert.Equal(t, "EBAY_GB", r.Header.Get("X-EBAY-C-MARKETPLACE-ID"))

		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/sell/inventory/v1/inventory_item/p-1":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&item))
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/sell/inventory/v1/offer":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&offer))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"offerId":"off-9"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/sell/inventory/v1/offer/off-9/publish":
			_, _ = w.Write([]byte(`{"listingId":"110553"}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL), WithMarketplace("EBAY_GB"))
	ctx := context.Background()

	require.NoError(t, c.PutInventoryItem(ctx, "p-1", InventoryItem{
		Condition:    "USED_EXCELLENT",
		Product:      Product{Title: "Sony WH-1000XM4", Brand: "Sony"},
		Availability: Availability{ShipToLocationAvailability: Quantity{Quantity: 1}},
	}))
	assert.Equal(t, "Sony WH-1000XM4", item.Product.Title)

	offerID, err := c.CreateOffer(ctx, Offer{
		SKU:               "p-1",
		AvailableQuantity: 1,
		PricingSummary:    PricingSummary{Price: Amount{Value: "199.00", Currency: "GBP"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "off-9", offerID)
	assert.Equal(t, "EBAY_GB", offer.MarketplaceID)
	assert.Equal(t, "FIXED_PRICE", offer.Format)

	listingID, err := c.PublishOffer(ctx, offerID)
	require.NoError(t, err)
	assert.Equal(t, "110553", listingID)
	assert.Equal(t, "https://www.ebay.com/itm/110553", Permalink(listingID))
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"errorId":25002,"message":"short","longMessage":"A user error has occurred. Invalid category."}]}`))
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).CreateOffer(context.Background(), Offer{SKU: "p-1"})
	require.Error(t, err)
	assert.Equal(t, "ebay: status 400: A user error has occurred. Invalid category.", err.Error())
	assert.False(t, resilience.IsTransient(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClient("tok", WithBaseURL(srv.URL)).PutInventoryItem(context.Background(), "p-1", InventoryItem{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestValidation(t *testing.T) {
	c := NewClient("tok")
	assert.Error(t, c.PutInventoryItem(context.Background(), "", InventoryItem{}))
	assert.Empty(t, Permalink(""))
}

func TestMissingOfferID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).CreateOffer(context.Background(), Offer{SKU: "p-1"})
	assert.ErrorContains(t, err, "no offerId")
}
