// Package ebay is a minimal client for the eBay Sell Inventory API: create
// an inventory item, attach an offer, and publish it.
package ebay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/listing-pipeline/internal/resilience"
)

const (
	defaultBaseURL       = "https://api.ebay.com"
	defaultMarketplaceID = "EBAY_US"
	inventoryPath        = "/sell/inventory/v1"
)

// Client publishes fixed-price listings.
type Client interface {
	PutInventoryItem(ctx context.Context, sku string, item InventoryItem) error
	CreateOffer(ctx context.Context, offer Offer) (string, error)
	PublishOffer(ctx context.Context, offerID string) (string, error)
}

// InventoryItem is the body of PUT /inventory_item/{sku}.
type InventoryItem struct {
	Condition    string       `json:"condition"`
	Product      Product      `json:"product"`
	Availability Availability `json:"availability"`
}

// Product describes the item being sold.
type Product struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Brand       string              `json:"brand,omitempty"`
	MPN         string              `json:"mpn,omitempty"`
	ImageURLs   []string            `json:"imageUrls,omitempty"`
	Aspects     map[string][]string `json:"aspects,omitempty"`
}

// Availability holds stock levels.
type Availability struct {
	ShipToLocationAvailability Quantity `json:"shipToLocationAvailability"`
}

// Quantity is an available unit count.
type Quantity struct {
	Quantity int `json:"quantity"`
}

// Offer is the body of POST /offer.
type Offer struct {
	SKU                 string         `json:"sku"`
	MarketplaceID       string         `json:"marketplaceId"`
	Format              string         `json:"format"`
	AvailableQuantity   int            `json:"availableQuantity"`
	CategoryID          string         `json:"categoryId,omitempty"`
	ListingDescription  string         `json:"listingDescription,omitempty"`
	MerchantLocationKey string         `json:"merchantLocationKey,omitempty"`
	ListingPolicies     Policies       `json:"listingPolicies"`
	PricingSummary      PricingSummary `json:"pricingSummary"`
}

// Policies references the seller's business policies.
type Policies struct {
	FulfillmentPolicyID string `json:"fulfillmentPolicyId,omitempty"`
	PaymentPolicyID     string `json:"paymentPolicyId,omitempty"`
	ReturnPolicyID      string `json:"returnPolicyId,omitempty"`
}

// PricingSummary carries the listing price.
type PricingSummary struct {
	Price Amount `json:"price"`
}

// Amount is a decimal string and a currency code.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// apiError is eBay's error envelope.
type apiError struct {
	Errors []struct {
		ErrorID     int    `json:"errorId"`
		Message     string `json:"message"`
		LongMessage string `json:"longMessage"`
	} `json:"errors"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API host.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithMarketplace sets the default marketplace for offers.
func WithMarketplace(id string) Option {
	return func(c *httpClient) {
		if id != "" {
			c.marketplaceID = id
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit throttles requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

type httpClient struct {
	token         string
	baseURL       string
	marketplaceID string
	http          *http.Client
	limiter       *rate.Limiter
}

// NewClient creates an eBay client authenticated with an OAuth user token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:         token,
		baseURL:       defaultBaseURL,
		marketplaceID: defaultMarketplaceID,
		http:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) PutInventoryItem(ctx context.Context, sku string, item InventoryItem) error {
	if sku == "" {
		return eris.New("ebay: sku is required")
	}
	_, err := c.do(ctx, http.MethodPut, "/inventory_item/"+url.PathEscape(sku), item)
	return err
}

func (c *httpClient) CreateOffer(ctx context.Context, offer Offer) (string, error) {
	if offer.MarketplaceID == "" {
		offer.MarketplaceID = c.marketplaceID
	}
	if offer.Format == "" {
		offer.Format = "FIXED_PRICE"
	}
	body, err := c.do(ctx, http.MethodPost, "/offer", offer)
	if err != nil {
		return "", err
	}
	var out struct {
		OfferID string `json:"offerId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", eris.Wrap(err, "ebay: decode offer")
	}
	if out.OfferID == "" {
		return "", eris.New("ebay: offer response has no offerId")
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
		return "", eris.Wrap(err, "ebay: decode publish")
	}
	return out.ListingID, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ebay: rate limit wait")
		}
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrap(err, "ebay: marshal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+inventoryPath+path, body)
	if err != nil {
		return nil, eris.Wrap(err, "ebay: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Language", "en-US")
	req.Header.Set("X-EBAY-C-MARKETPLACE-ID", c.marketplaceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ebay: send request"), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ebay: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resilience.StatusError("ebay", resp.StatusCode, errorText(respBody))
	}
	return respBody, nil
}

// errorText prefers eBay's structured message over the raw body.
func errorText(body []byte) string {
	var e apiError
	if json.Unmarshal(body, &e) == nil && len(e.Errors) > 0 {
		msgs := make([]string, 0, len(e.Errors))
		for _, x := range e.Errors {
			msg := x.LongMessage
			if msg == "" {
				msg = x.Message
			}
			msgs = append(msgs, msg)
		}
		return strings.Join(msgs, "; ")
	}
	return string(body)
}

// Permalink returns the public item page for a listing ID.
func Permalink(listingID string) string {
	if listingID == "" {
		return ""
	}
	return "https://www.ebay.com/itm/" + listingID
}
