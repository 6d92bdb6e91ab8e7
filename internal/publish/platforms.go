package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/pkg/ebay"
	"github.com/sells-group/listing-pipeline/pkg/notion"
	"github.com/sells-group/listing-pipeline/pkg/salesforce"
)

// Notion property names in the catalog database.
const (
	notionTitle     = "Name"
	notionProductID = "Product ID"
	notionPrice     = "Price"
	notionBrand     = "Brand"
	notionCategory  = "Category"
	notionStatus    = "Status"
	notionImage     = "Image"
)

// NotionPublisher writes one catalog page per product.
type NotionPublisher struct {
	client     notion.Client
	databaseID string
}

// NewNotionPublisher creates a NotionPublisher for databaseID.
func NewNotionPublisher(c notion.Client, databaseID string) *NotionPublisher {
	return &NotionPublisher{client: c, databaseID: databaseID}
}

// Publish implements Publisher.
func (p *NotionPublisher) Publish(ctx context.Context, l model.ListingFacts) (*Result, error) {
	props := notionapi.Properties{
		notionTitle:     notionapi.TitleProperty{Title: richText(l.Title)},
		notionProductID: notionapi.RichTextProperty{RichText: richText(l.ProductID)},
		notionPrice:     notionapi.NumberProperty{Number: l.Price},
		notionStatus:    notionapi.SelectProperty{Select: notionapi.Option{Name: "Listed"}},
	}
	if l.Brand != "" {
		props[notionBrand] = notionapi.RichTextProperty{RichText: richText(l.Brand)}
	}
	if l.Category != "" {
		props[notionCategory] = notionapi.SelectProperty{Select: notionapi.Option{Name: l.Category}}
	}
	if len(l.ImageURLs) > 0 {
		props[notionImage] = notionapi.URLProperty{URL: l.ImageURLs[0]}
	}

	page, created, err := notion.UpsertPage(ctx, p.client, p.databaseID, notionProductID, l.ProductID, props)
	if err != nil {
		return nil, eris.Wrap(err, "notion: upsert catalog page")
	}
	return &Result{ExternalID: string(page.ID), Permalink: page.URL, Created: created}, nil
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

// SalesforcePublisher upserts a Product2 record keyed by product ID.
type SalesforcePublisher struct {
	client salesforce.Client
}

// NewSalesforcePublisher creates a SalesforcePublisher.
func NewSalesforcePublisher(c salesforce.Client) *SalesforcePublisher {
	return &SalesforcePublisher{client: c}
}

// Publish implements Publisher.
func (p *SalesforcePublisher) Publish(ctx context.Context, l model.ListingFacts) (*Result, error) {
	fields := map[string]any{
		"Name":        truncate(l.Title, 255),
		"ProductCode": l.ProductID,
		"Description": truncate(l.Description, 4000),
		"IsActive":    true,
	}
	if l.Category != "" {
		fields["Family"] = l.Category
	}
	id, created, err := salesforce.UpsertProduct(ctx, p.client, fields)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalID: id, Created: created}, nil
}

// EbayPublisher lists items through the Sell Inventory API.
type EbayPublisher struct {
	client ebay.Client
	cfg    config.EbayConfig
}

// NewEbayPublisher creates an EbayPublisher using cfg's policies and location.
func NewEbayPublisher(c ebay.Client, cfg config.EbayConfig) *EbayPublisher {
	return &EbayPublisher{client: c, cfg: cfg}
}

// Publish implements Publisher.
func (p *EbayPublisher) Publish(ctx context.Context, l model.ListingFacts) (*Result, error) {
	if l.Price <= 0 {
		return nil, eris.New("ebay: listing has no price")
	}
	sku := l.ProductID
	aspects := map[string][]string{}
	if l.Brand != "" {
		aspects["Brand"] = []string{l.Brand}
	}
	if l.Model != "" {
		aspects["Model"] = []string{l.Model}
	}

	err := p.client.PutInventoryItem(ctx, sku, ebay.InventoryItem{
		Condition: ebayCondition(l.Condition),
		Product: ebay.Product{
			Title:       truncate(l.Title, 80),
			Description: l.Description,
			Brand:       l.Brand,
			MPN:         l.Model,
			ImageURLs:   l.ImageURLs,
			Aspects:     aspects,
		},
		Availability: ebay.Availability{ShipToLocationAvailability: ebay.Quantity{Quantity: 1}},
	})
	if err != nil {
		return nil, err
	}

	currency := l.Currency
	if currency == "" {
		currency = "USD"
	}
	offerID, err := p.client.CreateOffer(ctx, ebay.Offer{
		SKU:                 sku,
		MarketplaceID:       p.cfg.MarketplaceID,
		AvailableQuantity:   1,
		CategoryID:          p.cfg.CategoryID,
		ListingDescription:  l.Description,
		MerchantLocationKey: p.cfg.MerchantLocationKey,
		ListingPolicies: ebay.Policies{
			FulfillmentPolicyID: p.cfg.FulfillmentPolicyID,
			PaymentPolicyID:     p.cfg.PaymentPolicyID,
			ReturnPolicyID:      p.cfg.ReturnPolicyID,
		},
		PricingSummary: ebay.PricingSummary{Price: ebay.Amount{
			Value:    fmt.Sprintf("%.2f", l.Price),
			Currency: currency,
		}},
	})
	if err != nil {
		return nil, err
	}

	listingID, err := p.client.PublishOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	return &Result{ExternalID: listingID, Permalink: ebay.Permalink(listingID), Created: true}, nil
}

// ebayCondition maps a free-text condition onto eBay's condition enum.
func ebayCondition(condition string) string {
	c := strings.ToLower(condition)
	switch {
	case strings.Contains(c, "like new"), strings.Contains(c, "excellent"), strings.Contains(c, "mint"):
		return "USED_EXCELLENT"
	case strings.Contains(c, "new"):
		return "NEW"
	case strings.Contains(c, "part"), strings.Contains(c, "not working"):
		return "FOR_PARTS_OR_NOT_WORKING"
	case strings.Contains(c, "fair"), strings.Contains(c, "acceptable"), strings.Contains(c, "poor"):
		return "USED_ACCEPTABLE"
	default:
		return "USED_GOOD"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// FromConfig registers a publisher for every platform with credentials in
// cfg. sf is nil when Salesforce is not configured.
func FromConfig(s *Service, cfg config.PublishConfig, sf salesforce.Client) {
	if cfg.Notion.Token != "" && cfg.Notion.DatabaseID != "" {
		s.Register("notion", NewNotionPublisher(notion.NewClient(cfg.Notion.Token), cfg.Notion.DatabaseID))
	}
	if sf != nil {
		s.Register("salesforce", NewSalesforcePublisher(sf))
	}
	if cfg.Ebay.Token != "" {
		s.Register("ebay", NewEbayPublisher(
			ebay.NewClient(cfg.Ebay.Token, ebay.WithBaseURL(cfg.Ebay.BaseURL), ebay.WithMarketplace(cfg.Ebay.MarketplaceID)),
			cfg.Ebay,
		))
	}
}
