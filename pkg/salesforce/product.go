package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

const productObject = "Product2"

// Product2 is the standard Salesforce product record.
type Product2 struct {
	ID          string `json:"Id" salesforce:"Id"`
	Name        string `json:"Name" salesforce:"Name"`
	ProductCode string `json:"ProductCode" salesforce:"ProductCode"`
	Description string `json:"Description" salesforce:"Description"`
	Family      string `json:"Family" salesforce:"Family"`
	IsActive    bool   `json:"IsActive" salesforce:"IsActive"`
}

var product2Fields = []string{"Id", "Name", "ProductCode", "Description", "Family", "IsActive"}

// FindProductByCode returns the Product2 with the given ProductCode, or nil.
func FindProductByCode(ctx context.Context, c Client, code string) (*Product2, error) {
	if code == "" {
		return nil, eris.New("salesforce: product code is required")
	}
	soql := fmt.Sprintf(
		"SELECT %s FROM " + productObject + " WHERE ProductCode = '%s' LIMIT 1",
		strings.Join(product2Fields, ", "),
		escapeSoql(code),
	)

	var products []Product2
	if err := c.Query(ctx, soql, &products); err != nil {
		return nil, eris.Wrapf(err, "find product %s", code)
	}
	if len(products) == 0 {
		return nil, nil
	}
	return &products[0], nil
}

// UpsertProduct updates the Product2 matching fields["ProductCode"] or
// creates one. It returns the record ID and whether it was created.
func UpsertProduct(ctx context.Context, c Client, fields map[string]any) (string, bool, error) {
	code, _ := fields["ProductCode"].(string)
	if name, _ := fields["Name"].(string); name == "" {
		return "", false, eris.New("salesforce: product Name is required")
	}

	existing, err := FindProductByCode(ctx, c, code)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		if err := c.UpdateOne(ctx, productObject, existing.ID, fields); err != nil {
			return "", false, eris.Wrapf(err, "update product %s", code)
		}
		return existing.ID, false, nil
	}

	id, err := c.InsertOne(ctx, productObject, fields)
	if err != nil {
		return "", false, eris.Wrapf(err, "create product %s", code)
	}
	return id, true, nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
