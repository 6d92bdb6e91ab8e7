// Package export writes the product catalog as an XLSX workbook.
package export

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/reconcile"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// SheetName is the catalog worksheet.
const SheetName = "Catalog"

const pageSize = 200

// Columns is the catalog header row.
var Columns = []string{
	"ID", "Name", "Brand", "Model", "Category", "Year", "Dimensions",
	"Status", "Current Stage", "Completion %",
	"Amazon Price", "eBay Price", "MSRP", "Competitive Price", "Currency",
	"SEO Title", "Slug", "Key Features", "Primary Image", "Updated",
}

// Lister pages through products.
type Lister interface {
	ListProducts(ctx context.Context, filter store.ProductFilter) ([]model.Product, error)
}

// Merger builds the merged view of one product.
type Merger interface {
	Merge(ctx context.Context, id string) (*reconcile.MergedView, error)
}

// Catalog exports merged product views.
type Catalog struct {
	products Lister
	merger   Merger
}

// New creates a Catalog.
func New(products Lister, merger Merger) *Catalog {
	return &Catalog{products: products, merger: merger}
}

// Write exports every product matching status (all when empty) to w and
// returns the number of rows written. A product that cannot be merged is
// skipped and logged.
func (c *Catalog) Write(ctx context.Context, w io.Writer, status model.ProductStatus) (int, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return 0, eris.Wrap(err, "export: add sheet")
	}
	header := sheet.AddRow()
	for _, col := range Columns {
		header.AddCell().SetString(col)
	}

	rows := 0
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return rows, eris.Wrap(err, "export: cancelled")
		}
		page, err := c.products.ListProducts(ctx, store.ProductFilter{Status: status, Limit: pageSize, Offset: offset})
		if err != nil {
			return rows, eris.Wrap(err, "export: list products")
		}
		for _, p := range page {
			v, err := c.merger.Merge(ctx, p.ID)
			if err != nil {
				zap.L().Warn("export: skipping product", zap.String("product_id", p.ID), zap.Error(err))
				continue
			}
			writeRow(sheet.AddRow(), v)
			rows++
		}
		if len(page) < pageSize {
			break
		}
	}

	if err := f.Write(w); err != nil {
		return rows, eris.Wrap(err, "export: write workbook")
	}
	zap.L().Info("export: catalog written", zap.Int("rows", rows))
	return rows, nil
}

func writeRow(row *xlsx.Row, v *reconcile.MergedView) {
	str := func(s string) { row.AddCell().SetString(s) }
	num := func(f float64) { row.AddCell().SetFloat(f) }

	str(v.ID)
	str(v.Name)
	str(v.Brand)
	str(v.Model)
	str(v.Category)
	str(v.Year)
	str(v.Dimensions)
	str(string(v.Status))
	row.AddCell().SetInt(int(v.CurrentStage))
	row.AddCell().SetInt(v.Summary.CompletionPercentage)
	num(v.Pricing.AmazonPrice)
	num(v.Pricing.EbayPrice)
	num(v.Pricing.MSRP)
	num(v.Pricing.CompetitivePrice)
	str(v.Pricing.Currency)
	str(v.SEO.Title)
	str(v.SEO.Slug)
	str(strings.Join(v.KeyFeatures, "; "))
	str(primaryImage(v.Images))
	str(v.UpdatedAt.UTC().Format(time.RFC3339))
}

func primaryImage(images []model.Image) string {
	for _, img := range images {
		if img.IsPrimary {
			return img.URL
		}
	}
	if len(images) > 0 {
		return images[0].URL
	}
	return ""
}

// ReadRows returns every row of the catalog sheet in path as strings.
func ReadRows(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open file")
	}
	sheet, ok := f.Sheet[SheetName]
	if !ok {
		return nil, eris.Errorf("export: sheet %q not found", SheetName)
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
