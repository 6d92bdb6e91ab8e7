package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/store"
)

const pageSize = 500

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Products updated within the lookback window, by status.
	ProductsTotal int     `json:"products_total"`
	Uploaded      int     `json:"uploaded"`
	Processing    int     `json:"processing"`
	Paused        int     `json:"paused"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	FailRate      float64 `json:"fail_rate"`

	// Stalled counts products marked running whose last update is older
	// than the stall threshold, regardless of the window.
	Stalled    int      `json:"stalled"`
	StalledIDs []string `json:"stalled_ids,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ProductLister abstracts the store query the collector needs.
type ProductLister interface {
	ListProducts(ctx context.Context, filter store.ProductFilter) ([]model.Product, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	products ProductLister
	stall    time.Duration
	now      func() time.Time
}

// NewCollector creates a metrics collector. Running products untouched for
// longer than stall are reported as stalled.
func NewCollector(products ProductLister, stall time.Duration) *Collector {
	if stall <= 0 {
		stall = 30 * time.Minute
	}
	return &Collector{products: products, stall: stall, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	stallCutoff := now.Add(-c.stall)

	for offset := 0; ; offset += pageSize {
		page, err := c.products.ListProducts(ctx, store.ProductFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list products")
		}
		for _, p := range page {
			if p.PipelineRunning && p.UpdatedAt.Before(stallCutoff) {
				snap.Stalled++
				snap.StalledIDs = append(snap.StalledIDs, p.ID)
			}
			if p.UpdatedAt.Before(cutoff) {
				continue
			}
			snap.ProductsTotal++
			switch p.Status {
			case model.ProductStatusUploaded:
				snap.Uploaded++
			case model.ProductStatusProcessing:
				snap.Processing++
			case model.ProductStatusPaused:
				snap.Paused++
			case model.ProductStatusCompleted:
				snap.Completed++
			case model.ProductStatusError:
				snap.Failed++
			}
		}
		if len(page) < pageSize {
			break
		}
	}

	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	return snap, nil
}
