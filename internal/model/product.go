// Package model defines the records persisted and exchanged by the listing pipeline.
package model

import (
	"strings"
	"time"
)

// ProductStatus represents the overall state of a product in the pipeline.
type ProductStatus string

const (
	ProductStatusUploaded   ProductStatus = "uploaded"
	ProductStatusProcessing ProductStatus = "processing"
	ProductStatusPaused     ProductStatus = "paused"
	ProductStatusCompleted  ProductStatus = "completed"
	ProductStatusError      ProductStatus = "error"
)

// Valid reports whether s is a known product status.
func (s ProductStatus) Valid() bool {
	switch s {
	case ProductStatusUploaded, ProductStatusProcessing, ProductStatusPaused,
		ProductStatusCompleted, ProductStatusError:
		return true
	}
	return false
}

// CancelledMessage is the error message recorded on a product when its
// pipeline is cancelled.
const CancelledMessage = "cancelled"

// Product is one uploaded item moving through the four stages.
type Product struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Model       string   `json:"model"`
	Brand       string   `json:"brand"`
	Category    string   `json:"category"`
	Year        string   `json:"year"`
	Dimensions  string   `json:"dimensions"`
	KeyFeatures []string `json:"keyFeatures"`

	AmazonPrice      *float64 `json:"amazonPrice,omitempty"`
	EbayPrice        *float64 `json:"ebayPrice,omitempty"`
	MSRP             *float64 `json:"msrp,omitempty"`
	CompetitivePrice *float64 `json:"competitivePrice,omitempty"`

	Status          ProductStatus `json:"status"`
	CurrentStage    Stage         `json:"currentStage"`
	AIConfidence    *float64      `json:"aiConfidence,omitempty"`
	PipelineRunning bool          `json:"pipelineRunning"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Hints are user-supplied identification values sent with an upload.
type Hints struct {
	Name     string `json:"name,omitempty"`
	Model    string `json:"model,omitempty"`
	Brand    string `json:"brand,omitempty"`
	Category string `json:"category,omitempty"`
}

// Empty reports whether no hint was supplied.
func (h Hints) Empty() bool {
	return strings.TrimSpace(h.Name) == "" && strings.TrimSpace(h.Model) == "" &&
		strings.TrimSpace(h.Brand) == "" && strings.TrimSpace(h.Category) == ""
}

// ProductState is a partial update of the state-machine-owned product fields.
// Nil fields are left unchanged.
type ProductState struct {
	Status          *ProductStatus
	CurrentStage    *Stage
	PipelineRunning *bool
	ErrorMessage    *string
}

// ProductDetails is a partial update of descriptive and pricing fields. It is
// written by stage 1 and by human edits; nil fields are left unchanged.
type ProductDetails struct {
	Name             *string   `json:"name,omitempty"`
	Model            *string   `json:"model,omitempty"`
	Brand            *string   `json:"brand,omitempty"`
	Category         *string   `json:"category,omitempty"`
	Year             *string   `json:"year,omitempty"`
	Dimensions       *string   `json:"dimensions,omitempty"`
	KeyFeatures      *[]string `json:"keyFeatures,omitempty"`
	AmazonPrice      *float64  `json:"amazonPrice,omitempty"`
	EbayPrice        *float64  `json:"ebayPrice,omitempty"`
	MSRP             *float64  `json:"msrp,omitempty"`
	CompetitivePrice *float64  `json:"competitivePrice,omitempty"`
	AIConfidence     *float64  `json:"aiConfidence,omitempty"`
}

// Empty reports whether the update carries no field.
func (d ProductDetails) Empty() bool {
	return d.Name == nil && d.Model == nil && d.Brand == nil && d.Category == nil &&
		d.Year == nil && d.Dimensions == nil && d.KeyFeatures == nil &&
		d.AmazonPrice == nil && d.EbayPrice == nil && d.MSRP == nil &&
		d.CompetitivePrice == nil && d.AIConfidence == nil
}

// Apply copies the non-nil fields of d onto p.
func (d ProductDetails) Apply(p *Product) {
	if d.Name != nil {
		p.Name = *d.Name
	}
	if d.Model != nil {
		p.Model = *d.Model
	}
	if d.Brand != nil {
		p.Brand = *d.Brand
	}
	if d.Category != nil {
		p.Category = *d.Category
	}
	if d.Year != nil {
		p.Year = *d.Year
	}
	if d.Dimensions != nil {
		p.Dimensions = *d.Dimensions
	}
	if d.KeyFeatures != nil {
		p.KeyFeatures = append([]string(nil), (*d.KeyFeatures)...)
	}
	if d.AmazonPrice != nil {
		p.AmazonPrice = d.AmazonPrice
	}
	if d.EbayPrice != nil {
		p.EbayPrice = d.EbayPrice
	}
	if d.MSRP != nil {
		p.MSRP = d.MSRP
	}
	if d.CompetitivePrice != nil {
		p.CompetitivePrice = d.CompetitivePrice
	}
	if d.AIConfidence != nil {
		p.AIConfidence = d.AIConfidence
	}
}

// Image is one uploaded photograph of a product.
type Image struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"productId"`
	URL         string    `json:"url"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	IsPrimary   bool      `json:"isPrimary"`
	CreatedAt   time.Time `json:"createdAt"`
}
