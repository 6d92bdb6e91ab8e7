package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
)

type phaseKey struct {
	productID string
	stage     model.Stage
}

// MemoryStore is an in-process Store. It backs the "memory" driver and the
// package tests of the pipeline core.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	products map[string]*model.Product
	images   map[string][]model.Image
	phases   map[phaseKey]*model.PipelinePhase
	logs     []model.PipelineLog
	analysis map[string]model.AnalysisFacts
	market   map[string]model.MarketFacts
	seo      map[string]model.SEOFacts
	listing  map[string]model.ListingFacts
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		products: make(map[string]*model.Product),
		images:   make(map[string][]model.Image),
		phases:   make(map[phaseKey]*model.PipelinePhase),
		analysis: make(map[string]model.AnalysisFacts),
		market:   make(map[string]model.MarketFacts),
		seo:      make(map[string]model.SEOFacts),
		listing:  make(map[string]model.ListingFacts),
	}
}

func (m *MemoryStore) CreateProduct(_ context.Context, p *model.Product, images []model.Image) error {
	if p == nil {
		return apperr.Validation("product is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := m.products[p.ID]; ok {
		return apperr.Store(nil, "memory: product %s already exists", p.ID)
	}
	if p.Status == "" {
		p.Status = model.ProductStatusUploaded
	}
	if p.CurrentStage == 0 {
		p.CurrentStage = model.FirstStage
	}
	p.CreatedAt, p.UpdatedAt = now, now

	cp := copyProduct(*p)
	m.products[p.ID] = &cp
	for _, ph := range model.NewPhases(p.ID, now) {
		ph := ph
		m.phases[phaseKey{p.ID, ph.Stage}] = &ph
	}
	m.addImagesLocked(p.ID, images, now)
	return nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	cp := copyProduct(*p)
	return &cp, nil
}

func (m *MemoryStore) UpdateProductState(_ context.Context, id string, state model.ProductState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return apperr.NotFound("product %s not found", id)
	}
	if state.Status != nil {
		p.Status = *state.Status
	}
	if state.CurrentStage != nil {
		p.CurrentStage = *state.CurrentStage
	}
	if state.PipelineRunning != nil {
		p.PipelineRunning = *state.PipelineRunning
	}
	if state.ErrorMessage != nil {
		p.ErrorMessage = *state.ErrorMessage
	}
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) UpdateProductDetails(_ context.Context, id string, d model.ProductDetails) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return apperr.NotFound("product %s not found", id)
	}
	d.Apply(p)
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListProducts(_ context.Context, filter ProductFilter) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Product
	for _, p := range m.products {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, copyProduct(*p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Offset, limitOrDefault(filter.Limit)), nil
}

func (m *MemoryStore) AddImages(_ context.Context, productID string, images []model.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return apperr.NotFound("product %s not found", productID)
	}
	m.addImagesLocked(productID, images, m.now())
	return nil
}

func (m *MemoryStore) addImagesLocked(productID string, images []model.Image, now time.Time) {
	for i := range images {
		img := &images[i]
		if img.ID == "" {
			img.ID = uuid.New().String()
		}
		img.ProductID = productID
		img.CreatedAt = now
		m.images[productID] = append(m.images[productID], *img)
	}
}

func (m *MemoryStore) ListImages(_ context.Context, productID string) ([]model.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.Image(nil), m.images[productID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) GetPhase(_ context.Context, productID string, stage model.Stage) (*model.PipelinePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph, ok := m.phases[phaseKey{productID, stage}]
	if !ok {
		return nil, nil
	}
	cp := *ph
	return &cp, nil
}

func (m *MemoryStore) ListPhases(_ context.Context, productID string) ([]model.PipelinePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PipelinePhase
	for _, s := range model.Stages {
		if ph, ok := m.phases[phaseKey{productID, s}]; ok {
			out = append(out, *ph)
		}
	}
	return out, nil
}

func (m *MemoryStore) StartPhase(_ context.Context, productID string, stage model.Stage, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ph, ok := m.phases[phaseKey{productID, stage}]
	if !ok || ph.Status != model.PhaseStatusPending {
		return false, nil
	}
	if !ph.CanStart && stage != model.FirstStage {
		return false, nil
	}
	if m.runningLocked(productID) {
		return false, nil
	}
	now = now.UTC()
	ph.Status = model.PhaseStatusRunning
	ph.Progress = 0
	ph.StartedAt = &now
	ph.ErrorMessage = ""
	ph.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) UpdatePhase(_ context.Context, productID string, stage model.Stage, u model.PhaseUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ph, ok := m.phases[phaseKey{productID, stage}]
	if !ok || !u.Matches(ph.Status) {
		return false, nil
	}
	u.Apply(ph, m.now())
	return true, nil
}

func (m *MemoryStore) ListSchedulable(_ context.Context, limit int) ([]model.PhaseRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*model.PipelinePhase
	for _, ph := range m.phases {
		if ph.Status != model.PhaseStatusPending || !ph.CanStart {
			continue
		}
		p, ok := m.products[ph.ProductID]
		if !ok || p.Status != model.ProductStatusProcessing || m.runningLocked(ph.ProductID) {
			continue
		}
		candidates = append(candidates, ph)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })

	refs := make([]model.PhaseRef, 0, len(candidates))
	for _, ph := range candidates {
		refs = append(refs, model.PhaseRef{ProductID: ph.ProductID, Stage: ph.Stage})
	}
	return page(refs, 0, limitOrDefault(limit)), nil
}

func (m *MemoryStore) runningLocked(productID string) bool {
	for _, s := range model.Stages {
		if ph, ok := m.phases[phaseKey{productID, s}]; ok && ph.Status == model.PhaseStatusRunning {
			return true
		}
	}
	return false
}

func (m *MemoryStore) AppendLog(_ context.Context, entry model.PipelineLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, productID string, limit int) ([]model.PipelineLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PipelineLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].ProductID == productID {
			out = append(out, m.logs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, 0, limitOrDefault(limit)), nil
}

func (m *MemoryStore) DeleteLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var n int64
	for _, l := range m.logs {
		if l.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}

func (m *MemoryStore) UpsertAnalysis(_ context.Context, facts model.AnalysisFacts) error {
	return upsertMem(&m.mu, m.analysis, facts.ProductID, facts)
}

func (m *MemoryStore) GetAnalysis(_ context.Context, productID string) (*model.AnalysisFacts, error) {
	return getMem(&m.mu, m.analysis, productID), nil
}

func (m *MemoryStore) UpsertMarket(_ context.Context, facts model.MarketFacts) error {
	return upsertMem(&m.mu, m.market, facts.ProductID, facts)
}

func (m *MemoryStore) GetMarket(_ context.Context, productID string) (*model.MarketFacts, error) {
	return getMem(&m.mu, m.market, productID), nil
}

func (m *MemoryStore) UpsertSEO(_ context.Context, facts model.SEOFacts) error {
	return upsertMem(&m.mu, m.seo, facts.ProductID, facts)
}

func (m *MemoryStore) GetSEO(_ context.Context, productID string) (*model.SEOFacts, error) {
	return getMem(&m.mu, m.seo, productID), nil
}

func (m *MemoryStore) UpsertListing(_ context.Context, facts model.ListingFacts) error {
	return upsertMem(&m.mu, m.listing, facts.ProductID, facts)
}

func (m *MemoryStore) GetListing(_ context.Context, productID string) (*model.ListingFacts, error) {
	return getMem(&m.mu, m.listing, productID), nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func upsertMem[T any](mu *sync.Mutex, rows map[string]T, productID string, v T) error {
	if productID == "" {
		return apperr.Validation("product id is required")
	}
	mu.Lock()
	defer mu.Unlock()
	rows[productID] = v
	return nil
}

func getMem[T any](mu *sync.Mutex, rows map[string]T, productID string) *T {
	mu.Lock()
	defer mu.Unlock()
	v, ok := rows[productID]
	if !ok {
		return nil
	}
	return &v
}

func copyProduct(p model.Product) model.Product {
	p.KeyFeatures = append([]string(nil), p.KeyFeatures...)
	return p
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}
