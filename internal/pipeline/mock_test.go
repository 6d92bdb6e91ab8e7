package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/provider"
	"github.com/sells-group/listing-pipeline/internal/publish"
)

// --- Identifier Mock ---

type mockIdentifier struct {
	mock.Mock
}

func (m *mockIdentifier) Identify(ctx context.Context, images []provider.ImageData, hints model.Hints) (*model.AnalysisFacts, error) {
	args := m.Called(ctx, images, hints)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AnalysisFacts), args.Error(1)
}

// --- Researcher Mock ---

type mockResearcher struct {
	mock.Mock
}

func (m *mockResearcher) Research(ctx context.Context, analysis model.AnalysisFacts) (*model.MarketFacts, error) {
	args := m.Called(ctx, analysis)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MarketFacts), args.Error(1)
}

// --- Copywriter Mock ---

type mockCopywriter struct {
	mock.Mock
}

func (m *mockCopywriter) WriteSEO(ctx context.Context, in provider.SEOInput) (*model.SEOFacts, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SEOFacts), args.Error(1)
}

// --- Publisher Mock ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishProduct(ctx context.Context, platform, productID string, l *model.ListingFacts) (*publish.Result, error) {
	args := m.Called(ctx, platform, productID, l)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*publish.Result), args.Error(1)
}

// --- Scheduler ---

type recordingScheduler struct {
	mu   sync.Mutex
	refs []model.PhaseRef
}

func (s *recordingScheduler) Schedule(_ context.Context, ref model.PhaseRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, ref)
	return nil
}

func (s *recordingScheduler) scheduled() []model.PhaseRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PhaseRef(nil), s.refs...)
}
