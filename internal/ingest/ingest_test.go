package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/phase"
	"github.com/sells-group/listing-pipeline/internal/pipeline"
	"github.com/sells-group/listing-pipeline/internal/provider"
	"github.com/sells-group/listing-pipeline/internal/store"
)

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

// recorder captures emitted objects as generic JSON maps.
type recorder struct {
	events []map[string]any
}

func (r *recorder) Emit(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	r.events = append(r.events, m)
	return nil
}

func (r *recorder) types() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e["type"].(string))
	}
	return out
}

func (r *recorder) last() map[string]any {
	return r.events[len(r.events)-1]
}

type fixture struct {
	store *store.MemoryStore
	sched *recordingScheduler
	ident *mockIdentifier
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		store: store.NewMemory(),
		sched: &recordingScheduler{},
		ident: new(mockIdentifier),
	}
	m := media.NewMemory()
	machine := phase.New(fx.store, phase.WithScheduler(fx.sched))
	orch := pipeline.New(config.PipelineConfig{ConfidenceThreshold: 80}, fx.store, machine, fx.ident, nil, nil, m, nil)
	fx.svc = New(fx.store, m, orch)
	return fx
}

func (fx *fixture) phase(t *testing.T, id string, stage model.Stage) *model.PipelinePhase {
	t.Helper()
	ph, err := fx.store.GetPhase(context.Background(), id, stage)
	require.NoError(t, err)
	require.NotNil(t, ph)
	return ph
}

func (fx *fixture) product(t *testing.T, id string) *model.Product {
	t.Helper()
	p, err := fx.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func photoRequest(hints model.Hints) *Request {
	return &Request{
		Images: []Upload{
			{Filename: "front.jpg", ContentType: "image/jpeg", Data: []byte("front")},
			{Filename: "back.png", ContentType: "image/png", Data: []byte("back")},
		},
		Hints: hints,
	}
}

func identified(confidence float64) *model.AnalysisFacts {
	return &model.AnalysisFacts{
		Name:       "Sony WH-1000XM4",
		Model:      "WH-1000XM4",
		Brand:      "Sony",
		Category:   "Electronics",
		Confidence: confidence,
	}
}

func TestStream_ConfidentIdentificationCompletes(t *testing.T) {
	fx := newFixture(t)
	fx.ident.On("Identify", mock.Anything, mock.MatchedBy(func(imgs []provider.ImageData) bool {
		return len(imgs) == 3 && imgs[1].MediaType == "image/png" && imgs[2].MediaType == "image/webp"
	}), model.Hints{Brand: "Sony"}).Return(identified(92), nil).Once()

	req := photoRequest(model.Hints{Brand: "Sony"})
	req.Images = append(req.Images, Upload{Filename: "side.webp", ContentType: "image/webp", Data: []byte("side")})
	rec := &recorder{}
	fx.svc.Stream(context.Background(), req, rec)

	types := rec.types()
	assert.Equal(t, EventStatus, types[0])
	assert.Contains(t, types, EventAnalysis)

	var progress []float64
	for _, e := range rec.events {
		if e["type"] == EventProgress {
			progress = append(progress, e["value"].(float64))
		}
	}
	require.GreaterOrEqual(t, len(progress), 2)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1], "progress must increase: %v", progress)
	}
	assert.InDelta(t, 100, progress[len(progress)-1], 0.001)

	for _, e := range rec.events {
		if e["type"] == EventAnalysis {
			assert.InDelta(t, 92, e["result"].(map[string]any)["confidence"].(float64), 0.001)
		}
	}
	assert.NotContains(t, types, EventManualInput)
	assert.NotContains(t, types, EventError)

	done := rec.last()
	assert.Equal(t, EventComplete, done["type"])
	id := done["productId"].(string)
	require.NotEmpty(t, id)
	assert.Len(t, done["imageUrls"], 3)

	assert.Equal(t, model.PhaseStatusCompleted, fx.phase(t, id, model.StageIdentification).Status)
	assert.True(t, fx.phase(t, id, model.StageMarketResearch).CanStart)
	p := fx.product(t, id)
	assert.Equal(t, model.ProductStatusProcessing, p.Status)
	assert.Equal(t, model.StageMarketResearch, p.CurrentStage)
	assert.Equal(t, "WH-1000XM4", p.Model)
	assert.Equal(t, []model.PhaseRef{{ProductID: id, Stage: model.StageMarketResearch}}, fx.sched.refs)

	a, err := fx.store.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.InDelta(t, 92, a.Confidence, 0.001)

	images, err := fx.store.ListImages(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, images, 3)
	assert.True(t, images[0].IsPrimary)
	assert.Equal(t, "front.jpg", images[0].Filename)
	assert.False(t, images[1].IsPrimary)
}

func TestStream_LowConfidenceHoldsForManualInput(t *testing.T) {
	fx := newFixture(t)
	fx.ident.On("Identify", mock.Anything, mock.Anything, mock.Anything).Return(identified(55), nil).Once()

	rec := &recorder{}
	fx.svc.Stream(context.Background(), photoRequest(model.Hints{}), rec)

	assert.NotContains(t, rec.types(), EventComplete)
	assert.Contains(t, rec.types(), EventAnalysis)

	last := rec.last()
	assert.Equal(t, EventManualInput, last["type"])
	assert.Equal(t, true, last["requiresManualInput"])
	assert.Equal(t, false, last["success"])
	assert.InDelta(t, 55, last["confidence"].(float64), 0.001)
	assert.InDelta(t, 80, last["threshold"].(float64), 0.001)
	assert.Len(t, last["imageUrls"], 2)
	require.NotNil(t, last["analysis"])
	id := last["productId"].(string)
	for _, e := range rec.events[:len(rec.events)-1] {
		assert.NotEqual(t, EventManualInput, e["type"], "manual input must be the terminal line")
	}

	assert.Equal(t, model.PhaseStatusStopped, fx.phase(t, id, model.StageIdentification).Status)
	p := fx.product(t, id)
	assert.Equal(t, model.ProductStatusPaused, p.Status)
	require.NotNil(t, p.AIConfidence)
	assert.InDelta(t, 55, *p.AIConfidence, 0.001)
	assert.Empty(t, fx.sched.refs)
}

func TestStream_ProviderFailure(t *testing.T) {
	fx := newFixture(t)
	fx.ident.On("Identify", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperr.Provider("anthropic", errors.New("anthropic: status 529: overloaded"))).Once()

	rec := &recorder{}
	fx.svc.Stream(context.Background(), photoRequest(model.Hints{}), rec)

	last := rec.last()
	assert.Equal(t, EventError, last["type"])
	assert.Equal(t, "anthropic: status 529: overloaded", last["message"])

	products, err := fx.store.ListProducts(context.Background(), store.ProductFilter{})
	require.NoError(t, err)
	require.Len(t, products, 1)
	id := products[0].ID
	ph := fx.phase(t, id, model.StageIdentification)
	assert.Equal(t, model.PhaseStatusFailed, ph.Status)
	assert.Equal(t, "anthropic: status 529: overloaded", ph.ErrorMessage)
	assert.Equal(t, model.ProductStatusError, products[0].Status)
}

func TestOverride_ResumesHeldProduct(t *testing.T) {
	fx := newFixture(t)
	fx.ident.On("Identify", mock.Anything, mock.Anything, mock.Anything).Return(identified(40), nil).Once()

	rec := &recorder{}
	fx.svc.Stream(context.Background(), photoRequest(model.Hints{}), rec)
	id := rec.last()["productId"].(string)
	require.Equal(t, model.ProductStatusPaused, fx.product(t, id).Status)

	res, err := fx.svc.Override(context.Background(), &Request{
		Manual:    true,
		ProductID: id,
		Hints:     model.Hints{Name: "Bose QC45", Brand: "Bose", Model: "QC45", Category: "Electronics"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, id, res.ProductID)
	assert.Len(t, res.ImageURLs, 2)

	assert.Equal(t, model.PhaseStatusCompleted, fx.phase(t, id, model.StageIdentification).Status)
	p := fx.product(t, id)
	assert.Equal(t, "Bose", p.Brand)
	assert.Equal(t, "QC45", p.Model)
	assert.Equal(t, model.ProductStatusProcessing, p.Status)
	require.NotNil(t, p.AIConfidence)
	assert.InDelta(t, 40, *p.AIConfidence, 0.001, "the AI score is kept")

	a, err := fx.store.GetAnalysis(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.AnalysisSourceManual, a.Source)
	assert.Equal(t, []model.PhaseRef{{ProductID: id, Stage: model.StageMarketResearch}}, fx.sched.refs)
}

// sweepingStore lists schedulable phases whenever images are attached, the
// way the recovery sweep could in the middle of an override.
type sweepingStore struct {
	*store.MemoryStore
	seen []model.PhaseRef
}

func (s *sweepingStore) AddImages(ctx context.Context, productID string, images []model.Image) error {
	refs, err := s.ListSchedulable(ctx, 10)
	if err != nil {
		return err
	}
	s.seen = append(s.seen, refs...)
	return s.MemoryStore.AddImages(ctx, productID, images)
}

func TestOverride_HeldProductNeverSchedulable(t *testing.T) {
	fx := newFixture(t)
	fx.ident.On("Identify", mock.Anything, mock.Anything, mock.Anything).Return(identified(40), nil).Once()

	rec := &recorder{}
	fx.svc.Stream(context.Background(), photoRequest(model.Hints{}), rec)
	id := rec.last()["productId"].(string)

	sweeping := &sweepingStore{MemoryStore: fx.store}
	svc := New(sweeping, media.NewMemory(), fx.svc.orch)
	res, err := svc.Override(context.Background(), &Request{
		Manual:    true,
		ProductID: id,
		Hints:     model.Hints{Brand: "Bose", Model: "QC45"},
		Images:    []Upload{{Filename: "label.jpg", ContentType: "image/jpeg", Data: []byte("label")}},
	})
	require.NoError(t, err)
	assert.Len(t, res.ImageURLs, 3)
	assert.Empty(t, sweeping.seen, "stage 1 was visible to the recovery sweep mid-override")
	assert.Equal(t, model.PhaseStatusCompleted, fx.phase(t, id, model.StageIdentification).Status)
	fx.ident.AssertNumberOfCalls(t, "Identify", 1)
}

func TestOverride_NewProductIgnoresConfidence(t *testing.T) {
	fx := newFixture(t)
	low := 12.0
	req := photoRequest(model.Hints{Name: "Mystery lamp"})
	req.Manual = true
	req.Confidence = &low

	res, err := fx.svc.Override(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.PhaseStatusCompleted, fx.phase(t, res.ProductID, model.StageIdentification).Status)
	fx.ident.AssertNotCalled(t, "Identify", mock.Anything, mock.Anything, mock.Anything)
}

func TestOverride_Validation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.Override(context.Background(), &Request{Manual: true, ProductID: "p-1"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = fx.svc.Override(context.Background(), &Request{Manual: true, ProductID: "missing", Hints: model.Hints{Name: "x"}})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestOverride_RejectsCancelledProduct(t *testing.T) {
	fx := newFixture(t)
	fx.ident.On("Identify", mock.Anything, mock.Anything, mock.Anything).Return(identified(40), nil).Once()

	rec := &recorder{}
	fx.svc.Stream(context.Background(), photoRequest(model.Hints{}), rec)
	id := rec.last()["productId"].(string)
	require.NoError(t, fx.svc.orch.Machine().Cancel(context.Background(), id))

	_, err := fx.svc.Override(context.Background(), &Request{Manual: true, ProductID: id, Hints: model.Hints{Name: "x"}})
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))
}

func multipartRequest(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, data := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="images"; filename="`+name+`"`)
		h.Set("Content-Type", "application/octet-stream")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	r := httptest.NewRequest(http.MethodPost, "/api/products/ingest", &body)
	r.Header.Set("Content-Type", w.FormDataContentType())
	return r
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000000000")

func TestParseRequest(t *testing.T) {
	r := multipartRequest(t, map[string]string{"brand": " Sony ", "manual": "false", "confidence": "91.5"},
		map[string][]byte{"a.png": pngHeader})

	req, err := ParseRequest(r, LimitsFromConfig(config.IngestConfig{}))
	require.NoError(t, err)
	require.Len(t, req.Images, 1)
	assert.Equal(t, "image/png", req.Images[0].ContentType)
	assert.Equal(t, "Sony", req.Hints.Brand)
	assert.False(t, req.Manual)
	require.NotNil(t, req.Confidence)
	assert.InDelta(t, 91.5, *req.Confidence, 0.001)
}

func TestParseRequest_Rejects(t *testing.T) {
	lim := Limits{MaxImages: 1, MaxImageBytes: 64, AllowedTypes: []string{"image/png"}}

	tests := []struct {
		name   string
		fields map[string]string
		files  map[string][]byte
		want   string
	}{
		{"no images", nil, nil, "at least one image"},
		{"too many", nil, map[string][]byte{"a.png": pngHeader, "b.png": pngHeader}, "at most 1"},
		{"wrong type", nil, map[string][]byte{"a.txt": []byte("plain text, not a photo")}, "unsupported type"},
		{"too large", nil, map[string][]byte{"a.png": bytes.Repeat([]byte("x"), 100)}, "exceeds"},
		{"bad confidence", map[string]string{"confidence": "250"}, map[string][]byte{"a.png": pngHeader}, "confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest(multipartRequest(t, tt.fields, tt.files), lim)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRequest_OverrideWithoutImages(t *testing.T) {
	r := multipartRequest(t, map[string]string{"manual": "true", "productId": "p-1", "name": "Lamp"}, nil)
	req, err := ParseRequest(r, LimitsFromConfig(config.IngestConfig{}))
	require.NoError(t, err)
	assert.True(t, req.Manual)
	assert.Equal(t, "p-1", req.ProductID)
	assert.Empty(t, req.Images)
}

func TestNDJSON(t *testing.T) {
	w := httptest.NewRecorder()
	out := NewNDJSON(w)
	require.NoError(t, out.Emit(statusEvent("Analyzing images")))
	require.NoError(t, out.Emit(progressEvent(40)))

	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, "{\"type\":\"status\",\"message\":\"Analyzing images\"}\n{\"type\":\"progress\",\"value\":40}\n", w.Body.String())
	assert.True(t, w.Flushed)
}
