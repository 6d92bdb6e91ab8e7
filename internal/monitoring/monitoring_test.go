package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/store"
)

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type stubLister struct {
	products []model.Product
	err      error
	calls    int
}

func (s *stubLister) ListProducts(_ context.Context, f store.ProductFilter) ([]model.Product, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if f.Offset >= len(s.products) {
		return nil, nil
	}
	end := min(f.Offset+f.Limit, len(s.products))
	return s.products[f.Offset:end], nil
}

func newCollector(l ProductLister) *Collector {
	c := NewCollector(l, 30*time.Minute)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	l := &stubLister{products: []model.Product{
		{ID: "a", Status: model.ProductStatusCompleted, UpdatedAt: fixedNow.Add(-time.Hour)},
		{ID: "b", Status: model.ProductStatusCompleted, UpdatedAt: fixedNow.Add(-2 * time.Hour)},
		{ID: "c", Status: model.ProductStatusError, UpdatedAt: fixedNow.Add(-3 * time.Hour)},
		{ID: "d", Status: model.ProductStatusPaused, UpdatedAt: fixedNow.Add(-time.Minute)},
		{ID: "e", Status: model.ProductStatusProcessing, PipelineRunning: true, UpdatedAt: fixedNow.Add(-time.Hour)},
		{ID: "f", Status: model.ProductStatusProcessing, PipelineRunning: true, UpdatedAt: fixedNow.Add(-time.Minute)},
		{ID: "old", Status: model.ProductStatusError, UpdatedAt: fixedNow.Add(-72 * time.Hour)},
	}}

	snap, err := newCollector(l).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 6, snap.ProductsTotal)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Paused)
	assert.Equal(t, 2, snap.Processing)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.0001)
	assert.Equal(t, 1, snap.Stalled)
	assert.Equal(t, []string{"e"}, snap.StalledIDs)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_Pages(t *testing.T) {
	products := make([]model.Product, pageSize+3)
	for i := range products {
		products[i] = model.Product{ID: fmt.Sprintf("p%d", i), Status: model.ProductStatusCompleted, UpdatedAt: fixedNow}
	}
	l := &stubLister{products: products}

	snap, err := newCollector(l).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, pageSize+3, snap.Completed)
	assert.Equal(t, 2, l.calls)
	assert.Zero(t, snap.FailRate)
}

func TestCollector_StoreError(t *testing.T) {
	_, err := newCollector(&stubLister{err: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list products")
}

func fastWebhook(url string) *Alerter {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: url})
	sink := a.sink.(*WebhookSink)
	sink.retry.InitialBackoff = time.Millisecond
	sink.retry.MaxBackoff = time.Millisecond
	return a
}

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.25})
	a.now = func() time.Time { return fixedNow }

	tests := []struct {
		name string
		snap MetricsSnapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: MetricsSnapshot{Completed: 19, Failed: 1, FailRate: 0.05},
		},
		{
			name: "failure rate",
			snap: MetricsSnapshot{Completed: 6, Failed: 4, FailRate: 0.4, LookbackHours: 24},
			want: []AlertType{AlertFailureRate},
		},
		{
			name: "too few finished",
			snap: MetricsSnapshot{Completed: 1, Failed: 3, FailRate: 0.75},
		},
		{
			name: "stalled",
			snap: MetricsSnapshot{Stalled: 2, StalledIDs: []string{"a", "b"}},
			want: []AlertType{AlertStalledProducts},
		},
		{
			name: "both",
			snap: MetricsSnapshot{Completed: 5, Failed: 5, FailRate: 0.5, Stalled: 1},
			want: []AlertType{AlertFailureRate, AlertStalledProducts},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []AlertType
			for _, al := range a.Evaluate(&tt.snap) {
				assert.Equal(t, fixedNow, al.Timestamp)
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_Evaluate_Message(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})
	alerts := a.Evaluate(&MetricsSnapshot{Completed: 12, Failed: 8, FailRate: 0.4, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "8 failed / 20 finished")
}

func TestNewAlerter_Sink(t *testing.T) {
	assert.IsType(t, LogSink{}, NewAlerter(config.MonitoringConfig{}).sink)
	assert.IsType(t, &WebhookSink{}, NewAlerter(config.MonitoringConfig{WebhookURL: "http://hooks"}).sink)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	var last Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sent := fastWebhook(srv.URL).SendAlerts(context.Background(), []Alert{
		{Type: AlertStalledProducts, Severity: SeverityMedium, Message: "1 product(s) running with no stage progress"},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, AlertStalledProducts, last.Type)
}

func TestWebhookSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	assert.Equal(t, 1, fastWebhook(srv.URL).SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSink_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad payload"))
	}))
	defer srv.Close()

	err := fastWebhook(srv.URL).sink.Send(context.Background(), Alert{Type: AlertFailureRate})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "bad payload")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 1, a.SendAlerts(context.Background(), []Alert{{Type: AlertFailureRate}}))
	assert.Zero(t, a.SendAlerts(context.Background(), nil))
}

type recordingSink struct{ got []AlertType }

func (r *recordingSink) Send(_ context.Context, a Alert) error {
	r.got = append(r.got, a.Type)
	return nil
}

func stuckLister() *stubLister {
	return &stubLister{products: []model.Product{
		{ID: "stuck", Status: model.ProductStatusProcessing, PipelineRunning: true, UpdatedAt: fixedNow.Add(-2 * time.Hour)},
	}}
}

func TestChecker_Check(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{WebhookURL: srv.URL, LookbackWindowHours: 24, FailureRateThreshold: 0.5}
	c := NewChecker(newCollector(stuckLister()), NewAlerter(cfg), cfg)

	assert.Equal(t, 1, c.Check(context.Background()))
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_HoldsRepeatsUntilWindowPasses(t *testing.T) {
	l := stuckLister()
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, RealertMinutes: 30}
	sink := &recordingSink{}
	alerter := NewAlerter(cfg)
	alerter.sink = sink
	c := NewChecker(newCollector(l), alerter, cfg)
	clock := fixedNow
	c.now = func() time.Time { return clock }

	assert.Equal(t, 1, c.Check(context.Background()))
	clock = clock.Add(10 * time.Minute)
	assert.Zero(t, c.Check(context.Background()), "repeat inside window")
	clock = clock.Add(25 * time.Minute)
	assert.Equal(t, 1, c.Check(context.Background()), "repeat after window")

	// Clearing the condition resets the window.
	l.products = nil
	assert.Zero(t, c.Check(context.Background()))
	assert.Empty(t, c.lastSent)
	l.products = stuckLister().products
	assert.Equal(t, 1, c.Check(context.Background()))

	assert.Equal(t, []AlertType{AlertStalledProducts, AlertStalledProducts, AlertStalledProducts}, sink.got)
}

func TestChecker_CheckCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	c := NewChecker(newCollector(&stubLister{err: errors.New("boom")}), NewAlerter(cfg), cfg)
	assert.Zero(t, c.Check(context.Background()))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(newCollector(&stubLister{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}
