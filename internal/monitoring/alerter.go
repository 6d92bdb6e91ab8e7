// Package monitoring watches pipeline health: it summarises recent products,
// raises alerts when failure or stall thresholds are crossed, and delivers
// them to a webhook or the log.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate     AlertType = "failure_rate"
	AlertStalledProducts AlertType = "stalled_products"
)

// Severity levels.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// minFinished is how many products must have finished before the failure
// rate counts.
const minFinished = 5

// Alert is one threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and reports a breach, if any.
type rule func(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool)

var rules = []rule{failureRateRule, stalledRule}

func failureRateRule(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool) {
	finished := snap.Completed + snap.Failed
	if finished < minFinished || snap.FailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertFailureRate,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("%.1f%% of products failed in the last %dh (%d failed / %d finished, threshold %.1f%%)",
			snap.FailRate*100, snap.LookbackHours, snap.Failed, finished, cfg.FailureRateThreshold*100),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.Failed,
			"finished":     finished,
		},
	}, true
}

func stalledRule(snap *MetricsSnapshot, _ config.MonitoringConfig) (Alert, bool) {
	if snap.Stalled == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertStalledProducts,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("%d product(s) running with no stage progress", snap.Stalled),
		Details: map[string]any{
			"stalled":     snap.Stalled,
			"product_ids": snap.StalledIDs,
		},
	}, true
}

// Sink delivers an alert somewhere.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

// Send implements Sink.
func (LogSink) Send(_ context.Context, a Alert) error {
	zap.L().Warn("monitoring: alert",
		zap.String("type", string(a.Type)),
		zap.String("severity", a.Severity),
		zap.String("message", a.Message),
	)
	return nil
}

// WebhookSink posts each alert as JSON, retrying transient failures.
type WebhookSink struct {
	url   string
	http  *http.Client
	retry resilience.RetryConfig
}

// NewWebhookSink creates a sink for url.
func NewWebhookSink(url string) *WebhookSink {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 3
	return &WebhookSink{url: url, http: &http.Client{Timeout: 10 * time.Second}, retry: retry}
}

// Send implements Sink.
func (w *WebhookSink) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	return resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "monitoring: webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.http.Do(req)
		if err != nil {
			return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return resilience.StatusError("monitoring: webhook", resp.StatusCode, string(body))
		}
		return nil
	})
}

// Alerter evaluates snapshots against the configured thresholds and hands
// breaches to its sink.
type Alerter struct {
	cfg  config.MonitoringConfig
	sink Sink
	now  func() time.Time
}

// NewAlerter creates an Alerter that posts to cfg.WebhookURL, or logs when
// none is set.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	var sink Sink = LogSink{}
	if cfg.WebhookURL != "" {
		sink = NewWebhookSink(cfg.WebhookURL)
	}
	return &Alerter{cfg: cfg, sink: sink, now: time.Now}
}

// Evaluate returns the alerts snap triggers, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := a.now().UTC()
	var alerts []Alert
	for _, r := range rules {
		if al, ok := r(snap, a.cfg); ok {
			al.Timestamp = now
			alerts = append(alerts, al)
		}
	}
	return alerts
}

// SendAlerts delivers alerts through the sink and returns how many were
// accepted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, al := range alerts {
		if err := a.sink.Send(ctx, al); err != nil {
			zap.L().Error("monitoring: deliver alert", zap.String("type", string(al.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
