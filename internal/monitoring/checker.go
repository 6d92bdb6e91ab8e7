package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/config"
)

const (
	defaultInterval = 5 * time.Minute
	defaultRealert  = time.Hour
)

// Checker collects a snapshot on a fixed interval and sends the alerts it
// triggers. An alert type that already fired is held back until the
// re-alert window passes or the condition clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	now       func() time.Time

	lastSent map[AlertType]time.Time
}

// NewChecker creates a Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
		lastSent:  make(map[AlertType]time.Time),
	}
}

// Run checks once per interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	zap.L().Info("monitoring: checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: checker stopped")
			return
		case <-t.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collection and returns how many alerts were sent.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		zap.L().Error("monitoring: collect", zap.Error(err))
		return 0
	}

	alerts := c.due(c.alerter.Evaluate(snap))
	if len(alerts) == 0 {
		return 0
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	if sent > 0 {
		now := c.now()
		for _, a := range alerts {
			c.lastSent[a.Type] = now
		}
	}
	zap.L().Info("monitoring: alerts", zap.Int("triggered", len(alerts)), zap.Int("sent", sent))
	return sent
}

// due drops alerts still inside the re-alert window and forgets types that
// did not fire this round.
func (c *Checker) due(alerts []Alert) []Alert {
	window := time.Duration(c.cfg.RealertMinutes) * time.Minute
	if window <= 0 {
		window = defaultRealert
	}
	now := c.now()

	firing := make(map[AlertType]bool, len(alerts))
	var out []Alert
	for _, a := range alerts {
		firing[a.Type] = true
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < window {
			continue
		}
		out = append(out, a)
	}
	for t := range c.lastSent {
		if !firing[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
