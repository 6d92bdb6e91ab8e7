package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/db"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/notify"
	"github.com/sells-group/listing-pipeline/internal/phase"
	"github.com/sells-group/listing-pipeline/internal/pipeline"
	"github.com/sells-group/listing-pipeline/internal/provider"
	"github.com/sells-group/listing-pipeline/internal/publish"
	"github.com/sells-group/listing-pipeline/internal/reconcile"
	"github.com/sells-group/listing-pipeline/internal/resilience"
	"github.com/sells-group/listing-pipeline/internal/store"
	"github.com/sells-group/listing-pipeline/internal/workflow"
	anthropicpkg "github.com/sells-group/listing-pipeline/pkg/anthropic"
	"github.com/sells-group/listing-pipeline/pkg/perplexity"
	sfpkg "github.com/sells-group/listing-pipeline/pkg/salesforce"
)

// appEnv holds everything the commands wire together.
type appEnv struct {
	Store      store.Store
	Media      media.Store
	Broker     *notify.Broker
	Machine    *phase.Machine
	Orch       *pipeline.Orchestrator
	Publisher  *publish.Service
	Aggregator *reconcile.Aggregator

	// Exactly one of Queue and Temporal is set when stages are scheduled
	// from this process.
	Queue    *pipeline.Queue
	Temporal client.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Queue != nil {
		e.Queue.Stop()
	}
	if e.Temporal != nil {
		e.Temporal.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv builds the environment for mode ("serve", "worker" or "cli").
// Providers are only created for serve and worker.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if env.Media, err = media.New(cfg.Media); err != nil {
		env.Close()
		return nil, err
	}

	env.Broker = notify.NewBroker(0)
	notifiers := notify.Multi{env.Broker}
	if pg, ok := st.(*store.PostgresStore); ok && cfg.Notify.Postgres {
		notifiers = append(notifiers, notify.NewPGNotifier(pg.Pool(), cfg.Notify.Channel))
	}

	opts := []phase.Option{phase.WithNotifier(notifiers)}
	switch cfg.Scheduler.Backend {
	case "temporal":
		c, err := workflow.Dial(cfg.Temporal)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Temporal = c
		sched := workflow.NewScheduler(c, cfg.Temporal.TaskQueue,
			workflow.WithStageTimeout(time.Duration(cfg.Temporal.StageTimeoutHours)*time.Hour))
		opts = append(opts, phase.WithScheduler(sched))
	default:
		// A CLI process has no workers; its stages are picked up by the
		// serving process's recovery sweep.
		if mode == "serve" {
			env.Queue = pipeline.NewQueue(cfg.Pipeline.QueueSize, cfg.Pipeline.Workers)
			opts = append(opts, phase.WithScheduler(env.Queue))
		}
	}
	env.Machine = phase.New(st, opts...)

	sf, err := initSalesforce()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Publisher = publish.NewService(st)
	publish.FromConfig(env.Publisher, cfg.Publish, sf)

	var (
		ident provider.Identifier
		res   provider.Researcher
		cw    provider.Copywriter
	)
	if mode != "cli" {
		ident, res, cw = initProviders()
	}
	env.Orch = pipeline.New(cfg.Pipeline, st, env.Machine, ident, res, cw, env.Media, env.Publisher)

	rules, err := reconcile.LoadRules(cfg.Reconcile.RulesPath)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Aggregator = reconcile.New(st, rules)

	zap.L().Debug("environment ready",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.String("scheduler", cfg.Scheduler.Backend),
		zap.Strings("publish_platforms", env.Publisher.Platforms()),
	)
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initSalesforce returns nil when Salesforce is not configured.
func initSalesforce() (sfpkg.Client, error) {
	sc := cfg.Publish.Salesforce
	if sc.ClientID == "" {
		return nil, nil
	}

	pemData, err := os.ReadFile(sc.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}
	return sfpkg.NewJWTClient(sfpkg.JWTConfig{
		LoginURL: sc.LoginURL,
		Username: sc.Username,
		ClientID: sc.ClientID,
		KeyPEM:   string(pemData),
	}, sfpkg.WithRateLimit(sc.RPS))
}

func initProviders() (provider.Identifier, provider.Researcher, provider.Copywriter) {
	ai := anthropicpkg.NewClient(cfg.Anthropic.Key)
	search := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
	)

	ident := provider.NewVisionIdentifier(ai, cfg.Anthropic.VisionModel, cfg.Anthropic.MaxTokens, guard("anthropic-vision"))
	res := provider.NewMarketResearcher(search, ai, cfg.Anthropic.HaikuModel, cfg.Anthropic.MaxTokens,
		guard("perplexity"), guard("anthropic-haiku"))
	cw := provider.NewClaudeCopywriter(ai, cfg.Anthropic.SonnetModel, cfg.Anthropic.MaxTokens, guard("anthropic-sonnet"))
	return ident, res, cw
}

func guard(name string) provider.Guard {
	rc := cfg.Resilience
	retry := resilience.DefaultRetryConfig()
	if rc.MaxAttempts > 0 {
		retry.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	return provider.Guard{
		Retry:   retry,
		Breaker: resilience.NewBreaker(name, rc.BreakerThreshold, time.Duration(rc.BreakerCooldownSecs)*time.Second),
	}
}
