package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-pipeline/internal/config"
	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/store"
)

// withConfig installs c as the package config for the duration of the test.
func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func memoryConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Store:     config.StoreConfig{Driver: "memory"},
		Server:    config.ServerConfig{Port: 8080},
		Anthropic: config.AnthropicConfig{Key: "sk-ant-test", MaxTokens: 1024},
		Perplexity: config.PerplexityConfig{
			Key:     "pplx-test",
			BaseURL: "https://api.perplexity.ai",
			Model:   "sonar-pro",
		},
		Pipeline:  config.PipelineConfig{ConfidenceThreshold: 80, Workers: 2, QueueSize: 10},
		Ingest:    config.IngestConfig{MaxImages: 5},
		Media:     config.MediaConfig{Backend: "local", Dir: filepath.Join(dir, "media"), BaseURL: "/media"},
		Scheduler: config.SchedulerConfig{Backend: "queue"},
	}
}

func TestInitEnv_CLI(t *testing.T) {
	withConfig(t, memoryConfig(t))

	env, err := initEnv(context.Background(), "cli")
	require.NoError(t, err)
	defer env.Close()

	assert.IsType(t, &store.MemoryStore{}, env.Store)
	assert.Nil(t, env.Queue)
	assert.Nil(t, env.Temporal)
	assert.NotNil(t, env.Machine)
	assert.NotNil(t, env.Orch)
	assert.NotNil(t, env.Aggregator)
	assert.Empty(t, env.Publisher.Platforms())
}

func TestInitEnv_ServeStartsQueue(t *testing.T) {
	withConfig(t, memoryConfig(t))

	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Queue)
	assert.Equal(t, 0, env.Queue.Len())
}

func TestInitEnv_RegistersConfiguredPublishers(t *testing.T) {
	c := memoryConfig(t)
	c.Publish.Notion = config.NotionConfig{Token: "secret", DatabaseID: "db1"}
	withConfig(t, c)

	env, err := initEnv(context.Background(), "cli")
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, []string{"notion"}, env.Publisher.Platforms())
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	c := memoryConfig(t)
	c.Anthropic.Key = ""
	withConfig(t, c)

	_, err := initEnv(context.Background(), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestInitEnv_BadRulesFile(t *testing.T) {
	c := memoryConfig(t)
	c.Reconcile.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	withConfig(t, c)

	_, err := initEnv(context.Background(), "cli")
	require.Error(t, err)
}

func TestInitEnv_SalesforceKeyMissing(t *testing.T) {
	c := memoryConfig(t)
	c.Publish.Salesforce = config.SalesforceConfig{
		ClientID: "client",
		Username: "user@example.com",
		KeyPath:  filepath.Join(t.TempDir(), "missing.pem"),
	}
	withConfig(t, c)

	_, err := initEnv(context.Background(), "cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "salesforce JWT private key")
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := memoryConfig(t)
	c.Store.Driver = "mysql"
	withConfig(t, c)

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_SQLite(t *testing.T) {
	c := memoryConfig(t)
	c.Store = config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "listing.db")}
	withConfig(t, c)

	ctx := context.Background()
	st, err := initStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	p := &model.Product{Name: "Sony A7 III"}
	require.NoError(t, st.CreateProduct(ctx, p, nil))
	got, err := st.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Sony A7 III", got.Name)
}

func TestGuard_UsesResilienceConfig(t *testing.T) {
	c := memoryConfig(t)
	c.Resilience = config.ResilienceConfig{MaxAttempts: 7, InitialBackoffMs: 250, MaxBackoffMs: 2000, BreakerThreshold: 3, BreakerCooldownSecs: 5}
	withConfig(t, c)

	g := guard("test")
	assert.Equal(t, 7, g.Retry.MaxAttempts)
	assert.Equal(t, int64(250), g.Retry.InitialBackoff.Milliseconds())
	assert.Equal(t, int64(2000), g.Retry.MaxBackoff.Milliseconds())
	assert.NotNil(t, g.Breaker)
}
