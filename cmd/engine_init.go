package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-orchestrator/internal/budget"
	"github.com/sells-group/research-orchestrator/internal/config"
	"github.com/sells-group/research-orchestrator/internal/delivery"
	"github.com/sells-group/research-orchestrator/internal/monitoring"
	"github.com/sells-group/research-orchestrator/internal/provider"
	"github.com/sells-group/research-orchestrator/internal/resilience"
	"github.com/sells-group/research-orchestrator/internal/scheduler"
	"github.com/sells-group/research-orchestrator/internal/store"
	"github.com/sells-group/research-orchestrator/internal/waterfall"
)

// engineEnv holds the initialized store, chain, and scheduler shared by the
// run and serve commands.
type engineEnv struct {
	Store     store.Store
	Ledger    *budget.Ledger
	Breakers  *resilience.ProviderBreakers
	Registry  *provider.Registry
	Chain     *waterfall.Chain
	Deliverer *delivery.Deliverer
	Scheduler *scheduler.Scheduler
	Collector *monitoring.Collector
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		AttemptTimeout: time.Duration(c.AttemptTimeoutSecs) * time.Second,
		InitialBackoff: time.Duration(c.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMS) * time.Millisecond,
		Multiplier:     c.Multiplier,
		JitterFraction: c.JitterFraction,
	}
}

func breakerConfig(c config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		WindowSize:           c.WindowSize,
		FailureRateThreshold: c.FailureRateThreshold,
		MinSamples:           c.MinSamples,
		Cooldown:             time.Duration(c.CooldownSecs) * time.Second,
		CooldownMultiplier:   c.CooldownMultiplier,
		MaxCooldown:          time.Duration(c.MaxCooldownSecs) * time.Second,
	}
}

// initEngine sets up the store, provider chain, deliverer, and scheduler.
// Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	chainCfg, err := waterfall.LoadConfig(cfg.Chain.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := provider.NewRegistry()
	providers, err := chainCfg.BuildProviders(registry)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	ledger := budget.NewLedger(cfg.Budget.DailyCapsUSD)
	breakers := resilience.NewProviderBreakers(breakerConfig(cfg.Breaker))
	retryCfg := retryConfig(cfg.Retry)

	chain := waterfall.NewChain(providers, ledger, breakers, retryCfg, chainCfg.Gate())

	sink := delivery.NewWebhookSink(delivery.WebhookOptions{
		URL:       cfg.Delivery.WebhookURL,
		AuthToken: cfg.Delivery.AuthToken,
		Timeout:   time.Duration(cfg.Delivery.TimeoutSecs) * time.Second,
	})
	deliverer := delivery.NewDeliverer(st, sink, retryCfg)

	sched := scheduler.New(st, chain, deliverer, scheduler.Options{
		BatchSize:   cfg.Batch.Size,
		MaxParallel: cfg.Batch.MaxParallel,
		GracePeriod: time.Duration(cfg.Batch.GraceSecs) * time.Second,
	})

	zap.L().Info("engine initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("providers", registry.List()),
		zap.Int("batch_size", cfg.Batch.Size),
		zap.Int("max_parallel", cfg.Batch.MaxParallel),
	)

	return &engineEnv{
		Store:     st,
		Ledger:    ledger,
		Breakers:  breakers,
		Registry:  registry,
		Chain:     chain,
		Deliverer: deliverer,
		Scheduler: sched,
		Collector: monitoring.NewCollector(st, ledger, breakers),
	}, nil
}
