package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/callrelay/core"
	"github.com/itsneelabh/callrelay/execution"
	"github.com/itsneelabh/callrelay/orchestration"
	"github.com/itsneelabh/callrelay/registry"
	"github.com/itsneelabh/callrelay/telemetry"
)

// app holds the components shared by every command.
type app struct {
	cfg       *core.Config
	logger    core.ComponentLogger
	provider  *telemetry.Provider
	client    *execution.Client
	store     registry.Store
	registry  *registry.Registry
	redis     *redis.Client
	scheduler *orchestration.Scheduler
}

func loadConfig() (*core.Config, error) {
	var opts []core.Option
	if configPath != "" {
		opts = append(opts, core.WithConfigFile(configPath))
	}
	return core.NewConfig(opts...)
}

// newApp wires configuration, logging, telemetry, the execution client and
// the registry. The remote client is optional for commands that only touch
// the local store.
func newApp(ctx context.Context, needRemote bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	logger := core.NewProductionLogger(cfg.Logging, cfg.Name)
	// stdout carries command output
	logger.SetOutput(os.Stderr)
	a.logger = logger

	if cfg.Telemetry.Enabled {
		a.provider, err = telemetry.NewProvider(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to start telemetry: %w", err)
		}
		a.provider.SetLogger(a.logger.WithComponent("telemetry"))
	}

	if cfg.Remote.BaseURL != "" {
		a.client, err = execution.NewClient(cfg)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.client.SetLogger(a.logger.WithComponent("execution"))
	} else if needRemote {
		a.Close(ctx)
		return nil, fmt.Errorf("remote base URL is not configured (set %s): %w",
			core.EnvBaseURL, core.ErrMissingConfiguration)
	}

	a.store, err = registry.NewStore(ctx, cfg.Registry)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	var regOpts []registry.Option
	regOpts = append(regOpts, registry.WithCacheTTL(cfg.Registry.CacheTTL))
	if a.client != nil {
		regOpts = append(regOpts, registry.WithCatalogSource(a.client))
	}
	a.registry = registry.New(a.store, regOpts...)
	a.registry.SetLogger(a.logger.WithComponent("registry"))

	return a, nil
}

// newScheduler builds the batch scheduler on top of the registry-backed
// invoker. Progress events go to Redis when a Redis URL is configured.
func (a *app) newScheduler(ctx context.Context) (*orchestration.Scheduler, error) {
	invoker := execution.NewInvoker(a.client, a.registry, a.cfg)
	invoker.SetLogger(a.logger.WithComponent("execution"))

	opts := []orchestration.SchedulerOption{
		orchestration.WithCategoryResolver(a.registry),
	}
	if a.provider != nil {
		opts = append(opts, orchestration.WithTelemetry(a.provider))
	}
	if a.cfg.Registry.RedisURL != "" {
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestration.WithProgressSink(
			orchestration.NewRedisProgressSink(client, a.cfg.Registry.KeyPrefix)))
	}

	a.scheduler = orchestration.NewScheduler(invoker, a.cfg, opts...)
	a.scheduler.SetLogger(a.logger.WithComponent("scheduler"))
	return a.scheduler, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	opt, err := redis.ParseURL(a.cfg.Registry.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redis = client
	return client, nil
}

// Close releases everything newApp and newScheduler acquired.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(context.WithoutCancel(ctx)))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
}
