// Command redisfleet runs the Redis fleet orchestrator and its admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/redisfleet/redisfleet/internal/analytics"
	"github.com/redisfleet/redisfleet/internal/archive"
	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/cache"
	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/health"
	"github.com/redisfleet/redisfleet/internal/metrics"
	"github.com/redisfleet/redisfleet/internal/registry"
	"github.com/redisfleet/redisfleet/pkg/api"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	configFile := flag.String("config", "", "configuration document (yaml or json) used instead of the environment")
	writeConfig := flag.String("write-config", "", "write the effective configuration to this path (yaml or json by extension) and exit")
	flag.Parse()

	if err := run(*envFile, *configFile, *writeConfig); err != nil {
		fmt.Fprintf(os.Stderr, "redisfleet: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile, configFile, writeConfig string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if writeConfig != "" {
		return cfg.SaveToFile(writeConfig)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := config.NewProvider(cfg, logger)
	if err != nil {
		return err
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.Server.MetricsEnabled
	collector, err := metrics.NewCollector(mcfg)
	if err != nil {
		return err
	}

	regOpts := registry.DefaultOptions()
	regOpts.Recorder = collector
	reg := registry.New(provider, regOpts, logger)
	if err := reg.Initialize(ctx); err != nil {
		return err
	}
	if err := reg.Start(ctx); err != nil {
		return err
	}
	defer reg.Stop()

	lb := balancer.New(provider, reg, logger, balancer.WithRecorder(collector))
	lb.Start(ctx)
	defer lb.Stop()

	var (
		arch         *archive.Archive
		analyticsOpt []analytics.Option
	)
	if provider.Archive().Enabled() {
		arch, err = archive.New(ctx, provider.Archive(), logger)
		if err != nil {
			return err
		}
		if err := arch.HealthCheck(ctx); err != nil {
			logger.Warn("Archive bucket is not reachable", map[string]interface{}{"error": err.Error()})
		}
		analyticsOpt = append(analyticsOpt, analytics.WithSink(arch))
	}

	hs := health.NewService(provider, reg, lb, logger, health.WithRecorder(collector))
	hs.Start(ctx)
	defer hs.Stop()

	an := analytics.NewService(provider, reg, lb, logger, analyticsOpt...)
	an.Start(ctx)
	defer an.Stop()

	facade, err := cache.New(provider, reg, lb, logger, cache.WithRecorder(collector))
	if err != nil {
		return err
	}
	facade.Start(ctx)
	defer facade.Stop()

	events, unsubscribe := reg.Subscribe(64)
	defer unsubscribe()

	srvCfg := api.DefaultServerConfig()
	srvCfg.Address = cfg.Server.Address
	srvCfg.EnableMetrics = cfg.Server.MetricsEnabled
	server := api.NewServer(srvCfg, api.Services{
		Provider:  provider,
		Registry:  reg,
		Balancer:  lb,
		Health:    hs,
		Analytics: an,
		Cache:     facade,
		Archive:   arch,
		Metrics:   collector.Handler(),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		collector.Watch(gctx, events)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("Redis fleet started", map[string]interface{}{
		"instances": len(provider.Instances()),
		"strategy":  provider.LoadBalancing().Strategy,
		"archive":   arch != nil,
	})
	err = g.Wait()
	logger.Info("Redis fleet stopped", nil)
	return err
}

func loadConfig(path string) (*config.Configuration, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load(viper.New())
}

func newLogger(lc config.LoggingConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	cfg := utils.DefaultStructuredLoggerConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = os.Stderr
	return utils.NewStructuredLogger(cfg)
}
