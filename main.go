package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qingxi/config"
	"qingxi/internal/metrics"
	"qingxi/internal/pipeline"
	"qingxi/logger"
	"qingxi/models"
)

const (
	defaultConfigPath = "config/config.yml"
	defaultShardPath  = "config/ip_shards.yml"
	shutdownTimeout   = 30 * time.Second
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	shardPath := flag.String("shards", defaultShardPath, "Path to IP shard configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		MaxAge: cfg.Logging.MaxAge,
	}); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.Qingxi.Name,
		"version": cfg.Qingxi.Version,
		"env":     env,
	}).Info("starting qingxi")

	shards, err := config.LoadIPShards(*shardPath)
	switch {
	case err == nil:
		cfg.Sources = shards.Apply(cfg.Sources)
	case config.IsProductionLike(env):
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	default:
		log.WithError(err).Warn("no shard configuration; using default source IPs")
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			Dashboard:       cfg.Logging.DashboardName,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
	}

	p, err := pipeline.New(cfg, pipeline.Options{})
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		consume(p.Output())
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		log.Info("starting graceful shutdown")
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				log.WithError(err).Warn("pipeline stopped with error")
			}
		case <-time.After(shutdownTimeout):
			log.Warn("graceful shutdown timeout exceeded")
			exitCode = 1
		}
	case err := <-runErr:
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"kind": models.KindOf(err).String()}).Error("pipeline stopped")
			exitCode = 1
		}
		if errors.Is(err, pipeline.ErrNoCollectors) {
			log.Error("no exchange connection left")
		}
	}

	select {
	case <-consumed:
	case <-time.After(shutdownTimeout):
		log.Warn("output consumer did not finish")
	}
	log.Info("qingxi stopped")
	os.Exit(exitCode)
}

// consume stands in for strategy code: it drains cleaned snapshots and logs
// a data-flow summary per second.
func consume(out <-chan models.MarketDataSnapshot) {
	log := logger.GetLogger().WithComponent("consumer")
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	n := 0
	for {
		select {
		case s, ok := <-out:
			if !ok {
				if n > 0 {
					logger.LogDataFlowEntry(log, "pipeline", "consumer", n, "snapshot")
				}
				return
			}
			n++
			if s.QualityScore < 0.4 {
				log.WithExchange(s.Source).WithFields(logger.Fields{"quality": s.QualityScore}).Debug("low quality snapshot")
			}
		case <-tick.C:
			if n > 0 {
				logger.LogDataFlowEntry(log, "pipeline", "consumer", n, "snapshot")
				n = 0
			}
		}
	}
}
