package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IEatCodeDaily/mongo-sync/pkg/config"
	"github.com/IEatCodeDaily/mongo-sync/pkg/metrics"
	"github.com/IEatCodeDaily/mongo-sync/pkg/pipeline"
	"github.com/IEatCodeDaily/mongo-sync/pkg/sink"
	"github.com/IEatCodeDaily/mongo-sync/pkg/source"
	"github.com/IEatCodeDaily/mongo-sync/pkg/transform"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// destination is a sink the sync can write to and probe before scanning
type destination interface {
	pipeline.Destination
	Connect(ctx context.Context) error
	IsEmpty(ctx context.Context) (bool, error)
	Close() error
}

func runCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the initial scan and change stream pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	return cmd
}

func run(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal, stopping sync")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger = logger.With(zap.String("pipeline", cfg.Pipeline.Name))
	logger.Info("loaded configuration")

	mapper, err := transform.New(cfg.Transformer.Type, cfg.Transformer.Settings, logger)
	if err != nil {
		return errors.Wrap(err, "failed to create transformer")
	}

	recorder := metrics.NewMetrics(cfg.Pipeline.Name, nil)

	src := source.NewMongoDBSource(
		cfg.Source.Settings.GetString("uri"),
		cfg.Source.Settings.GetString("database"),
		cfg.Source.Settings.GetString("collection"),
		logger,
	)
	if err := src.Connect(ctx); err != nil {
		return err
	}
	defer src.Close()
	recorder.SetSourceConnected(true)

	dst := newDestination(cfg.Sink, logger)
	if err := dst.Connect(ctx); err != nil {
		return err
	}
	defer dst.Close()
	recorder.SetSinkConnected(true)

	s := pipeline.InitSync(src, dst,
		pipeline.WithName(cfg.Pipeline.Name),
		pipeline.WithMapper(mapper),
		pipeline.WithLogger(logger),
	)
	defer recorder.Subscribe(s)()
	defer logEvents(s, logger)()
	// closing first drains queued events to the subscribers above
	defer s.Close()

	if cfg.Metrics.Address != "" {
		server := metrics.NewServer(cfg.Metrics.Address, s, nil, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", zap.Error(err))
			}
		}()
	}

	scan, err := shouldScan(ctx, cfg.Pipeline.Sync, dst, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Pipeline.Sync.ChangeStreamEnabled() {
		ctrl, err := s.ProcessChangeStream(cfg.Pipeline.Sync.StreamOptions())
		if err != nil {
			return err
		}
		g.Go(func() error { return ctrl.Start(gctx) })
	}
	if scan {
		ctrl, err := s.RunInitialScan(cfg.Pipeline.Sync.ScanOptions())
		if err != nil {
			return err
		}
		g.Go(func() error { return ctrl.Start(gctx) })
	}

	recorder.SetPipelineRunning(true)
	defer recorder.SetPipelineRunning(false)

	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "sync stopped")
	}
	logger.Info("sync stopped")
	return nil
}

func newDestination(cfg config.SinkConfig, logger *zap.Logger) destination {
	if cfg.Type == config.TypePostgreSQL {
		return sink.NewPostgreSQLSink(
			cfg.Settings.GetString("connection_string"),
			cfg.Settings.GetString("table"),
			logger,
		)
	}
	return sink.NewMongoDBSink(
		cfg.Settings.GetString("uri"),
		cfg.Settings.GetString("database"),
		cfg.Settings.GetString("collection"),
		logger,
	)
}

// shouldScan runs the initial scan only into an empty destination unless it is forced
func shouldScan(ctx context.Context, cfg config.SyncConfig, dst destination, logger *zap.Logger) (bool, error) {
	if !cfg.InitialScan {
		return false, nil
	}
	if cfg.ForceInitialScan {
		logger.Info("force initial scan is enabled, scanning all documents")
		return true, nil
	}
	empty, err := dst.IsEmpty(ctx)
	if err != nil {
		return false, err
	}
	if !empty {
		logger.Info("destination already holds data, skipping initial scan")
		return false, nil
	}
	logger.Info("destination is empty, running initial scan")
	return true, nil
}

// logEvents logs every outcome event and returns a func that stops logging
func logEvents(s *pipeline.Sync, logger *zap.Logger) func() {
	offProcess := s.Subscribe(pipeline.KindProcess, func(e pipeline.Event) {
		level := zap.DebugLevel
		if e.Fail > 0 {
			level = zap.WarnLevel
		}
		logger.Check(level, "processed batch").Write(
			zap.String("source", string(e.Source)),
			zap.Int("success", e.Success),
			zap.Int("fail", e.Fail),
			zap.Duration("duration", e.Duration))
	})
	offError := s.Subscribe(pipeline.KindError, func(e pipeline.Event) {
		logger.Error("batch failed", zap.String("source", string(e.Source)), zap.Error(e.Err))
	})
	return func() {
		offProcess()
		offError()
	}
}
