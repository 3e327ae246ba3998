package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/replaycap/internal/api"
	"github.com/mikeyg42/replaycap/internal/capture"
	"github.com/mikeyg42/replaycap/internal/config"
	"github.com/mikeyg42/replaycap/internal/observe"
	"github.com/mikeyg42/replaycap/internal/recorder"
	"github.com/mikeyg42/replaycap/internal/recorder/muxer"
	"github.com/mikeyg42/replaycap/internal/recorder/recorderlog"
	"github.com/mikeyg42/replaycap/internal/recorder/storage"
)

const defaultShutdownTimeout = 30 * time.Second

// RecordOptions holds record command options
type RecordOptions struct {
	Duration     time.Duration
	SaveInterval time.Duration
	SaveOnExit   bool
}

func newRecordCommand(root *RootOptions) *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture and record until interrupted",
		Long: `Start capture and a recording in the configured mode.

In direct mode every frame is written to one file, finalized on exit.
In replay mode the last replay-duration of media is kept in memory and
written to a new file every save-interval, on SIGUSR1, and on exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, root, opts)
		},
	}

	cmd.Flags().String("mode", "", "Recording mode (direct, replay)")
	cmd.Flags().String("output-dir", "", "Directory for finished recordings")
	cmd.Flags().String("container", "", "Output container (mkv, mp4, mov)")
	cmd.Flags().Duration("replay-duration", 0, "Replay window length")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().DurationVar(&opts.SaveInterval, "save-interval", 0, "Save the replay window periodically (replay mode)")
	cmd.Flags().BoolVar(&opts.SaveOnExit, "save-on-exit", true, "Save the replay window before stopping (replay mode)")
	return cmd
}

var recordFlags = map[string]string{
	"recording.mode":            "mode",
	"recording.output_dir":      "output-dir",
	"recording.container":       "container",
	"recording.replay_duration": "replay-duration",
}

func runRecord(cmd *cobra.Command, root *RootOptions, opts *RecordOptions) error {
	cfg, err := loadConfig(root, cmd, recordFlags)
	if err != nil {
		return err
	}
	logger, err := recorderlog.NewProduction(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer recorderlog.Sync(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	metrics, shutdownMetrics, err := setupMetrics(gctx, g, cfg, logger)
	if err != nil {
		return err
	}
	archiver, closeArchive, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeArchive()

	sampleRate := 0
	if cfg.Audio.Enabled {
		sampleRate = cfg.Audio.SampleRate
	}
	source := capture.NewSynthetic(capture.SyntheticConfig{
		Width:      cfg.Video.Width,
		Height:     cfg.Video.Height,
		FrameRate:  cfg.Video.FrameRate,
		SampleRate: sampleRate,
		Channels:   cfg.Audio.Channels,
		Logger:     logger,
	})

	svc, err := recorder.New(recorder.Options{
		Config:   cfg,
		Source:   source,
		Logger:   logger,
		Metrics:  metrics,
		Archiver: archiver,
	})
	if err != nil {
		return err
	}
	if err := svc.StartCapture(gctx); err != nil {
		return err
	}
	if err := svc.StartRecording(gctx); err != nil {
		_ = svc.StopCapture(context.Background())
		return err
	}

	var notify func(error)
	if cfg.API.Enabled {
		apiOpts := api.Options{
			Addr:           cfg.API.Addr,
			AllowedOrigins: cfg.API.AllowedOrigins,
			SaveRateLimit:  cfg.API.SaveRateLimit,
			SaveRateWindow: cfg.API.SaveRateWindow,
			Logger:         logger,
		}
		if cfg.Metrics.Enabled {
			apiOpts.Metrics = promhttp.Handler()
		}
		srv := api.NewServer(svc, apiOpts)
		notify = srv.Notify
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		watchErrors(gctx, svc, logger, notify)
		return nil
	})
	if cfg.ReplayMode() {
		g.Go(func() error {
			return saveLoop(gctx, svc, opts.SaveInterval, logger)
		})
	}

	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-gctx.Done():
		logger.Info("Shutting down", recorderlog.Error(context.Cause(gctx)))
	case <-deadline:
		logger.Info("Recording duration reached", recorderlog.Duration("duration", opts.Duration))
	}

	timeout := cfg.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if cfg.ReplayMode() && opts.SaveOnExit {
		saveReplay(shutdownCtx, svc, logger)
	}
	if res, err := svc.StopRecording(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop recording: %w", err))
	} else if res != nil {
		logger.Info("Recording saved",
			recorderlog.String("path", res.Path),
			recorderlog.Duration("duration", res.Duration),
			recorderlog.Int64("bytes", res.Bytes))
	}
	if err := svc.StopCapture(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}

	cancelRun()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
	}
	return errors.Join(errs...)
}

// watchErrors logs service errors until ctx ends. notify, if set, gets
// every error as well.
func watchErrors(ctx context.Context, svc *recorder.Service, logger recorderlog.Logger, notify func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-svc.Errors():
			var failed *recorder.RecordingFailedError
			switch {
			case errors.As(err, &failed):
				logger.Error("Recording failed", recorderlog.String("id", failed.ID), recorderlog.Error(failed.Err))
			case errors.Is(err, muxer.ErrDroppedFrame):
				logger.Debug("Frame dropped", recorderlog.Error(err))
			default:
				logger.Warn("Recorder error", recorderlog.Error(err))
			}
			if notify != nil {
				notify(err)
			}
		}
	}
}

// saveLoop writes the replay window on every tick and save signal.
func saveLoop(ctx context.Context, svc *recorder.Service, interval time.Duration, logger recorderlog.Logger) error {
	sigs := make(chan os.Signal, 1)
	if len(saveSignals) > 0 {
		signal.Notify(sigs, saveSignals...)
		defer signal.Stop(sigs)
	}

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			saveReplay(ctx, svc, logger)
		case sig := <-sigs:
			logger.Info("Save requested", recorderlog.String("signal", sig.String()))
			saveReplay(ctx, svc, logger)
		}
	}
}

func saveReplay(ctx context.Context, svc *recorder.Service, logger recorderlog.Logger) {
	res, err := svc.SaveReplayBuffer(ctx)
	if res != nil {
		logger.Info("Replay saved",
			recorderlog.String("path", res.Path),
			recorderlog.Duration("duration", res.Duration),
			recorderlog.Bool("truncated", res.Truncated))
	}
	switch {
	case err == nil:
	case errors.Is(err, muxer.ErrReplayEmpty):
		logger.Info("Replay window is empty, nothing saved")
	default:
		logger.Warn("Replay save failed", recorderlog.Error(err))
	}
}

// setupMetrics installs the Prometheus-backed provider and serves /metrics
// on g until ctx ends. Disabled metrics return nil instruments.
func setupMetrics(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger recorderlog.Logger) (*observe.Metrics, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Metrics.Enabled {
		return nil, noop, nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version,
		InstanceID:     cfg.Service.InstanceID,
	})
	if err != nil {
		return nil, noop, fmt.Errorf("init metrics provider: %w", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = shutdown(context.Background())
		return nil, noop, fmt.Errorf("create instruments: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Serving metrics", recorderlog.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return metrics, shutdown, nil
}

// setupArchive connects the enabled stores. With neither enabled finished
// files stay local and the archiver is nil.
func setupArchive(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) (*storage.Archiver, func(), error) {
	var (
		objects storage.ObjectStore
		catalog storage.MetadataStore
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("Failed to close store", recorderlog.Error(err))
			}
		}
	}

	if cfg.Storage.MinIO.Enabled {
		store, err := storage.NewMinIOStore(ctx, cfg.MinIOConfig(), logger)
		if err != nil {
			return nil, closeAll, fmt.Errorf("connect object store: %w", err)
		}
		objects = store
	}
	if cfg.Storage.Postgres.Enabled {
		pg, err := storage.NewPostgresStore(ctx, cfg.PostgresConfig(), logger)
		if err != nil {
			return nil, closeAll, fmt.Errorf("connect catalog: %w", err)
		}
		catalog = pg
		closers = append(closers, pg.Close)
	}
	if objects == nil && catalog == nil {
		return nil, closeAll, nil
	}

	return storage.NewArchiver(objects, catalog, storage.ArchiverOptions{
		Bucket:      cfg.Storage.MinIO.Bucket,
		Prefix:      cfg.Storage.Archive.Prefix,
		DeleteLocal: cfg.Storage.Archive.DeleteLocal,
		Logger:      logger,
	}), closeAll, nil
}
