package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/securitycam/internal/api"
	"github.com/mikeyg42/securitycam/internal/camera"
	"github.com/mikeyg42/securitycam/internal/clip"
	"github.com/mikeyg42/securitycam/internal/config"
	"github.com/mikeyg42/securitycam/internal/input"
	"github.com/mikeyg42/securitycam/internal/motion"
	"github.com/mikeyg42/securitycam/internal/recorder"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
	"github.com/mikeyg42/securitycam/internal/recorder/storage"
	"github.com/mikeyg42/securitycam/internal/status"
	"github.com/mikeyg42/securitycam/internal/upload"
	"github.com/mikeyg42/securitycam/internal/validate"
)

// Application struct that holds all components
type Application struct {
	config    *config.Config
	logger    recorderlog.Logger
	zapLogger *zap.Logger

	source     *camera.MediaSource
	detector   *motion.Detector
	writer     clip.Writer
	dir        clip.Dir
	queue      *upload.Queue
	store      *storage.MinIOStore
	worker     *upload.Worker
	journal    *storage.Journal
	hub        *status.Hub
	metrics    *status.Metrics
	dispatcher *input.Dispatcher
	recorder   *recorder.Recorder
	servers    *ServerManager

	cancelWorker context.CancelFunc
	cancelHub    context.CancelFunc
	started      bool
	recorderDone chan struct{}
	workerDone   chan struct{}
	wg           sync.WaitGroup
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "path to a .env file (optional)")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		log.Fatal(err)
	}
}

// run owns the application's lifetime; every exit path goes through the
// single deferred Cleanup.
func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	app.startProcessing(ctx)
	<-ctx.Done()
	app.logger.Info("Shutdown signal received")
	return nil
}

// NewApplication builds the logger and every component that does not touch
// the camera.
func NewApplication(cfg *config.Config) (*Application, error) {
	logger, z, err := recorderlog.NewZap(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	recorderlog.ReplaceGlobal(logger)
	zap.ReplaceGlobals(z)

	app := &Application{
		config:       cfg,
		logger:       logger.Named("app"),
		zapLogger:    z,
		dir:          clip.NewDir(cfg.Recording.ClipDir),
		hub:          status.NewHub(logger),
		metrics:      status.NewMetrics(),
		recorderDone: make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	app.queue = upload.NewQueue(cfg.Upload.QueueDepth, logger)
	app.metrics.RegisterQueueDepth(app.queue.Len)

	detector, err := motion.NewDetector(cfg.MotionDetector())
	if err != nil {
		return nil, fmt.Errorf("failed to create motion detector: %w", err)
	}
	app.detector = detector

	if cfg.Storage.Journal.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		journal, err := storage.OpenJournal(ctx, cfg.Journal())
		if err != nil {
			// the journal is an audit trail; recording works without it
			app.logger.Warn("Clip journal unavailable", recorderlog.Error(err))
		} else {
			app.journal = journal
		}
	}

	app.dispatcher = input.NewDispatcher(input.Actions{
		ToggleScreen: app.hub.ToggleScreen,
		RequeueAll:   app.requeueAll,
	}, input.DefaultEventBuffer, logger)

	return app, nil
}

// Initialize opens the camera, selects the clip backend and wires the
// recorder, upload worker and API server.
func (app *Application) Initialize(ctx context.Context) error {
	cfg := app.config

	source, err := camera.NewMediaSource(cfg.CameraSource())
	if err != nil {
		return fmt.Errorf("failed to create camera source: %w", err)
	}
	if err := source.Init(camera.ModeWatch); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	app.source = source

	writer, err := clip.Configure(source.Capabilities(), clip.Options{
		Dir:        app.dir,
		FPS:        cfg.Recording.FPS,
		MaxSeconds: cfg.Recording.MaxClipSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to configure clip writer: %w", err)
	}
	app.writer = writer

	if err := app.buildWorker(); err != nil {
		return err
	}

	deps := recorder.Deps{
		Source:    source,
		Detector:  app.detector,
		Writer:    writer,
		Dir:       app.dir,
		Handoff:   app.handoff(),
		Sink:      status.Multi{app.hub, app.metrics},
		Telemetry: app.metrics,
		Logger:    app.logger,
	}
	if app.journal != nil {
		deps.Journal = app.journal
	}
	rec, err := recorder.New(cfg.Recorder(), deps)
	if err != nil {
		return fmt.Errorf("failed to create recorder: %w", err)
	}
	app.recorder = rec

	if cfg.API.Enabled {
		apiDeps := api.Deps{
			Recorder: rec,
			Hub:      app.hub,
			Queue:    app.queue,
			Buttons:  app.dispatcher,
			Requeue:  app.requeueAll,
			Metrics:  app.metrics.Handler(),
			Logger:   app.logger,
		}
		if app.journal != nil {
			apiDeps.Journal = app.journal
		}
		if app.store != nil {
			apiDeps.Store = app.store
		}
		srv, err := api.NewServer(api.Options{
			Addr:         cfg.API.ListenAddr,
			RateLimit:    cfg.API.RateLimit,
			RateBurst:    cfg.API.RateBurst,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}, apiDeps)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		app.servers = NewServerManager(srv, app.logger)
		if err := app.servers.Start(ctx, cfg.API.ListenAddr); err != nil {
			return err
		}
	}
	return nil
}

// buildWorker picks the upload transport. With "none" clips stay on disk.
func (app *Application) buildWorker() error {
	cfg := app.config
	var transport upload.Transport

	switch cfg.Upload.Transport {
	case "none":
		app.logger.Warn("Uploads disabled; clips stay in the clip directory")
		return nil
	case "minio":
		store, err := storage.NewMinIOStore(cfg.MinIOStore())
		if err != nil {
			return fmt.Errorf("failed to create object store: %w", err)
		}
		app.store = store
		transport = upload.NewObjectStoreTransport(store, cfg.Upload.KeyPrefix, cfg.Device)
	default:
		t, err := upload.NewPresignTransport(cfg.Presign(), app.logger)
		if err != nil {
			return fmt.Errorf("failed to create presign transport: %w", err)
		}
		transport = t
	}

	opts := []upload.WorkerOption{
		upload.WithStatus(status.Multi{app.hub, app.metrics}),
		upload.WithFailureCounter(app.metrics),
		upload.WithLogger(app.logger),
	}
	if app.journal != nil {
		opts = append(opts, upload.WithJournal(app.journal))
	}
	app.worker = upload.NewWorker(app.queue, transport, app.dir, app.writer.Ext(), opts...)
	return nil
}

// handoff is where the recorder sends finished clips.
func (app *Application) handoff() recorder.Enqueuer {
	if app.worker == nil {
		return discardHandoff{logger: app.logger}
	}
	return app.queue
}

func (app *Application) requeueAll() (int, error) {
	if app.worker == nil {
		return 0, errors.New("uploads are disabled")
	}
	return upload.Requeue(app.dir, app.writer.Ext(), app.queue, app.logger)
}

func (app *Application) startProcessing(ctx context.Context) {
	// the worker and hub outlive ctx so the queue can drain after the
	// recorder hands off its last clip
	bg := context.WithoutCancel(ctx)
	workerCtx, cancelWorker := context.WithCancel(bg)
	hubCtx, cancelHub := context.WithCancel(bg)
	app.cancelWorker = cancelWorker
	app.cancelHub = cancelHub
	app.started = true

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.hub.Run(hubCtx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.dispatcher.Run(ctx)
	}()

	if app.worker != nil {
		go func() {
			defer close(app.workerDone)
			app.worker.Run(workerCtx)
		}()
		if app.config.Upload.RequeueOnStart {
			if _, err := app.requeueAll(); err != nil {
				app.logger.Warn("Startup requeue failed", recorderlog.Error(err))
			}
		}
	} else {
		close(app.workerDone)
	}

	go func() {
		defer close(app.recorderDone)
		if err := app.recorder.Run(ctx); err != nil {
			app.logger.Error("Recorder stopped", recorderlog.Error(err))
		}
	}()
}

// Cleanup stops the recorder first, then drains uploads under the drain
// timeout, then releases the camera.
func (app *Application) Cleanup() {
	if app.servers != nil {
		app.servers.Cleanup()
	}

	if app.started {
		select {
		case <-app.recorderDone:
		case <-time.After(5 * time.Second):
			app.logger.Warn("Recorder did not stop in time")
		}
	}

	if app.queue != nil {
		app.queue.Close()
	}
	if app.worker != nil && app.started {
		select {
		case <-app.workerDone:
		case <-time.After(app.config.Upload.DrainTimeout):
			app.logger.Warn("Upload drain timed out",
				recorderlog.Int("pending", app.queue.Len()))
			app.cancelWorker()
			<-app.workerDone
		}
	}

	if app.cancelHub != nil {
		app.cancelHub()
	}
	app.wg.Wait()

	if app.source != nil {
		if err := app.source.Deinit(); err != nil {
			app.logger.Warn("Camera deinit failed", recorderlog.Error(err))
		}
	}
	if app.detector != nil {
		app.detector.Close()
	}
	if app.journal != nil {
		if err := app.journal.Close(); err != nil {
			app.logger.Warn("Journal close failed", recorderlog.Error(err))
		}
	}
	app.logger.Info("Shutdown complete")
	if app.zapLogger != nil {
		_ = app.zapLogger.Sync()
	}
}

// discardHandoff stands in for the queue when uploads are disabled.
type discardHandoff struct{ logger recorderlog.Logger }

func (d discardHandoff) Enqueue(id string) bool {
	d.logger.Debug("Clip kept locally", recorderlog.String("clip", id))
	return true
}
