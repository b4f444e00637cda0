package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facelock/internal/api"
	"github.com/your-org/facelock/internal/api/handlers"
	"github.com/your-org/facelock/internal/api/ws"
	"github.com/your-org/facelock/internal/config"
	"github.com/your-org/facelock/internal/identity"
	"github.com/your-org/facelock/internal/ingest"
	"github.com/your-org/facelock/internal/mqtt"
	"github.com/your-org/facelock/internal/observability"
	"github.com/your-org/facelock/internal/pipeline"
	"github.com/your-org/facelock/internal/queue"
	"github.com/your-org/facelock/internal/session"
	"github.com/your-org/facelock/internal/storage"
	"github.com/your-org/facelock/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("facelock exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting facelock",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"matcher", cfg.Identity.Matcher,
		"enrollment", cfg.Identity.EnrollmentMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]handlers.Check{}

	// Postgres serves as identity backend and/or session history.
	var db *storage.PostgresStore
	if cfg.Store.Backend == "postgres" || cfg.Database.Enabled() {
		var err error
		db, err = storage.NewPostgresStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		checks["postgres"] = db.Ping
	}

	backend, closeBackend, err := openBackend(cfg, db)
	if err != nil {
		return err
	}
	defer closeBackend()

	images, err := openImages(ctx, cfg)
	if err != nil {
		return err
	}
	if m, ok := images.(*storage.MinIOImages); ok {
		checks["minio"] = m.Ping
	}

	store := identity.NewStore(backend, images)
	if err := store.Load(ctx); err != nil {
		return err
	}

	// Vision models. Without them the service still manages identities.
	detector, embedder, closeModels := loadModels(cfg)
	defer closeModels()

	// Session sinks
	hub := ws.NewHub()
	go hub.Run(ctx)

	sinks := []*session.AsyncSink{
		session.NewAsyncSink("log", session.LogPublisher{}, cfg.Session.SinkBuffer),
		session.NewAsyncSink("ws", hub, cfg.Session.SinkBuffer),
	}

	var producer *queue.Producer
	if cfg.NATS.URL != "" {
		producer, err = queue.NewProducer(natsOptions(cfg, "facelock"))
		if err != nil {
			return err
		}
		defer producer.Close()
		if err := producer.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		sinks = append(sinks, session.NewAsyncSink("nats", producer, cfg.Session.SinkBuffer))
		checks["nats"] = func(context.Context) error { return producer.Ping() }
	}

	if cfg.MQTT.Broker != "" {
		sink, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			slog.Warn("mqtt unavailable, session updates will not be published there", "error", err)
		} else {
			defer sink.Close()
			sinks = append(sinks, session.NewAsyncSink("mqtt", sink, cfg.Session.SinkBuffer))
		}
	}

	if db != nil {
		sinks = append(sinks, session.NewAsyncSink("postgres", db, cfg.Session.SinkBuffer))
	}

	fanout := make(session.Fanout, 0, len(sinks))
	for _, s := range sinks {
		fanout = append(fanout, s)
	}

	engine, err := session.NewEngine(session.Config{
		SessionID:         cfg.Session.ID,
		StabilityDuration: cfg.Session.StabilityDuration,
		NoFaceTimeout:     cfg.Session.NoFaceTimeout,
		AllowLockOverride: cfg.Session.LockOverride(),
		ActivateOnFace:    cfg.Session.AutoStart,
	}, fanout)
	if err != nil {
		return err
	}

	var matcher identity.Matcher = identity.LinearMatcher{}
	if cfg.Identity.Matcher == config.MatcherHNSW {
		matcher = identity.NewHNSWMatcher()
	}

	newResolver := func(embed identity.Embedder) (*identity.Resolver, error) {
		opts := []identity.ResolverOption{identity.WithMatcher(matcher)}
		if cfg.Identity.EnrollmentMode == config.EnrollmentWindowed {
			opts = append(opts, identity.WithRegistrar(
				identity.NewWindowedEnroller(store, cfg.Identity.AnalysisWindow, cfg.Identity.MaxDeviation)))
		}
		return identity.NewResolver(identity.ResolverConfig{
			Thresholds: identity.Thresholds{
				Confident: cfg.Identity.ConfidentThreshold,
				Reject:    cfg.Identity.RejectThreshold,
			},
			Cooldown:     cfg.Identity.Cooldown,
			EmbedTimeout: cfg.Identity.EmbedTimeout,
		}, store, embed, opts...)
	}

	// Lookups only read the store; an embedder is required by the resolver
	// but never called on this path.
	var lookupEmbed identity.Embedder = identity.EmbedderFunc(unavailableEmbedder)
	if embedder != nil {
		lookupEmbed = embedder
	}
	lookup, err := newResolver(lookupEmbed)
	if err != nil {
		return err
	}

	var extractor handlers.FaceExtractor
	if detector != nil && embedder != nil {
		extractor = &vision.Extractor{Detector: detector, Embedder: embedder, CropPadding: cfg.Vision.CropPadding}
	}

	faceH := handlers.NewFaceHandler(store, lookup, extractor, engine)

	// Cameras
	var manager *ingest.Manager
	var cameraH *handlers.CameraHandler
	if detector != nil && embedder != nil {
		manager = ingest.NewManager(ingest.ManagerConfig{
			FrameWidth: cfg.Vision.FrameWidth,
			DefaultFPS: cfg.Vision.DefaultFPS,
			MaxRetries: cfg.Ingest.MaxRetries,
			BaseDelay:  cfg.Ingest.RetryDelay,
		}, &ingest.FFmpeg{Binary: cfg.Ingest.FFmpegPath}, func(cam ingest.Camera) (ingest.Runner, error) {
			resolver, err := newResolver(embedder)
			if err != nil {
				return nil, err
			}
			return pipeline.New(pipelineConfig(cfg, cam.ID), detector, resolver, engine), nil
		})
		defer manager.StopAll()

		for _, c := range cfg.Cameras {
			if err := manager.Start(ctx, ingest.Camera{ID: c.ID, URL: c.URL, FPS: c.FPS}); err != nil {
				slog.Error("start camera", "camera", c.ID, "error", err)
			}
		}
		cameraH = handlers.NewCameraHandler(ctx, manager)
	} else if len(cfg.Cameras) > 0 {
		slog.Warn("vision models not loaded, configured cameras are not started", "cameras", len(cfg.Cameras))
	}

	// Rename trigger over NATS request/reply
	if cfg.NATS.URL != "" {
		consumer, err := queue.NewConsumer(natsOptions(cfg, "facelock-rename"))
		if err != nil {
			return err
		}
		defer consumer.Close()
		if err := consumer.ServeRenames(ctx, faceH.RenameIdentity); err != nil {
			return err
		}
	}

	activeCameras := func() int { return 0 }
	if manager != nil {
		activeCameras = manager.ActiveCount
	}

	router := api.NewRouter(api.RouterConfig{
		APIKey:      cfg.Server.APIKey,
		CORSOrigins: cfg.Server.CORSOrigins,
		Faces:       faceH,
		Session:     handlers.NewSessionHandler(engine),
		Cameras:     cameraH,
		System:      handlers.NewSystemHandler(store, cfg, checks, activeCameras),
		Hub:         hub,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("shutting down facelock...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if manager != nil {
		manager.StopAll()
	}
	engine.End(time.Now())
	for _, s := range sinks {
		s.Close()
	}
	cancel()

	slog.Info("facelock stopped")
	return nil
}

func openBackend(cfg *config.Config, db *storage.PostgresStore) (identity.Backend, func(), error) {
	switch cfg.Store.Backend {
	case "file":
		b, err := storage.NewFileBackend(cfg.Store.Path)
		return b, func() {}, err
	case "sqlite":
		b, err := storage.NewSQLiteBackend(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Warn("close sqlite", "error", err)
			}
		}, nil
	case "postgres":
		return db, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func openImages(ctx context.Context, cfg *config.Config) (identity.ImageStore, error) {
	switch cfg.Store.Images {
	case "local":
		return storage.NewDirImages(cfg.Store.ImagesDir)
	case "minio":
		m, err := storage.NewMinIOImages(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		return m, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown image store %q", cfg.Store.Images)
	}
}

// loadModels initializes ONNX Runtime and both models. Either model is nil
// when it could not be loaded. The returned func releases everything.
func loadModels(cfg *config.Config) (*vision.Detector, *vision.Embedder, func()) {
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Warn("onnx runtime init failed, recognition is unavailable", "error", err)
		return nil, nil, func() {}
	}

	detector, err := vision.NewDetector(
		filepath.Join(cfg.Vision.ModelsDir, cfg.Vision.DetectorModel),
		float32(cfg.Vision.DetectionThreshold), nil)
	if err != nil {
		slog.Warn("load face detector", "error", err)
	}

	embedder, err := vision.NewEmbedder(vision.EmbedderConfig{
		ModelPath: filepath.Join(cfg.Vision.ModelsDir, cfg.Vision.EmbedderModel),
		InputSize: cfg.Vision.EmbedderInputSize,
		Normalize: cfg.Vision.NormalizeEmbedding,
	})
	if err != nil {
		slog.Warn("load face embedder", "error", err)
	}

	if detector != nil && embedder != nil {
		slog.Info("vision models loaded", "embedding_dim", embedder.Dim())
	}
	return detector, embedder, func() {
		if detector != nil {
			detector.Close()
		}
		if embedder != nil {
			embedder.Close()
		}
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("destroy onnx runtime", "error", err)
		}
	}
}

func pipelineConfig(cfg *config.Config, cameraID string) pipeline.Config {
	return pipeline.Config{
		CameraID: cameraID,
		Filter: vision.FaceFilter{
			MinSize:        cfg.Vision.MinFaceSize,
			MinAspectRatio: cfg.Vision.MinAspectRatio,
			MaxAspectRatio: cfg.Vision.MaxAspectRatio,
		},
		CropPadding: cfg.Vision.CropPadding,
		Tracker: vision.TrackerConfig{
			MaxAge:       cfg.Tracking.MaxAge,
			MinHits:      cfg.Tracking.MinHits,
			IoUThreshold: float32(cfg.Tracking.IoUThreshold),
		},
		DisplayTTL:   cfg.Tracking.DisplayTTL,
		TickInterval: cfg.Session.TickInterval,
	}
}

func natsOptions(cfg *config.Config, name string) queue.Options {
	return queue.Options{
		URL:           cfg.NATS.URL,
		SessionPrefix: cfg.NATS.SessionPrefix,
		RenameSubject: cfg.NATS.RenameSubject,
		Name:          name,
	}
}

func unavailableEmbedder(context.Context, image.Image) ([]float32, error) {
	return nil, errors.New("embedding model not loaded")
}

// getONNXLibPath returns the ONNX Runtime shared library path.
func getONNXLibPath() string {
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
