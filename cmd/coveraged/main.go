package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rossigee/street-coverage/internal/api"
	"github.com/rossigee/street-coverage/internal/auth"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/coverage"
	"github.com/rossigee/street-coverage/internal/events"
	"github.com/rossigee/street-coverage/internal/geocode"
	"github.com/rossigee/street-coverage/internal/ingest"
	"github.com/rossigee/street-coverage/internal/jobs"
	"github.com/rossigee/street-coverage/internal/osm"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/sirupsen/logrus"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// A missing .env file is normal outside development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}()

	bus := events.New(cfg.Events.QueueSize)
	svc := coverage.NewService(store, bus, cfg.Coverage, cfg.Backfill)
	svc.Register(bus)

	source, err := buildSource(cfg.OSM)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize OSM extract sources")
	}

	var geocoder ingest.Geocoder
	client, err := geocode.NewClient(cfg.Geocoder)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize geocoder")
	}
	if client != nil {
		geocoder = client
	} else {
		logrus.Warn("No geocoder configured, areas must be created with an explicit boundary")
	}

	pipeline := ingest.NewPipeline(store, source, geocoder, svc, cfg)
	jobManager := jobs.NewManager(store, bus, pipeline, svc, cfg.Jobs)
	if err := jobManager.Recover(context.Background()); err != nil {
		logrus.WithError(err).Fatal("Failed to recover interrupted jobs")
	}

	authValidator, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize auth validator")
	}

	// Initialize Gin router
	if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	apiHandler := api.NewHandler(jobManager, svc, store, bus, version)
	api.SetupRoutes(router, apiHandler, authValidator.Middleware())

	// WriteTimeout stays unset so event streams are not cut off
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cleanupLoop(ctx, jobManager, cfg.Jobs.Retention)

	// Start server in a goroutine
	go func() {
		logrus.WithFields(logrus.Fields{
			"address": cfg.Address(),
			"version": version,
		}).Info("Starting street coverage server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	// Give outstanding requests and jobs 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}
	// Accepted trips and jobs still write to the store, so join them before
	// it is closed
	if err := apiHandler.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Asynchronous trips did not finish in time")
	}
	if err := jobManager.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Jobs did not stop in time")
	}

	logrus.Info("Server exited")
}

func setupLogging(cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)
}

// buildSource chains the local extract directory and the object store,
// whichever are configured
func buildSource(cfg config.OSMConfig) (osm.Source, error) {
	var chain osm.Chain
	if cfg.ExtractDir != "" {
		chain = append(chain, osm.DirSource{Dir: cfg.ExtractDir})
	}
	if cfg.MinIO.Endpoint != "" {
		store, err := osm.NewExtractStore(cfg.MinIO, cfg.Retry)
		if err != nil {
			return nil, err
		}
		chain = append(chain, store)
	}
	if len(chain) == 0 {
		logrus.Warn("No OSM extract source configured, ingestion will fail")
	}
	return chain, nil
}

// cleanupLoop periodically evicts finished jobs and prunes old job records
func cleanupLoop(ctx context.Context, m *jobs.Manager, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupCompletedJobs(ctx, retention)
		case <-ctx.Done():
			return
		}
	}
}
