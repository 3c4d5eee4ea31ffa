// Package main runs the pipeline host: the upload and sensor pipelines, their
// scheduler, the upload queues and the HTTP API.
//
// Settings come from the environment (optionally a .env file), see
// pkg/config. Preferences, upload history and rate limits live in Redis;
// without Redis the process still runs, keeping preferences in memory.
//
// Usage:
//
//	go run ./cmd/server
//
// The API listens on HTTP_ADDR (:8081) and metrics on METRICS_ADDR (:8080).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/api"
	"github.com/guido-cesarano/pipelined/pkg/archive"
	"github.com/guido-cesarano/pipelined/pkg/config"
	"github.com/guido-cesarano/pipelined/pkg/events"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/manager"
	"github.com/guido-cesarano/pipelined/pkg/netcheck"
	"github.com/guido-cesarano/pipelined/pkg/pipeline"
	"github.com/guido-cesarano/pipelined/pkg/prefs"
	"github.com/guido-cesarano/pipelined/pkg/probe"
	"github.com/guido-cesarano/pipelined/pkg/queue"
	"github.com/guido-cesarano/pipelined/pkg/sensordb"
	"github.com/guido-cesarano/pipelined/pkg/status"
	"github.com/guido-cesarano/pipelined/pkg/upload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

// stores groups the preference namespaces of the process.
type stores struct {
	uploads prefs.Store
	sensors prefs.Store
	status  prefs.Store
}

func openStores(ctx context.Context, cfg config.Config) (stores, *redis.Client) {
	rdb := prefs.NewRedisClient(cfg.RedisAddr)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, preferences will not survive a restart")
		rdb.Close()
		return stores{
			uploads: prefs.NewMemoryStore(cfg.PrefsNamespace + ":uploads"),
			sensors: prefs.NewMemoryStore(cfg.PrefsNamespace + ":sensors"),
			status:  prefs.NewMemoryStore(cfg.PrefsNamespace + ":status"),
		}, nil
	}
	return stores{
		uploads: prefs.NewRedisStore(rdb, cfg.PrefsNamespace+":uploads"),
		sensors: prefs.NewRedisStore(rdb, cfg.PrefsNamespace+":sensors"),
		status:  prefs.NewRedisStore(rdb, cfg.PrefsNamespace+":status"),
	}, rdb
}

// newRemote builds the configured archive. The returned func releases it.
func newRemote(ctx context.Context, cfg config.Config) (archive.Remote, func(), error) {
	switch cfg.Remote {
	case config.RemoteMinio:
		m, err := archive.NewMinioArchive(ctx, cfg.Remote, archive.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Prefix:    cfg.Minio.Prefix,
			UseSSL:    cfg.Minio.UseSSL,
		})
		return m, func() {}, err
	case config.RemoteGCS:
		g, err := archive.NewGCSArchive(ctx, cfg.Remote, archive.GCSConfig{
			Bucket:          cfg.GCS.Bucket,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Prefix:          cfg.GCS.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, func() { _ = g.Close() }, nil
	case config.RemoteDir:
		return archive.NewDirArchive(cfg.Remote, cfg.RemoteDir), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown remote %q", cfg.Remote)
}

func main() {
	cfg := config.Load()
	logger.Configure(cfg.AppEnv, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, rdb := openStores(ctx, cfg)
	var (
		journal *queue.Journal
		limiter *queue.Limiter
		history upload.Journal
	)
	if rdb != nil {
		defer rdb.Close()
		journal = queue.NewJournal(rdb, cfg.PrefsNamespace)
		limiter = queue.NewLimiter(rdb, cfg.UploadRate, cfg.UploadBurst)
		history = journal
	}

	bus := events.NewBus(cfg.EventBuffer)
	bus.SubscribeAll(func(e events.Event) {
		logger.Log.Info().
			Str("kind", string(e.Kind)).
			Str("component", e.Component).
			Str("function", e.Function).
			Bool("success", e.Success).
			Msg(e.Message)
	})
	go bus.Run(ctx)

	remote, closeRemote, err := newRemote(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("remote", cfg.Remote).Msg("Failed to set up remote archive")
	}
	defer closeRemote()

	rec := status.NewRecorder(st.status, bus, "UploadService")
	uploads := upload.NewService(ctx, upload.ServiceOptions{
		Remotes:      []archive.Remote{remote},
		Connectivity: netcheck.NewChecker(cfg.WifiInterfaces),
		Status:       rec,
		Journal:      history,
		MaxFailures:  cfg.MaxUploadRetries,
	})

	db, err := sensordb.Open(filepath.Join(cfg.DataDir, "sensordb"))
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to open sensor database")
	}
	defer db.Close()

	probes := probe.Builtins()
	durations := make(map[string]time.Duration, len(probes))
	for name := range probes {
		durations[name] = cfg.ProbeDuration
	}

	// Pipelines restore before the manager is bound so every persisted task
	// registers exactly once, on Bind.
	uploadPipeline := pipeline.NewUploadPipeline(pipeline.UploadConfig{
		Remote:   remote.ID(),
		WifiOnly: cfg.WifiOnly,
	}, st.uploads, nil, uploads, rec, bus)
	sensorPipeline := pipeline.NewSensorPipeline(pipeline.SensorConfig{
		ArchiveDir: cfg.ArchiveDir,
		ExportDir:  cfg.ExportDir,
		Remote:     remote.ID(),
		Folder:     sensordb.DBName,
		WifiOnly:   cfg.WifiOnly,
		Durations:  durations,
		Periods: map[string]int{
			pipeline.ActionArchiveData: int(cfg.ArchivePeriod.Seconds()),
			pipeline.ActionExportData:  int(cfg.ExportPeriod.Seconds()),
			pipeline.ActionClearBackup: int(cfg.ClearPeriod.Seconds()),
		},
		HideSensitiveData: cfg.HideSensitiveData,
	}, st.sensors, nil, db, uploads, probes, bus)

	restored := uploadPipeline.Restore(ctx) + sensorPipeline.Restore(ctx)
	logger.Log.Info().Int("tasks", restored).Msg("Pipelines restored")

	mgr := manager.NewCronManager(ctx)
	if err := errors.Join(uploadPipeline.Bind(mgr), sensorPipeline.Bind(mgr)); err != nil {
		logger.Log.Error().Err(err).Msg("Some tasks could not be scheduled")
	}
	mgr.Start()

	// Pick up archives left behind by a previous run.
	if n, err := sensorPipeline.UploadDB(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to queue pending archives")
	} else if n > 0 {
		logger.Log.Info().Int("archives", n).Msg("Queued pending archives")
	}

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	apiServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(&api.App{
			Uploads:   uploadPipeline,
			Sensors:   sensorPipeline,
			Queues:    uploads,
			Journal:   journal,
			Limiter:   limiter,
			Schedules: mgr,
			APIKey:    cfg.APIKey,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	go serve(metricsServer, "Metrics server")
	go serve(apiServer, "Server")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info().Msg("Shutting down...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("API server shutdown failed")
	}

	mgr.Stop()
	sensorPipeline.Destroy()
	uploadPipeline.Destroy(shutdownCtx)
	uploads.Close()

	bus.Close()
	bus.Wait()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func serve(srv *http.Server, name string) {
	logger.Log.Info().Str("addr", srv.Addr).Msgf("%s listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal().Err(err).Msgf("%s failed", name)
	}
}
