package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/auditlog"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mysql"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/database/redis"
	"github.com/kozaktomas/face-attendance/internal/facedetect"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/liveness"
	"github.com/kozaktomas/face-attendance/internal/logging"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
	"github.com/kozaktomas/face-attendance/internal/roster"
)

// directoryCacheTTL bounds how long a renamed identity keeps its old name.
const directoryCacheTTL = 5 * time.Minute

// app holds everything a command needs to verify photos.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	pipeline  *pipeline.Pipeline
	ledger    attendance.Ledger
	directory attendance.Directory
	registry  *prometheus.Registry

	closers []func()
}

// Close releases models and connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	database.Reset()
}

// loadConfig loads and validates the environment configuration and sets up
// the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.Setup(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, nil, attendance.NewConfigurationError("config", err)
	}
	return cfg, logger, nil
}

// buildApp wires storage, models and the pipeline. Any failure is returned
// before the first photo is accepted.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.initBackends(ctx); err != nil {
		a.Close()
		return nil, err
	}

	ledger, err := database.GetLedger(ctx, cfg.Ledger.Backend)
	if err != nil {
		a.Close()
		return nil, attendance.NewConfigurationError("ledger", err)
	}
	a.ledger = ledger

	matcher, err := a.loadGallery(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	scorer, err := a.loadLiveness()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.directory, err = a.loadDirectory(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	detector := facedetect.NewClient(cfg.Detector.URL, cfg.Detector.Timeout)

	metrics, err := a.pipelineMetrics()
	if err != nil {
		a.Close()
		return nil, err
	}

	p, err := pipeline.New(
		pipeline.Models{Detector: detector, Matcher: matcher, Liveness: scorer},
		pipeline.Stores{
			Ledger:    a.ledger,
			Audit:     a.auditSink(ctx),
			Journal:   a.journal(),
			Directory: a.directory,
		},
		pipeline.Options{
			Cooldown:       cfg.Pipeline.Cooldown,
			Downscale:      cfg.Pipeline.Downscale,
			PersistTimeout: cfg.Pipeline.PersistTimeout,
			PersistRetries: retriesOption(cfg.Pipeline.PersistRetries),
			Workers:        cfg.Pipeline.Workers,
			Logger:         logger,
			Metrics:        metrics,
		},
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = p
	return a, nil
}

func (a *app) pipelineMetrics() (*pipeline.Metrics, error) {
	m, err := pipeline.NewMetrics(a.registry)
	if err != nil {
		return nil, attendance.NewConfigurationError("metrics", err)
	}
	return m, nil
}

// retriesOption maps the configured retry count to the pipeline option, where
// zero selects the default and a negative value disables retries.
func retriesOption(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func (a *app) initBackends(ctx context.Context) error {
	cfg := a.cfg
	if cfg.NeedsPostgres() {
		a.log.Info("connecting to PostgreSQL")
		pool, err := postgres.Initialize(&cfg.Database, cfg.PostgresAudit())
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		a.closers = append(a.closers, func() { pool.Close() })
	}

	if cfg.Audit.Postgres && !cfg.PostgresAudit() {
		a.log.Info("PostgreSQL audit rows need the postgres ledger, skipping", "ledger", cfg.Ledger.Backend)
	}

	switch cfg.Ledger.Backend {
	case config.BackendMySQL:
		a.log.Info("connecting to MySQL")
		pool, err := mysql.Initialize(cfg.Ledger.MySQLDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize MySQL: %w", err)
		}
		a.closers = append(a.closers, func() { pool.Close() })
	case config.BackendRedis:
		a.log.Info("connecting to Redis")
		client, err := redis.Initialize(ctx, cfg.Ledger.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		a.closers = append(a.closers, func() { client.Close() })
	case config.BackendMemory:
		a.log.Warn("using in-memory attendance ledger, records are lost on exit")
		ledger := database.NewMemoryLedger()
		database.RegisterLedger(config.BackendMemory, func() attendance.Ledger { return ledger })
	}
	return nil
}

func (a *app) loadGallery(ctx context.Context) (gallery.Matcher, error) {
	cfg := a.cfg
	var entries []gallery.Entry
	switch cfg.Gallery.Source {
	case config.GalleryPostgres:
		store, err := database.GetGalleryWriter(ctx)
		if err != nil {
			return nil, attendance.NewConfigurationError("gallery", err)
		}
		faces, err := store.LoadFaces(ctx)
		if err != nil {
			return nil, attendance.NewConfigurationError("gallery", err)
		}
		for _, f := range faces {
			entries = append(entries, gallery.Entry{IdentityID: f.IdentityID, Embedding: f.Embedding})
		}
	default:
		loaded, err := gallery.LoadFile(cfg.Gallery.Path)
		if err != nil {
			return nil, attendance.NewConfigurationError("gallery", err)
		}
		entries = loaded
	}
	if len(entries) == 0 {
		return nil, attendance.NewConfigurationError("gallery", errors.New("no enrolled faces"))
	}

	metric := gallery.MetricByName(cfg.Match.Metric, cfg.Match.Tolerance)
	g, err := gallery.New(entries, metric, gallery.Options{MinMargin: cfg.Match.MinMargin})
	if err != nil {
		return nil, attendance.NewConfigurationError("gallery", err)
	}
	a.log.Info("gallery loaded", "entries", g.Len(), "identities", len(g.Identities()), "dim", g.Dim(), "metric", cfg.Match.Metric)

	if !cfg.Gallery.HNSW {
		return g, nil
	}
	idx, err := gallery.NewIndex(g, cfg.Match.Metric, gallery.DefaultCandidates)
	if err != nil {
		return nil, attendance.NewConfigurationError("gallery", err)
	}
	a.log.Info("gallery HNSW index built", "nodes", idx.Len())
	return idx, nil
}

func (a *app) loadLiveness() (liveness.Scorer, error) {
	cfg := a.cfg.Liveness
	ens, classifiers, err := liveness.LoadTFLiteEnsemble(cfg.Models, liveness.TFLiteOptions{
		Threads:   cfg.Threads,
		Softmax:   cfg.Softmax,
		InputSize: cfg.InputSize,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		for _, c := range classifiers {
			c.Close()
		}
	})
	names := make([]string, len(classifiers))
	for i, c := range classifiers {
		names[i] = c.Name()
	}
	a.log.Info("liveness models loaded", "models", names, "input_size", ens.Size())
	return ens, nil
}

// loadDirectory prefers the roster file and falls back to the PostgreSQL
// identities table. Without either, identity IDs double as names.
func (a *app) loadDirectory(ctx context.Context) (attendance.Directory, error) {
	if a.cfg.RosterPath != "" {
		r, err := roster.Load(a.cfg.RosterPath)
		if err != nil {
			return nil, attendance.NewConfigurationError("roster", err)
		}
		a.log.Info("roster loaded", "identities", r.Len())
		return r, nil
	}
	if database.IsInitialized() {
		identities, err := database.GetIdentityWriter(ctx)
		if err != nil {
			return nil, attendance.NewConfigurationError("roster", err)
		}
		return roster.NewCachedDirectory(identities, directoryCacheTTL), nil
	}
	a.log.Warn("no roster configured, identity IDs are used as display names")
	return nil, nil
}

// auditSink returns the sink that shares the ledger's transaction. Ledgers
// without one get Discard and rely on the journal.
func (a *app) auditSink(ctx context.Context) attendance.AuditSink {
	if sink, ok := database.GetAuditSink(ctx, a.cfg.Ledger.Backend); ok {
		return sink
	}
	if a.cfg.Audit.CSVPath == "" {
		a.log.Warn("no audit sink configured")
	}
	return auditlog.Discard{}
}

// journal returns the CSV log, written once the ledger has committed.
func (a *app) journal() attendance.AuditSink {
	if a.cfg.Audit.CSVPath == "" {
		return nil
	}
	return auditlog.NewCSVSink(a.cfg.Audit.CSVPath)
}
