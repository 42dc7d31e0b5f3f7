package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger backends.
const (
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Gallery sources.
const (
	GalleryFile     = "file"
	GalleryPostgres = "postgres"
)

type Config struct {
	Database DatabaseConfig
	Ledger   LedgerConfig
	Gallery  GalleryConfig
	Match    MatchConfig
	Liveness LivenessConfig
	Detector DetectorConfig
	Pipeline PipelineConfig
	Audit    AuditConfig
	Web      WebConfig

	RosterPath string // YAML roster with display names (optional)
	ImageRoot  string // directory that /predict paths are resolved under
	LogLevel   string
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type LedgerConfig struct {
	Backend  string // postgres, mysql, redis or memory
	MySQLDSN string // go-sql-driver DSN, e.g. user:pass@tcp(localhost:3306)/attendance?parseTime=true
	RedisURL string // redis://localhost:6379/0
}

type GalleryConfig struct {
	Source string // file or postgres
	Path   string // JSON gallery file when Source is file
	HNSW   bool   // use the approximate index instead of a linear scan
}

type MatchConfig struct {
	Metric    string  // euclidean or cosine
	Tolerance float64 // 0 selects the metric default
	MinMargin float64 // reject ambiguous matches closer than this to a rival identity
}

type LivenessConfig struct {
	Models    string // comma separated model files or directories
	InputSize int    // square classifier input (default 160)
	Softmax   bool   // apply softmax to raw model outputs
	Threads   int
}

type DetectorConfig struct {
	URL     string // embedding server base URL
	Timeout time.Duration
}

type PipelineConfig struct {
	Downscale      int           // integer divisor applied before detection (default 4)
	Cooldown       time.Duration // dedup window (default 10s)
	PersistTimeout time.Duration
	PersistRetries int
	Workers        int
}

type AuditConfig struct {
	CSVPath  string // append-only CSV log (optional)
	Postgres bool   // append audit rows to PostgreSQL, postgres ledger only
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envNonNegInt is envInt that also accepts zero.
func envNonNegInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float. Invalid values fall back to the default.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads a Go duration ("10s", "1m30s"). A bare number is taken as seconds.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && n >= 0 {
		return time.Duration(n * float64(time.Second))
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Ledger: LedgerConfig{
			Backend:  strings.ToLower(envString("LEDGER_BACKEND", BackendPostgres)),
			MySQLDSN: os.Getenv("MYSQL_DSN"),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		Gallery: GalleryConfig{
			Source: strings.ToLower(envString("GALLERY_SOURCE", GalleryFile)),
			Path:   os.Getenv("GALLERY_PATH"),
			HNSW:   envBool("GALLERY_HNSW", false),
		},
		Match: MatchConfig{
			Metric:    strings.ToLower(envString("MATCH_METRIC", "euclidean")),
			Tolerance: envFloat("MATCH_TOLERANCE", 0),
			MinMargin: envFloat("MATCH_MIN_MARGIN", 0),
		},
		Liveness: LivenessConfig{
			Models:    os.Getenv("LIVENESS_MODELS"),
			InputSize: envInt("LIVENESS_INPUT_SIZE", 160),
			Softmax:   envBool("LIVENESS_SOFTMAX", true),
			Threads:   envInt("LIVENESS_THREADS", 1),
		},
		Detector: DetectorConfig{
			URL:     envString("DETECTOR_URL", "http://localhost:8000"),
			Timeout: envDuration("DETECTOR_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			Downscale:      envInt("DOWNSCALE", 4),
			Cooldown:       envDuration("COOLDOWN", 10*time.Second),
			PersistTimeout: envDuration("PERSIST_TIMEOUT", 5*time.Second),
			PersistRetries: envNonNegInt("PERSIST_RETRIES", 2),
			Workers:        envInt("WORKERS", 4),
		},
		Audit: AuditConfig{
			CSVPath:  os.Getenv("AUDIT_CSV_PATH"),
			Postgres: envBool("AUDIT_POSTGRES", true),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		RosterPath: os.Getenv("ROSTER_PATH"),
		ImageRoot:  os.Getenv("IMAGE_ROOT"),
		LogLevel:   envString("LOG_LEVEL", "info"),
	}
}

// NeedsPostgres reports whether any configured component uses PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.Ledger.Backend == BackendPostgres || c.Gallery.Source == GalleryPostgres
}

// PostgresAudit reports whether audit rows go to PostgreSQL. They are written
// in the ledger transaction, so the PostgreSQL sink is only used together
// with the PostgreSQL ledger.
func (c *Config) PostgresAudit() bool {
	return c.Audit.Postgres && c.Ledger.Backend == BackendPostgres
}

// Validate checks that the configuration describes a runnable service.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Backend {
	case BackendPostgres, BackendMemory:
	case BackendMySQL:
		if c.Ledger.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for the mysql ledger"))
		}
	case BackendRedis:
		if c.Ledger.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend))
	}

	switch c.Gallery.Source {
	case GalleryFile:
		if c.Gallery.Path == "" {
			errs = append(errs, errors.New("GALLERY_PATH is required when GALLERY_SOURCE=file"))
		}
	case GalleryPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown GALLERY_SOURCE %q", c.Gallery.Source))
	}

	if c.NeedsPostgres() && c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	switch c.Match.Metric {
	case "euclidean", "l2", "cosine":
	default:
		errs = append(errs, fmt.Errorf("unknown MATCH_METRIC %q", c.Match.Metric))
	}

	if c.Liveness.Models == "" {
		errs = append(errs, errors.New("LIVENESS_MODELS is required"))
	}
	if c.Pipeline.Cooldown <= 0 {
		errs = append(errs, errors.New("COOLDOWN must be positive"))
	}

	return errors.Join(errs...)
}
