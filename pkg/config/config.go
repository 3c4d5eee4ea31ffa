// Package config loads runtime settings from the environment, optionally seeded
// from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Remote backends understood by the upload pipeline.
const (
	RemoteDir   = "dir"
	RemoteMinio = "minio"
	RemoteGCS   = "gcs"
)

// DefaultMaintenancePeriod is how often archive, export and clear run once enabled.
const DefaultMaintenancePeriod = 24 * time.Hour

// Config holds everything the server process needs to wire its pipelines.
type Config struct {
	AppEnv   string
	LogLevel string

	HTTPAddr    string
	MetricsAddr string
	APIKey      string

	RedisAddr      string
	PrefsNamespace string

	DataDir    string
	ArchiveDir string
	ExportDir  string

	Remote    string
	RemoteDir string
	Minio     MinioConfig
	GCS       GCSConfig

	MaxUploadRetries int
	UploadRate       int
	UploadBurst      int
	WifiOnly         bool
	WifiInterfaces   []string
	EventBuffer      int

	ArchivePeriod time.Duration
	ExportPeriod  time.Duration
	ClearPeriod   time.Duration

	HideSensitiveData bool
	// ProbeDuration is how long one collection run samples. Zero takes a
	// single sample.
	ProbeDuration time.Duration
}

// MinioConfig configures the S3-compatible remote archive.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// GCSConfig configures the cloud storage remote archive.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	Prefix          string
}

// Load reads .env (if present) and then the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() Config {
	dataDir := getenv("DATA_DIR", "./data")
	return Config{
		AppEnv:   getenv("APP_ENV", "development"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		HTTPAddr:    getenv("HTTP_ADDR", ":8081"),
		MetricsAddr: getenv("METRICS_ADDR", ":8080"),
		APIKey:      os.Getenv("API_KEY"),

		RedisAddr:      getenv("REDIS_ADDR", "127.0.0.1:6379"),
		PrefsNamespace: getenv("PREFS_NAMESPACE", "pipelined"),

		DataDir:    dataDir,
		ArchiveDir: getenv("ARCHIVE_DIR", dataDir+"/archive"),
		ExportDir:  getenv("EXPORT_DIR", dataDir+"/export"),

		Remote:    getenv("REMOTE", RemoteDir),
		RemoteDir: getenv("REMOTE_DIR", dataDir+"/remote"),
		Minio: MinioConfig{
			Endpoint:  getenv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getenv("MINIO_ACCESS_KEY_ID", "minioadmin"),
			SecretKey: getenv("MINIO_SECRET_ACCESS_KEY", "minioadmin"),
			Bucket:    os.Getenv("MINIO_BUCKET"),
			Prefix:    os.Getenv("MINIO_PREFIX"),
			UseSSL:    getenvBool("MINIO_SSL", false),
		},
		GCS: GCSConfig{
			Bucket:          os.Getenv("GCS_BUCKET"),
			CredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
			Prefix:          os.Getenv("GCS_PREFIX"),
		},

		MaxUploadRetries: getenvInt("MAX_UPLOAD_RETRIES", 3),
		UploadRate:       getenvInt("UPLOAD_RATE", 5),
		UploadBurst:      getenvInt("UPLOAD_BURST", 10),
		WifiOnly:         getenvBool("WIFI_ONLY", false),
		WifiInterfaces:   splitCSV(getenv("WIFI_INTERFACES", "wl,wlan")),
		EventBuffer:      getenvInt("EVENT_BUFFER", 64),

		ArchivePeriod: getenvSeconds("ARCHIVE_PERIOD", DefaultMaintenancePeriod),
		ExportPeriod:  getenvSeconds("EXPORT_PERIOD", DefaultMaintenancePeriod),
		ClearPeriod:   getenvSeconds("CLEAR_PERIOD", DefaultMaintenancePeriod),

		HideSensitiveData: getenvBool("HIDE_SENSITIVE_DATA", false),
		ProbeDuration:     getenvSeconds("PROBE_DURATION", 0),
	}
}

// ErrMissingCredentials is returned when a remote backend lacks what it needs to connect.
var ErrMissingCredentials = errors.New("missing remote credentials")

// Validate reports configuration errors. Callers decide whether they are fatal.
func (c Config) Validate() error {
	var errs []error
	switch c.Remote {
	case RemoteDir:
		if c.RemoteDir == "" {
			errs = append(errs, errors.New("REMOTE_DIR is required for the dir remote"))
		}
	case RemoteMinio:
		if c.Minio.Bucket == "" || c.Minio.AccessKey == "" || c.Minio.SecretKey == "" {
			errs = append(errs, fmt.Errorf("minio: %w", ErrMissingCredentials))
		}
	case RemoteGCS:
		if c.GCS.Bucket == "" {
			errs = append(errs, fmt.Errorf("gcs: %w", ErrMissingCredentials))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote %q", c.Remote))
	}
	if c.MaxUploadRetries < 1 {
		errs = append(errs, errors.New("MAX_UPLOAD_RETRIES must be >= 1"))
	}
	if c.UploadRate < 1 || c.UploadBurst < 1 {
		errs = append(errs, errors.New("UPLOAD_RATE and UPLOAD_BURST must be >= 1"))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, errors.New("EVENT_BUFFER must be >= 1"))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvSeconds reads a positive number of seconds.
func getenvSeconds(k string, def time.Duration) time.Duration {
	n := getenvInt(k, 0)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
