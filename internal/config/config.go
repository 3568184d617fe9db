// Package config loads settings from the environment, an optional .env file
// and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the YAML config file. Its keys are the environment variable names.
const FileEnv = "MAPNOTEBOOK_CONFIG"

// Config holds all configuration values.
type Config struct {
	// HTTP server
	Port         int
	MaxUploadMB  int // per file
	MaxRequestMB int // whole request body
	TempDir      string
	StateDir     string

	// Server address used by the CLI
	ServerURL string

	// Yandex Disk
	DiskToken                   string
	DiskAPIURL                  string
	DiskBaseFolder              string
	RemoteMetaConnectTimeout    time.Duration
	RemoteMetaReadTimeout       time.Duration
	RemotePayloadConnectTimeout time.Duration
	RemotePayloadReadTimeout    time.Duration
	RemoteMaxAttempts           int

	// Cadastral registry
	NSPDURL         string
	NSPDTimeout     time.Duration
	NSPDInsecureTLS bool

	// Sessions and progress streaming
	SessionBackend     string // "memory" or "redis"
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	SessionRetention   time.Duration
	StreamPollInterval time.Duration
	StreamLinger       time.Duration
	StreamWaitTimeout  time.Duration

	// Batches
	BatchMaxConcurrent    int
	BatchSerializeFolders bool
	ShapefileLabels       string // "short" or "detailed"

	// Batch history in SurrealDB
	HistoryEnabled     bool
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// MaxUploadBytes is the per-file upload limit in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// MaxRequestBytes is the request body limit in bytes. It is never below
// the per-file limit.
func (c Config) MaxRequestBytes() int64 {
	return max(int64(c.MaxRequestMB)<<20, c.MaxUploadBytes())
}

// Load reads .env (if present), the YAML file named by MAPNOTEBOOK_CONFIG (if
// set) and the environment. Unparseable values are reported together.
func Load() (Config, error) {
	_ = godotenv.Load()

	file, err := readFile(os.Getenv(FileEnv))
	if err != nil {
		return Config{}, err
	}
	s := &source{file: file}

	cfg := Config{
		Port:         s.getInt("MAPNOTEBOOK_PORT", 8484),
		MaxUploadMB:  s.getInt("MAPNOTEBOOK_MAX_UPLOAD_MB", 100),
		MaxRequestMB: s.getInt("MAPNOTEBOOK_MAX_REQUEST_MB", 400),
		TempDir:      s.get("MAPNOTEBOOK_TEMP_DIR", os.TempDir()),
		StateDir:     s.get("MAPNOTEBOOK_STATE_DIR", "./data"),
		ServerURL:    s.get("MAPNOTEBOOK_URL", "http://localhost:8484"),

		DiskToken:                   s.get("YANDEX_DISK_TOKEN", ""),
		DiskAPIURL:                  s.get("YANDEX_DISK_API_URL", "https://cloud-api.yandex.net/v1/disk"),
		DiskBaseFolder:              s.get("YANDEX_DISK_BASE_FOLDER", "Приложения/Блокнот картографа Народной карты"),
		RemoteMetaConnectTimeout:    s.getDuration("REMOTE_META_CONNECT_TIMEOUT", 5*time.Second),
		RemoteMetaReadTimeout:       s.getDuration("REMOTE_META_READ_TIMEOUT", 15*time.Second),
		RemotePayloadConnectTimeout: s.getDuration("REMOTE_PAYLOAD_CONNECT_TIMEOUT", 10*time.Second),
		RemotePayloadReadTimeout:    s.getDuration("REMOTE_PAYLOAD_READ_TIMEOUT", 2*time.Minute),
		RemoteMaxAttempts:           s.getInt("REMOTE_MAX_ATTEMPTS", 3),

		NSPDURL:         s.get("NSPD_URL", "https://nspd.gov.ru"),
		NSPDTimeout:     s.getDuration("NSPD_TIMEOUT", 30*time.Second),
		NSPDInsecureTLS: s.getBool("NSPD_INSECURE_TLS", false),

		SessionBackend:     strings.ToLower(s.get("SESSION_BACKEND", "memory")),
		RedisAddr:          s.get("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      s.get("REDIS_PASSWORD", ""),
		RedisDB:            s.getInt("REDIS_DB", 0),
		SessionRetention:   s.getDuration("SESSION_RETENTION", 2*time.Minute),
		StreamPollInterval: s.getDuration("STREAM_POLL_INTERVAL", 300*time.Millisecond),
		StreamLinger:       s.getDuration("STREAM_LINGER", 3*time.Second),
		StreamWaitTimeout:  s.getDuration("STREAM_WAIT_TIMEOUT", 30*time.Second),

		BatchMaxConcurrent:    s.getInt("BATCH_MAX_CONCURRENT", 4),
		BatchSerializeFolders: s.getBool("BATCH_SERIALIZE_FOLDERS", true),
		ShapefileLabels:       strings.ToLower(s.get("SHAPEFILE_LABELS", "short")),

		HistoryEnabled:     s.getBool("HISTORY_ENABLED", false),
		SurrealDBURL:       s.get("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: s.get("SURREALDB_NAMESPACE", "mapnotebook"),
		SurrealDBDatabase:  s.get("SURREALDB_DATABASE", "history"),
		SurrealDBUser:      s.get("SURREALDB_USER", "root"),
		SurrealDBPass:      s.get("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: s.get("SURREALDB_AUTH_LEVEL", "root"),

		LogFile:  s.get("MAPNOTEBOOK_LOG_FILE", "/tmp/mapnotebook.log"),
		LogLevel: parseLogLevel(s.get("MAPNOTEBOOK_LOG_LEVEL", "INFO")),
	}

	switch cfg.SessionBackend {
	case "memory", "redis":
	default:
		s.errs = append(s.errs, fmt.Errorf("SESSION_BACKEND: unknown backend %q", cfg.SessionBackend))
	}
	switch cfg.ShapefileLabels {
	case "short", "detailed":
	default:
		s.errs = append(s.errs, fmt.Errorf("SHAPEFILE_LABELS: unknown style %q", cfg.ShapefileLabels))
	}

	if err := errors.Join(s.errs...); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// readFile parses a flat YAML map. An empty path means no file.
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// source resolves a key from the environment, then the file, then a default.
type source struct {
	file map[string]string
	errs []error
}

func (s *source) lookup(key string) (string, bool) {
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	v, ok := s.file[key]
	return v, ok && v != ""
}

func (s *source) get(key, def string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return def
}

func (s *source) getInt(key string, def int) int {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (s *source) getBool(key string, def bool) bool {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// getDuration accepts Go durations ("1m30s") or plain seconds ("90").
func (s *source) getDuration(key string, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
