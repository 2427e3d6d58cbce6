// Package config loads daemon configuration from CLI flags, environment
// variables and an optional .env file, in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds admin API settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// QueueConfig tunes the automation job queue.
type QueueConfig struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// BrowserConfig holds browser automation settings.
type BrowserConfig struct {
	Headless bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Queue        QueueConfig
	Browser      BrowserConfig
	Notification NotificationConfig

	// Mode selects the exposed surface: http, mcp, or both.
	Mode string

	StateDir string
	// EncryptionKey is the 64-hex-character vault key. Required.
	EncryptionKey string
	SnapshotKeep  int

	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:7171"
	defaultLogLevel      = "info"
	defaultMode          = "http"
	defaultWorkers       = 2
	defaultPollInterval  = time.Second
	defaultJobTimeout    = 90 * time.Second
	defaultSnapshotKeep  = 30
	defaultShutdownGrace = 10 * time.Second
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse builds the Config. Priority: CLI flags > environment > .env file >
// defaults. The encryption key is validated here so a misconfigured daemon
// fails at startup rather than on the first job.
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "vibe-employee", ".env"))
	}
	_ = godotenv.Load(envFiles...) // optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("VIBE_ADDR", defaultAddr),
			AuthToken: getEnvString("VIBE_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level: getEnvString("VIBE_LOG_LEVEL", defaultLogLevel),
		},
		Queue: QueueConfig{
			Workers:      getEnvInt("VIBE_QUEUE_WORKERS", defaultWorkers),
			PollInterval: getEnvDuration("VIBE_QUEUE_POLL", defaultPollInterval),
			JobTimeout:   getEnvDuration("VIBE_JOB_TIMEOUT", defaultJobTimeout),
		},
		Browser: BrowserConfig{
			Headless: getEnvBool("VIBE_HEADLESS", true),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("VIBE_BARK_URL", ""),
				Enabled: getEnvBool("VIBE_BARK_ENABLED", false),
			},
		},
		Mode:          getEnvString("VIBE_MODE", defaultMode),
		StateDir:      getEnvString("VIBE_STATE_DIR", ""),
		EncryptionKey: getEnvString("VIBE_ENCRYPTION_KEY", ""),
		SnapshotKeep:  getEnvInt("VIBE_SNAPSHOT_KEEP", defaultSnapshotKeep),
		ShutdownGrace: getEnvDuration("VIBE_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, logLevel, stateDir, mode string
	var workers int
	var headless bool
	var shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory for database and snapshots")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&mode, "mode", "", "Run mode: http, mcp, or both")
	flag.IntVar(&workers, "queue-workers", 0, "Number of concurrent automation workers")
	flag.BoolVar(&headless, "headless", true, "Run the browser headless")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if workers > 0 {
		cfg.Queue.Workers = workers
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "headless":
			cfg.Browser.Headless = headless
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.SnapshotKeep < 1 {
		cfg.SnapshotKeep = defaultSnapshotKeep
	}
	if cfg.Queue.Workers < 1 {
		cfg.Queue.Workers = defaultWorkers
	}

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("VIBE_ENCRYPTION_KEY is required (64 hex characters)")
	}
	if len(cfg.EncryptionKey) != 64 {
		return nil, fmt.Errorf("VIBE_ENCRYPTION_KEY must be 64 hex characters, got %d", len(cfg.EncryptionKey))
	}

	switch cfg.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q: must be http, mcp, or both", cfg.Mode)
	}

	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "vibe-employee")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
