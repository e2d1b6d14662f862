package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Jobs        JobsConfig      `toml:"jobs"`
	Browser     BrowserConfig   `toml:"browser"`
	Progress    ProgressConfig  `toml:"progress"`
	Artifacts   ArtifactsConfig `toml:"artifacts"`
	Logging     LoggingConfig   `toml:"logging"`
	Janitor     JanitorConfig   `toml:"janitor"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for tasks
	Concurrency       int    `toml:"concurrency"`        // Number of jobs executed concurrently by this process
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "6h" - task visibility timeout before redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a task can be received before it is dropped
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
	ShutdownTimeout   string `toml:"shutdown_timeout"`   // Grace period for running jobs to finalize on shutdown
}

// JobsConfig holds the execution knobs shared by every bot job
type JobsConfig struct {
	WorkDir           string `toml:"work_dir"`            // Root of {pid} output, temp and sentinel directories
	RowWorkers        int    `toml:"row_workers"`         // Row pool width inside one partition
	PartitionWorkers  int    `toml:"partition_workers"`   // Partitions processed concurrently
	DownloadQueueSize int    `toml:"download_queue_size"` // Bounded download channel capacity
	DownloadWorkers   int    `toml:"download_workers"`    // Download consumers per job
	FlushInterval     string `toml:"flush_interval"`      // Result sink flush period
	RowInterval       string `toml:"row_interval"`        // Pause between row submissions ("0s" disables)
	PartitionInterval string `toml:"partition_interval"`  // Pause between partition submissions
	MaxDriverRestarts int    `toml:"max_driver_restarts"` // Driver re-initializations before the job fails
	FinalizeTimeout   string `toml:"finalize_timeout"`    // Deadline for flushing, uploading and the terminal event
}

// BrowserConfig configures the chromedp driver owned by each job
type BrowserConfig struct {
	Headless       bool   `toml:"headless"`
	NoSandbox      bool   `toml:"no_sandbox"`
	DisableGPU     bool   `toml:"disable_gpu"`
	UserAgent      string `toml:"user_agent"`
	ExecPath       string `toml:"exec_path"`       // Optional chrome binary path
	StartupTimeout string `toml:"startup_timeout"` // Timeout for the about:blank startup test
}

// ProgressConfig selects how progress events leave the job
type ProgressConfig struct {
	Transport       string `toml:"transport"`        // "hub", "websocket", "nats" or "none"
	WebSocketURL    string `toml:"websocket_url"`    // Room server endpoint for the websocket transport
	NATSURL         string `toml:"nats_url"`         // Broker URL for the nats transport
	SubjectPrefix   string `toml:"subject_prefix"`   // Subject prefix for the nats transport
	PublishAttempts int    `toml:"publish_attempts"` // Reconnect-and-resend attempts before an event is dropped
	PublishBackoff  string `toml:"publish_backoff"`  // Pause between attempts
}

// ArtifactsConfig selects where the result archive is stored
type ArtifactsConfig struct {
	Type         string `toml:"type"`           // "local" or "s3"
	LocalDir     string `toml:"local_dir"`      // Destination directory for the local store
	LocalBaseURL string `toml:"local_base_url"` // URL prefix served for the local store
	Endpoint     string `toml:"endpoint"`       // Custom S3 endpoint (MinIO and friends)
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	AccessKey    string `toml:"access_key"`
	SecretKey    string `toml:"secret_key"`
	UsePathStyle bool   `toml:"use_path_style"`
	LinkExpiry   string `toml:"link_expiry"` // Signed URL lifetime
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	Dir        string   `toml:"dir"`         // Directory for the log file
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// JanitorConfig controls the periodic orphan sweep
type JanitorConfig struct {
	Enabled    bool   `toml:"enabled"`
	Schedule   string `toml:"schedule"`    // 5-field cron expression
	StaleAfter string `toml:"stale_after"` // Age after which temp directories are removed
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       2,
			VisibilityTimeout: "6h",
			MaxReceive:        1, // A bot job is never redelivered automatically
			QueueName:         "crawjud_tasks",
			ShutdownTimeout:   "3m",
		},
		Jobs: JobsConfig{
			WorkDir:           "./output",
			RowWorkers:        16,
			PartitionWorkers:  4,
			DownloadQueueSize: 32,
			DownloadWorkers:   1,
			FlushInterval:     "5s",
			RowInterval:       "250ms",
			PartitionInterval: "1s",
			MaxDriverRestarts: 3,
			FinalizeTimeout:   "2m",
		},
		Browser: BrowserConfig{
			Headless:       true,
			NoSandbox:      false,
			DisableGPU:     true,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			StartupTimeout: "30s",
		},
		Progress: ProgressConfig{
			Transport:       "hub",
			WebSocketURL:    "ws://localhost:8080/ws/bot_logs",
			NATSURL:         "nats://127.0.0.1:4222",
			SubjectPrefix:   "crawjud",
			PublishAttempts: 3,
			PublishBackoff:  "500ms",
		},
		Artifacts: ArtifactsConfig{
			Type:         "local",
			LocalDir:     "./output/archives",
			LocalBaseURL: "http://localhost:8080/files",
			Region:       "us-east-1",
			LinkExpiry:   "1h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			Dir:        "./logs",
			TimeFormat: "15:04:05",
		},
		Janitor: JanitorConfig{
			Enabled:    true,
			Schedule:   "*/15 * * * *",
			StaleAfter: "24h",
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from a .env file into the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies CRAWJUD_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CRAWJUD_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("CRAWJUD_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CRAWJUD_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage and queue
	if badgerPath := os.Getenv("CRAWJUD_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if concurrency := os.Getenv("CRAWJUD_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}

	// Jobs
	if workDir := os.Getenv("CRAWJUD_WORK_DIR"); workDir != "" {
		config.Jobs.WorkDir = workDir
	}
	if rowWorkers := os.Getenv("CRAWJUD_ROW_WORKERS"); rowWorkers != "" {
		if n, err := strconv.Atoi(rowWorkers); err == nil {
			config.Jobs.RowWorkers = n
		}
	}
	if partitionWorkers := os.Getenv("CRAWJUD_PARTITION_WORKERS"); partitionWorkers != "" {
		if n, err := strconv.Atoi(partitionWorkers); err == nil {
			config.Jobs.PartitionWorkers = n
		}
	}
	if restarts := os.Getenv("CRAWJUD_MAX_DRIVER_RESTARTS"); restarts != "" {
		if n, err := strconv.Atoi(restarts); err == nil {
			config.Jobs.MaxDriverRestarts = n
		}
	}

	if timeout := os.Getenv("CRAWJUD_FINALIZE_TIMEOUT"); timeout != "" {
		config.Jobs.FinalizeTimeout = timeout
	}

	// Browser
	if headless := os.Getenv("CRAWJUD_BROWSER_HEADLESS"); headless != "" {
		config.Browser.Headless = headless == "true" || headless == "1"
	}
	if execPath := os.Getenv("CRAWJUD_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}

	// Progress
	if transport := os.Getenv("CRAWJUD_PROGRESS_TRANSPORT"); transport != "" {
		config.Progress.Transport = transport
	}
	if wsURL := os.Getenv("CRAWJUD_WEBSOCKET_URL"); wsURL != "" {
		config.Progress.WebSocketURL = wsURL
	}
	if natsURL := os.Getenv("CRAWJUD_NATS_URL"); natsURL != "" {
		config.Progress.NATSURL = natsURL
	}

	// Artifacts
	if artifactsType := os.Getenv("CRAWJUD_ARTIFACTS_TYPE"); artifactsType != "" {
		config.Artifacts.Type = artifactsType
	}
	if endpoint := os.Getenv("CRAWJUD_S3_ENDPOINT"); endpoint != "" {
		config.Artifacts.Endpoint = endpoint
	}
	if bucket := os.Getenv("CRAWJUD_S3_BUCKET"); bucket != "" {
		config.Artifacts.Bucket = bucket
	}
	if region := os.Getenv("CRAWJUD_S3_REGION"); region != "" {
		config.Artifacts.Region = region
	}
	if accessKey := os.Getenv("CRAWJUD_S3_ACCESS_KEY"); accessKey != "" {
		config.Artifacts.AccessKey = accessKey
	}
	if secretKey := os.Getenv("CRAWJUD_S3_SECRET_KEY"); secretKey != "" {
		config.Artifacts.SecretKey = secretKey
	}

	// Logging
	if level := os.Getenv("CRAWJUD_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("CRAWJUD_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDuration parses a duration setting, returning fallback when the value is empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// ValidateJobSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateJobSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
