package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the bootfleet server and workers.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Jobs     JobsConfig
	Agents   AgentsConfig
	Events   EventsConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	MigrationsDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkerConfig controls the claim loop of a worker process.
type WorkerConfig struct {
	PollInterval    time.Duration
	Concurrency     int
	ShutdownTimeout time.Duration
}

// JobsConfig holds defaults applied when a job is enqueued and the retry policy.
type JobsConfig struct {
	DefaultMaxAttempts int
	ConcurrencyLimit   int
	CategoryLimits     map[string]int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
}

// AgentsConfig controls liveness and task delivery to agents.
type AgentsConfig struct {
	StaleTimeout     time.Duration
	SweepInterval    time.Duration
	StreamMaxDeliver int
	StreamMaxLen     int64
	TaskPollInterval time.Duration
	TaskPollMaxWait  time.Duration
}

type EventsConfig struct {
	PingInterval time.Duration
}

// LimitFor returns the concurrency limit for a key: the per-category override when
// one is configured, otherwise the global default.
func (c JobsConfig) LimitFor(key string) int {
	if n, ok := c.CategoryLimits[key]; ok {
		return n
	}
	return c.ConcurrencyLimit
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	limits, err := parseCategoryLimits(os.Getenv("JOB_CONCURRENCY_LIMITS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("BOOTFLEET_PORT", 8080),
			Env:           envString("BOOTFLEET_ENV", "development"),
			MigrationsDir: envString("BOOTFLEET_MIGRATIONS", "migrations"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			PollInterval:    envDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			Concurrency:     envInt("WORKER_CONCURRENCY", 4),
			ShutdownTimeout: envDuration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Jobs: JobsConfig{
			DefaultMaxAttempts: envInt("JOB_DEFAULT_MAX_ATTEMPTS", 3),
			ConcurrencyLimit:   envInt("JOB_CONCURRENCY_LIMIT", 1),
			CategoryLimits:     limits,
			RetryBaseDelay:     envDuration("JOB_RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:      envDuration("JOB_RETRY_MAX_DELAY", 5*time.Minute),
		},
		Agents: AgentsConfig{
			StaleTimeout:     envDuration("AGENT_STALE_TIMEOUT", 10*time.Minute),
			SweepInterval:    envDuration("AGENT_SWEEP_INTERVAL", time.Minute),
			StreamMaxDeliver: envInt("AGENT_STREAM_MAX_DELIVER", 5),
			StreamMaxLen:     int64(envInt("AGENT_STREAM_MAXLEN", 1000)),
			TaskPollInterval: envDuration("TASK_POLL_INTERVAL", 500*time.Millisecond),
			TaskPollMaxWait:  envDuration("TASK_POLL_MAX_TIMEOUT", 60*time.Second),
		},
		Events: EventsConfig{
			PingInterval: envDuration("EVENTS_PING_INTERVAL", 15*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}

	if c.Jobs.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("JOB_DEFAULT_MAX_ATTEMPTS must be positive, got %d", c.Jobs.DefaultMaxAttempts)
	}
	if c.Jobs.ConcurrencyLimit <= 0 {
		return fmt.Errorf("JOB_CONCURRENCY_LIMIT must be positive, got %d", c.Jobs.ConcurrencyLimit)
	}
	if c.Jobs.RetryBaseDelay <= 0 {
		return fmt.Errorf("JOB_RETRY_BASE_DELAY must be positive")
	}
	if c.Jobs.RetryMaxDelay < c.Jobs.RetryBaseDelay {
		return fmt.Errorf("JOB_RETRY_MAX_DELAY (%s) must not be less than JOB_RETRY_BASE_DELAY (%s)",
			c.Jobs.RetryMaxDelay, c.Jobs.RetryBaseDelay)
	}

	if c.Agents.StaleTimeout <= 0 || c.Agents.SweepInterval <= 0 {
		return fmt.Errorf("AGENT_STALE_TIMEOUT and AGENT_SWEEP_INTERVAL must be positive")
	}
	if c.Agents.StreamMaxDeliver <= 0 {
		return fmt.Errorf("AGENT_STREAM_MAX_DELIVER must be positive, got %d", c.Agents.StreamMaxDeliver)
	}
	if c.Agents.TaskPollInterval <= 0 || c.Agents.TaskPollMaxWait <= 0 {
		return fmt.Errorf("TASK_POLL_INTERVAL and TASK_POLL_MAX_TIMEOUT must be positive")
	}

	return nil
}

// parseCategoryLimits parses "images=1,clients=8".
func parseCategoryLimits(v string) (map[string]int, error) {
	limits := make(map[string]int)
	if strings.TrimSpace(v) == "" {
		return limits, nil
	}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("JOB_CONCURRENCY_LIMITS: malformed entry %q, want key=limit", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("JOB_CONCURRENCY_LIMITS: limit for %q must be a positive integer", key)
		}
		limits[key] = n
	}
	return limits, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
