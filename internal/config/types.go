package config

import "time"

// Config represents the complete pushpool configuration.
type Config struct {
	Service ServiceConfig `yaml:"service" envPrefix:"SERVICE_"`
	Pool    PoolConfig    `yaml:"pool" envPrefix:"POOL_"`
	Queue   QueueConfig   `yaml:"queue" envPrefix:"QUEUE_"`
	Handler HandlerConfig `yaml:"handler" envPrefix:"HANDLER_"`
	Status  StatusConfig  `yaml:"status" envPrefix:"STATUS_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`

	// SourceFile is the path the config was loaded from, if any.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines the daemon identity and process settings.
type ServiceConfig struct {
	Name       string `yaml:"name" env:"NAME" validate:"required,max=64"`
	RuntimeDir string `yaml:"runtime_dir" env:"RUNTIME_DIR" validate:"required"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	LogFormat  string `yaml:"log_format" env:"LOG_FORMAT" validate:"omitempty,oneof=json text"`
	LogFile    string `yaml:"log_file" env:"LOG_FILE"`
	// DrainWarnInterval spaces the "still draining" warnings during a stop.
	// The drain itself is unbounded: in-flight tasks always finish.
	DrainWarnInterval time.Duration `yaml:"drain_warn_interval" env:"DRAIN_WARN_INTERVAL" validate:"gte=0"`
}

// PoolConfig defines worker pool sizing. center_processes are workers and
// left_processes are dispatchers.
type PoolConfig struct {
	CenterProcesses int           `yaml:"center_processes" env:"CENTER_PROCESSES" validate:"gte=1,lte=1024"`
	LeftProcesses   int           `yaml:"left_processes" env:"LEFT_PROCESSES" validate:"gte=1,lte=64"`
	MaxExecutions   int           `yaml:"max_executions" env:"MAX_EXECUTIONS" validate:"gte=1"`
	TempDir         string        `yaml:"temp_dir" env:"TEMP_DIR" validate:"required"`
	SpillThreshold  int           `yaml:"spill_threshold" env:"SPILL_THRESHOLD" validate:"gte=1"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT" validate:"gte=0"`
	RespawnDelay    time.Duration `yaml:"respawn_delay" env:"RESPAWN_DELAY" validate:"gte=0"`
}

// QueueConfig selects the queue source.
type QueueConfig struct {
	Backend    string        `yaml:"backend" env:"BACKEND" validate:"oneof=redis sqlite"`
	Name       string        `yaml:"name" env:"NAME" validate:"required"`
	PopTimeout time.Duration `yaml:"pop_timeout" env:"POP_TIMEOUT" validate:"gt=0"`
	Redis      RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	SQLite     SQLiteConfig  `yaml:"sqlite" envPrefix:"SQLITE_"`
}

type RedisConfig struct {
	URL string `yaml:"url" env:"URL" validate:"omitempty,url"`
}

type SQLiteConfig struct {
	Path         string        `yaml:"path" env:"PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" validate:"gte=0"`
}

// HandlerConfig selects the built-in task handler.
type HandlerConfig struct {
	Type    string        `yaml:"type" env:"TYPE" validate:"oneof=exec log"`
	Command []string      `yaml:"command" env:"COMMAND" envSeparator:" "`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	Grace   time.Duration `yaml:"grace" env:"GRACE" validate:"gte=0"`
	Env     []string      `yaml:"env"`
}

// StatusConfig defines the read-only status HTTP server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Listen  string `yaml:"listen" env:"LISTEN" validate:"omitempty,hostname_port"`
	Token   string `yaml:"token" env:"TOKEN"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}
