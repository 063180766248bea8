package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pushpool/internal/queue"
)

// EnvPrefix prefixes every environment override, e.g. PUSHPOOL_POOL_CENTER_PROCESSES.
const EnvPrefix = "PUSHPOOL_"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns the configuration used when a key is absent.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:              "pushpool",
			RuntimeDir:        "/var/run",
			LogLevel:          "info",
			LogFormat:         "json",
			DrainWarnInterval: 60 * time.Second,
		},
		Pool: PoolConfig{
			CenterProcesses: 5,
			LeftProcesses:   1,
			MaxExecutions:   16000,
			TempDir:         "/dev/shm",
			SpillThreshold:  8 * 1024,
			RespawnDelay:    500 * time.Millisecond,
		},
		Queue: QueueConfig{
			Backend:    queue.BackendRedis,
			Name:       "pushpool",
			PopTimeout: 30 * time.Second,
			Redis:      RedisConfig{URL: "redis://localhost:6379/0"},
			SQLite:     SQLiteConfig{PollInterval: queue.DefaultPollInterval},
		},
		Handler: HandlerConfig{
			Type:    "log",
			Timeout: 5 * time.Minute,
			Grace:   5 * time.Second,
		},
		Status: StatusConfig{
			Listen: "127.0.0.1:8088",
		},
	}
}

// Load reads configPath, interpolates ${VAR} references, applies PUSHPOOL_*
// environment overrides and validates the result. An empty path loads
// defaults plus environment only.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
		}

		if err := VerifyChecksum(absPath); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", absPath, err)
		}
		cfg.SourceFile = absPath
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults fills values derived from other keys.
func applyConfigDefaults(cfg *Config) {
	if cfg.Queue.SQLite.Path == "" {
		cfg.Queue.SQLite.Path = filepath.Join(cfg.Service.RuntimeDir, cfg.Service.Name+".queue.db")
	}
	if cfg.Handler.Type == "" {
		cfg.Handler.Type = "log"
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
}

// PIDFile is <runtime_dir>/<service>.pid.
func (c *Config) PIDFile() string {
	return filepath.Join(c.Service.RuntimeDir, c.Service.Name+".pid")
}

// LogFile returns the daemon log path, defaulting to <runtime_dir>/<service>.log.
func (c *Config) LogFile() string {
	if c.Service.LogFile != "" {
		return c.Service.LogFile
	}
	return filepath.Join(c.Service.RuntimeDir, c.Service.Name+".log")
}

// Discover finds the config file. Priority order: explicit path,
// $PUSHPOOL_CONFIG, ~/.config/pushpool/config.yaml, /etc/pushpool/config.yaml,
// ./config.yaml. It returns "" with no error when nothing is found, so the
// daemon can run on defaults and environment alone.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if p := os.Getenv("PUSHPOOL_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$PUSHPOOL_CONFIG points at missing file %s", p)
		}
		return p, nil
	}

	candidates := []string{}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "pushpool", "config.yaml"))
	}
	candidates = append(candidates, "/etc/pushpool/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", c, err)
		}
	}
	return "", nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left as-is; validation reports it if the key matters.
		return match
	})
}
