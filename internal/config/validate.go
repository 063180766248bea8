package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/pushpool/internal/queue"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span sections.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if strings.ContainsAny(cfg.Service.Name, `/\`) {
		return fmt.Errorf("service.name %q must not contain path separators", cfg.Service.Name)
	}
	switch cfg.Queue.Backend {
	case queue.BackendRedis:
		if cfg.Queue.Redis.URL == "" {
			return errors.New("queue.redis.url is required for the redis backend")
		}
		if cfg.Queue.PopTimeout.Seconds() < 1 {
			return fmt.Errorf("queue.pop_timeout %s is below the 1s resolution of BRPOP", cfg.Queue.PopTimeout)
		}
	case queue.BackendSQLite:
		if cfg.Queue.SQLite.Path == "" {
			return errors.New("queue.sqlite.path is required for the sqlite backend")
		}
	}
	if cfg.Handler.Type == "exec" && len(cfg.Handler.Command) == 0 {
		return errors.New("handler.command is required for the exec handler")
	}
	if cfg.Status.Enabled && cfg.Status.Listen == "" {
		return errors.New("status.listen is required when status is enabled")
	}
	for _, s := range []string{cfg.Queue.Redis.URL, cfg.Status.Token, cfg.Queue.SQLite.Path} {
		if m := envVarPattern.FindString(s); m != "" {
			return fmt.Errorf("unresolved environment variable %s", m)
		}
	}
	return nil
}
