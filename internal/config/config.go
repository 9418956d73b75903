package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPort is applied by Default and nowhere else, so a missing DB_PORT
// always resolves to the same value.
const DefaultPort = 3306

type Config struct {
	Host     string `yaml:"host" validate:"required"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	Database string `yaml:"database" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`

	Dir               string `yaml:"dir"`
	JSON              bool   `yaml:"json"`
	DryRun            bool   `yaml:"dry_run"`
	Lock              bool   `yaml:"lock"`
	LockTimeoutSec    int    `yaml:"lock_timeout_sec" validate:"gte=0"`
	StepTimeoutSec    int    `yaml:"step_timeout_sec" validate:"gte=0"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec" validate:"gte=0"`
	Journal           bool   `yaml:"journal"`
	JournalTable      string `yaml:"journal_table" validate:"required"`
	AppliedBy         string `yaml:"applied_by"`
}

func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		Dir:               "./plans",
		LockTimeoutSec:    30,
		ConnectTimeoutSec: 10,
		JournalTable:      "schema_evolution_log",
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are not overridden.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// MergeEnv overlays environment variables on cfg. Malformed numeric values are
// reported instead of being ignored.
func MergeEnv(cfg *Config) (*Config, error) {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("PLANS_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("JOURNAL_TABLE"); v != "" {
		cfg.JournalTable = v
	}
	if v := os.Getenv("APPLIED_BY"); v != "" {
		cfg.AppliedBy = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"DB_PORT", &cfg.Port},
		{"LOCK_TIMEOUT_SEC", &cfg.LockTimeoutSec},
		{"STEP_TIMEOUT_SEC", &cfg.StepTimeoutSec},
		{"CONNECT_TIMEOUT_SEC", &cfg.ConnectTimeoutSec},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %q is not an integer", e.key, v)
		}
		*e.dst = i
	}
	return cfg, nil
}

// Validate reports every missing or out-of-range connection setting at once.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("config %s: failed %q (%s)", fe.Field(), fe.Tag(), envHint(fe.Field())))
	}
	return errors.Join(msgs...)
}

func envHint(field string) string {
	switch field {
	case "Host":
		return "DB_HOST"
	case "User":
		return "DB_USER"
	case "Password":
		return "DB_PASSWORD"
	case "Database":
		return "DB_NAME"
	case "Port":
		return "DB_PORT"
	case "JournalTable":
		return "JOURNAL_TABLE"
	}
	return "--config"
}

func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}

// StepTimeout is zero when steps run without a deadline.
func (c *Config) StepTimeout() time.Duration {
	if c.StepTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.StepTimeoutSec) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}
