package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultPortAndTimeouts(t *testing.T) {
	c := Default()
	if c.Port != 3306 {
		t.Fatalf("default port mismatch: %d", c.Port)
	}
	if c.JournalTable != "schema_evolution_log" {
		t.Fatal("default journal table mismatch")
	}
	if c.LockTimeout() != 30*time.Second {
		t.Fatal("default lock timeout mismatch")
	}
	if c.StepTimeout() != 0 {
		t.Fatal("steps should run without a deadline by default")
	}
	c.StepTimeoutSec = 5
	if c.StepTimeout() != 5*time.Second {
		t.Fatal("step timeout mismatch")
	}
}

func TestLoadYAMLAndMergeEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	body := "host: db.local\nuser: app\npassword: secret\ndatabase: academy\ndir: ./migs\nlock_timeout_sec: 10\njournal_table: t\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cfg, err := LoadYAML(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "db.local" || cfg.Dir != "./migs" || cfg.JournalTable != "t" || cfg.LockTimeoutSec != 10 || cfg.Port != 3306 {
		t.Fatalf("yaml load mismatch: %+v", cfg)
	}
	t.Setenv("DB_HOST", "remote")
	t.Setenv("DB_PORT", "3307")
	t.Setenv("PLANS_DIR", "./x")
	t.Setenv("STEP_TIMEOUT_SEC", "20")
	t.Setenv("APPLIED_BY", "you")
	cfg, err = MergeEnv(cfg)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if cfg.Host != "remote" || cfg.Port != 3307 || cfg.Dir != "./x" || cfg.StepTimeoutSec != 20 || cfg.AppliedBy != "you" {
		t.Fatalf("env merge mismatch: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMergeEnvRejectsBadPort(t *testing.T) {
	t.Setenv("DB_PORT", "mysql")
	if _, err := MergeEnv(Default()); err == nil || !strings.Contains(err.Error(), "DB_PORT") {
		t.Fatalf("expected DB_PORT error, got %v", err)
	}
}

func TestValidateNamesMissingSettings(t *testing.T) {
	err := Default().Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DB_HOST", "DB_USER", "DB_PASSWORD", "DB_NAME"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
	if strings.Contains(err.Error(), "DB_PORT") {
		t.Fatal("port has an explicit default and must not be reported")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	p := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(p, []byte("EVOLVEX_TEST_DOTENV=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("EVOLVEX_TEST_DOTENV") })
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if os.Getenv("EVOLVEX_TEST_DOTENV") != "loaded" {
		t.Fatal("dotenv value not exported")
	}
}
