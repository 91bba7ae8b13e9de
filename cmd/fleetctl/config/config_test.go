package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newTestCommand(t *testing.T) *cobra.Command {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file")
	cmd.Flags().String("redis", "", "redis address")
	cmd.Flags().String("nats", "", "nats url")
	return cmd
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(newTestCommand(t))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Redis != defaultRedis {
		t.Errorf("Redis = %q, want %q", cfg.Redis, defaultRedis)
	}
	if cfg.Queue != defaultQueue {
		t.Errorf("Queue = %q, want %q", cfg.Queue, defaultQueue)
	}
	if cfg.Prefix != "fleetd" {
		t.Errorf("Prefix = %q, want %q", cfg.Prefix, "fleetd")
	}
	if cfg.NATS != nats.DefaultURL {
		t.Errorf("NATS = %q, want %q", cfg.NATS, nats.DefaultURL)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	cmd := newTestCommand(t)
	path := writeConfig(t, `
redis: "redis.ci:6379"
redis_db: 2
queue: "ci:commands"
prefix: "ci"
nats: "nats://nats.ci:4222"
`)
	if err := cmd.Flags().Set("config", path); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	want := Config{Redis: "redis.ci:6379", RedisDB: 2, Queue: "ci:commands", Prefix: "ci", NATS: "nats://nats.ci:4222"}
	if *cfg != want {
		t.Errorf("LoadConfig() = %+v, want %+v", *cfg, want)
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	cmd := newTestCommand(t)
	home, _ := os.UserHomeDir()
	if err := os.MkdirAll(filepath.Join(home, ".fleetd"), 0755); err != nil {
		t.Fatal(err)
	}

	// Directory without config.yaml falls back to defaults
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Redis != defaultRedis {
		t.Errorf("Redis = %q, want %q", cfg.Redis, defaultRedis)
	}

	if err := os.WriteFile(filepath.Join(home, ".fleetd", "config.yaml"), []byte("redis: home:6379\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Redis != "home:6379" {
		t.Errorf("Redis = %q, want %q", cfg.Redis, "home:6379")
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	cmd := newTestCommand(t)
	path := writeConfig(t, "redis: file:6379\nqueue: file-queue\nnats: nats://file:4222\n")
	if err := cmd.Flags().Set("config", path); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLEETD_QUEUE", "env-queue")
	t.Setenv("FLEETD_REDIS", "env:6379")
	if err := cmd.Flags().Set("redis", "flag:6379"); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Redis != "flag:6379" {
		t.Errorf("Redis = %q, flag should win", cfg.Redis)
	}
	if cfg.Queue != "env-queue" {
		t.Errorf("Queue = %q, environment should win over file", cfg.Queue)
	}
	if cfg.NATS != "nats://file:4222" {
		t.Errorf("NATS = %q, want file value", cfg.NATS)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"explicit file missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.yaml") }},
		{"invalid yaml", func(t *testing.T) string {
			return writeConfig(t, "redis: \"a\"\n  bad: yaml: here\n")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newTestCommand(t)
			if err := cmd.Flags().Set("config", tt.path(t)); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(cmd); err == nil {
				t.Error("LoadConfig() should fail")
			}
		})
	}
}
