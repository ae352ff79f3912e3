package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefaultAndNormalize(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxUploadSize != 100<<20 {
		t.Fatalf("expected 100 MiB default, got %d", cfg.MaxUploadSize)
	}
	if cfg.MaxExtractSize != 1<<30 {
		t.Fatalf("expected 1 GiB extraction cap, got %d", cfg.MaxExtractSize)
	}

	got := normalizeExtensions([]string{"MP4", ".webm", "mp4", "  .MKV"})
	for _, want := range []string{".mp4", ".webm", ".mkv"} {
		if !slices.Contains(got, want) {
			t.Fatalf("expected normalized set to contain %s, got %v", want, got)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected duplicates removed, got %v", got)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("not_exists.yml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.UploadDir != "uploads" || cfg.OutputDir != "outputs" {
		t.Fatalf("unexpected dirs: %+v", cfg)
	}
}

func TestLoadReadsDurationsAndSections(t *testing.T) {
	path := writeConfig(t, `
port: 9090
upload_dir: in
output_dir: out
max_concurrent_tasks: 4
max_extract_bytes: 0
allowed_extensions:
  image: [PNG, jpg]
retention:
  interval: 30m
  max_age: 7200
  startup_max_age: 1h
rate_limit:
  max_requests: 5
  window: 1m
  prune_interval: 5m
progress:
  backend: memory
  ttl: 24h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.UploadDir != "in" || cfg.OutputDir != "out" || cfg.MaxConcurrentTasks != 4 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Retention.Interval.Std() != 30*time.Minute || cfg.Retention.MaxAge.Std() != 2*time.Hour {
		t.Fatalf("unexpected retention: %+v", cfg.Retention)
	}
	if cfg.RateLimit.MaxRequests != 5 || cfg.RateLimit.Window.Std() != time.Minute {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.MaxExtractSize != 0 {
		t.Fatalf("explicit zero must disable the extraction cap, got %d", cfg.MaxExtractSize)
	}
	if cfg.Progress.TTL.Std() != 24*time.Hour {
		t.Fatalf("unexpected progress ttl: %v", cfg.Progress.TTL.Std())
	}
	if !slices.Equal(cfg.AllowedExtensions["image"], []string{".png", ".jpg"}) {
		t.Fatalf("extensions not normalized: %v", cfg.AllowedExtensions["image"])
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"negative concurrency": "max_concurrent_tasks: -1\n",
		"unknown backend":      "progress:\n  backend: etcd\n",
		"redis without addr":   "progress:\n  backend: redis\n",
		"same dirs":            "upload_dir: data\noutput_dir: data\n",
		"bad log level":        "log_level: verbose\n",
		"bad duration":         "retention:\n  interval: soon\n",
		"negative extract cap": "max_extract_bytes: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestValidateReportsFieldNames(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.MaxRequests = 0
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "MaxRequests") {
		t.Fatalf("expected MaxRequests violation, got %v", err)
	}
}
