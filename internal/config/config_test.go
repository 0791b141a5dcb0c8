package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const yamlConfig = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./ledgerd.db
  busy_timeout: 5s
scheduler:
  enabled: true
  schedule: "*/30 * * * *"
  timezone: Europe/Berlin
  workers: 4
  circuit:
    trip_failures: 5
    base_delay: 10m
engine:
  retry_max: 2
  retry_base: 1s
backup:
  dir: /var/backups/ledgerd
  compression: zstd
`

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cfg, err := NewConfigManager(writeFile(t, dir, "ledgerd.yaml", yamlConfig)).Load()
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.Circuit.TripFailures != 5 || cfg.Engine == nil || cfg.Engine.RetryMax != 2 {
		t.Fatalf("yaml decoded = %+v", cfg)
	}
	if cfg.Backup.Compression != "zstd" || cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("yaml decoded = %+v", cfg)
	}

	js := `{"storage":{"driver":"memory"},"scheduler":{"enabled":false},"backup":{"dir":""}}`
	cfg, err = NewConfigManager(writeFile(t, dir, "ledgerd.json", js)).Load()
	if err != nil {
		t.Fatalf("Load json: %v", err)
	}
	if cfg.Engine != nil || cfg.Storage.Driver != "memory" {
		t.Fatalf("json decoded = %+v", cfg)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"storage":{"driver":"memory"},"telegram":{}}`, "unknown field"},
		{"trailing data", "c.json", `{"storage":{"driver":"memory"}} {}`, "trailing data"},
		{"bad duration", "c.json", `{"storage":{"driver":"memory"},"scheduler":{"pass_timeout":"soon"}}`, "scheduler.pass_timeout"},
		{"negative duration", "c.yaml", "storage: {driver: memory}\nengine: {retry_base: -1s}\n", "engine.retry_base"},
		{"unknown driver", "c.json", `{"storage":{"driver":"postgres","path":"x"}}`, "storage.driver"},
		{"missing path", "c.json", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"jitter range", "c.json", `{"storage":{"driver":"memory"},"engine":{"retry_jitter":2}}`, "retry_jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, t.TempDir(), tt.file, tt.body)).Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Storage: StorageConfig{Driver: "sqlite", Path: "a.db"}}
	next := *old
	next.Storage.Path = " a.db "
	if changed, _ := SummarizeConfigChange(old, &next); len(changed) != 0 {
		t.Fatalf("whitespace-only change reported: %v", changed)
	}

	next.Scheduler.Schedule = "1h"
	next.Engine = &EngineConfig{RetryMax: 1}
	next.Backup.Dir = "/b"
	changed, attrs := SummarizeConfigChange(old, &next)
	want := []string{"backup", "engine", "scheduler"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected log attrs")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ledgerd.json", `{"storage":{"driver":"memory"},"scheduler":{"schedule":"30m"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Schedule == "reject" {
			return context.Canceled
		}
		return nil
	})
	sub, unsub := m.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Let the watcher register before writing.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, dir, "ledgerd.json", `{"storage":{"driver":"memory"},"scheduler":{"schedule":"reject"}}`)
	time.Sleep(600 * time.Millisecond)
	writeFile(t, dir, "ledgerd.json", `{"storage":{"driver":"memory"},"scheduler":{"schedule":"1h"}}`)

	select {
	case cfg := <-sub:
		if cfg.Scheduler.Schedule != "1h" {
			t.Fatalf("published schedule = %q", cfg.Scheduler.Schedule)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if got := m.Get().Scheduler.Schedule; got != "1h" {
		t.Fatalf("Get().Scheduler.Schedule = %q", got)
	}
	cancel()
	<-done
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("LEDGERD_TEST_TOKEN", "s3cret")
	dir := t.TempDir()
	body := "storage: {driver: memory}\n" +
		"scheduler: {schedule: \"${LEDGERD_TEST_SCHEDULE:-45m}\"}\n" +
		"debug: {token: \"${LEDGERD_TEST_TOKEN}\"}\n"
	cfg, err := NewConfigManager(writeFile(t, dir, "env.yaml", body)).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Debug.Token != "s3cret" || cfg.Scheduler.Schedule != "45m" {
		t.Fatalf("expanded = token %q schedule %q", cfg.Debug.Token, cfg.Scheduler.Schedule)
	}

	_, err = NewConfigManager(writeFile(t, dir, "missing.yaml", "debug: {token: \"${LEDGERD_TEST_UNSET_VAR}\"}\n")).Parse()
	if err == nil || !strings.Contains(err.Error(), "LEDGERD_TEST_UNSET_VAR") {
		t.Fatalf("unset variable error = %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90s ", 90 * time.Second, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1d", 0, true},
		{"-5m", 0, true},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("f", tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDurationField(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
	if d, _ := ParseDurationOrDefault("f", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}

func TestParseEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := decode("empty.yaml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Storage.Driver != "" {
		t.Fatalf("decoded = %+v", cfg)
	}
}
